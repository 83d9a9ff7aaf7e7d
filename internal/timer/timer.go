// Package timer schedules callbacks on a hierarchical timing wheel so that
// thousands of pending delays cost only wheel bookkeeping.
package timer

import (
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
)

// Rule yields the next fire time after prev; a zero time ends the schedule
type Rule interface {
	Next(prev time.Time) time.Time
}

// Handle cancels a scheduled callback. Stop is safe to call more than once.
type Handle interface {
	Stop() bool
}

type Service interface {
	AfterFunc(d time.Duration, f func()) Handle
	At(t time.Time, f func()) Handle
	Schedule(rule Rule, f func()) Handle
}

type WheelService struct {
	wheel *timingwheel.TimingWheel
	once  sync.Once
}

// NewWheelService builds a wheel with the given tick and slot count. Start
// must be called before callbacks fire.
func NewWheelService(tick time.Duration, wheelSize int64) *WheelService {
	return &WheelService{wheel: timingwheel.NewTimingWheel(tick, wheelSize)}
}

func (s *WheelService) Start() {
	s.wheel.Start()
}

func (s *WheelService) Stop() {
	s.once.Do(s.wheel.Stop)
}

func (s *WheelService) AfterFunc(d time.Duration, f func()) Handle {
	if d < 0 {
		d = 0
	}
	return s.wheel.AfterFunc(d, f)
}

func (s *WheelService) At(t time.Time, f func()) Handle {
	return s.AfterFunc(time.Until(t), f)
}

// Schedule arms a recurring rule. It returns nil when the rule has no
// future fire time.
func (s *WheelService) Schedule(rule Rule, f func()) Handle {
	t := s.wheel.ScheduleFunc(rule, f)
	if t == nil {
		return nil
	}
	return t
}

// Package scheduler arms SCHEDULE triggers on the timer service and fans
// each firing out to the flow owner's active conversations. It also runs
// the daily idle-contact sweep for EVENT triggers.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"
	"whatsapp-automation/internal/timer"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrScheduleInPast is returned when a once trigger's date has passed
	ErrScheduleInPast = errors.New("schedule is in the past")
	ErrNotSchedule    = errors.New("trigger is not a SCHEDULE trigger")
)

type Config struct {
	Location      *time.Location
	DedupWindow   time.Duration
	EventWindow   time.Duration
	Concurrency   int
	IdleSweepTime string
}

type job struct {
	triggerID   uint
	flowID      uint
	once        bool
	description string
	rule        timer.Rule
	handle      timer.Handle
	armed       bool
}

type JobStatus struct {
	TriggerID   uint       `json:"triggerId"`
	FlowID      uint       `json:"flowId"`
	Description string     `json:"description"`
	Armed       bool       `json:"isArmed"`
	NextRun     *time.Time `json:"nextRun,omitempty"`
}

type Status struct {
	TotalJobs  int         `json:"totalJobs"`
	ActiveJobs int         `json:"activeJobs"`
	Jobs       []JobStatus `json:"jobs"`
}

type Scheduler struct {
	store     store.Store
	engine    *automation.Engine
	transport automation.Transport
	timers    timer.Service
	cfg       Config

	mu    sync.Mutex
	jobs  map[uint]*job
	sweep timer.Handle

	now func() time.Time
}

func New(st store.Store, engine *automation.Engine, transport automation.Transport, timers timer.Service, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.IdleSweepTime == "" {
		cfg.IdleSweepTime = "00:00"
	}
	return &Scheduler{
		store:     st,
		engine:    engine,
		transport: transport,
		timers:    timers,
		cfg:       cfg,
		jobs:      make(map[uint]*job),
		now:       time.Now,
	}
}

// Initialize arms every active SCHEDULE trigger and the idle sweep. Triggers
// that fail to arm are logged and skipped. It returns how many were armed.
func (s *Scheduler) Initialize(ctx context.Context) (int, error) {
	triggers, err := s.store.ActiveTriggers(ctx, models.TriggerSchedule)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, at := range triggers {
		if err := s.ScheduleOne(ctx, at.Trigger); err != nil {
			log.Warn().Err(err).Uint("triggerID", at.Trigger.ID).Msg("Failed to arm schedule trigger")
			continue
		}
		armed++
	}

	if err := s.armSweep(); err != nil {
		log.Error().Err(err).Str("time", s.cfg.IdleSweepTime).Msg("Failed to arm idle sweep")
	}
	log.Info().Int("armed", armed).Int("triggers", len(triggers)).Msg("Scheduler initialized")
	return armed, nil
}

func (s *Scheduler) armSweep() error {
	c := automation.ScheduleConfig{ScheduleType: automation.ScheduleDaily, Time: s.cfg.IdleSweepTime}
	rule, err := NewRule(c, s.cfg.Location)
	if err != nil {
		return err
	}
	h := s.timers.Schedule(rule, func() {
		if _, err := s.RunIdleSweep(context.Background()); err != nil {
			log.Error().Err(err).Msg("Idle sweep failed")
		}
	})

	s.mu.Lock()
	if s.sweep != nil {
		s.sweep.Stop()
	}
	s.sweep = h
	s.mu.Unlock()
	return nil
}

// ScheduleOne arms a single trigger, replacing any job already armed for it
func (s *Scheduler) ScheduleOne(ctx context.Context, t models.FlowTrigger) error {
	if t.TriggerType != models.TriggerSchedule {
		return ErrNotSchedule
	}
	cfg, err := automation.ParseScheduleConfig(t)
	if err != nil {
		return err
	}
	rule, err := NewRule(cfg, s.cfg.Location)
	if err != nil {
		return errors.Wrap(automation.ErrStepPayloadInvalid, err.Error())
	}
	if rule.Next(s.now()).IsZero() {
		return errors.Wrapf(ErrScheduleInPast, "trigger %d", t.ID)
	}

	s.Cancel(t.ID)

	j := &job{
		triggerID:   t.ID,
		flowID:      t.FlowID,
		once:        cfg.ScheduleType == automation.ScheduleOnce,
		description: Describe(cfg),
		rule:        rule,
		armed:       true,
	}
	s.mu.Lock()
	s.jobs[t.ID] = j
	s.mu.Unlock()

	h := s.timers.Schedule(rule, func() { s.onFire(j) })
	s.mu.Lock()
	j.handle = h
	if h == nil {
		delete(s.jobs, t.ID)
	}
	s.mu.Unlock()
	if h == nil {
		return errors.Wrapf(ErrScheduleInPast, "trigger %d", t.ID)
	}

	log.Info().Uint("triggerID", t.ID).Uint("flowID", t.FlowID).Str("schedule", j.description).Msg("Schedule trigger armed")
	return nil
}

// Cancel disarms a trigger's job. It reports whether one was armed.
func (s *Scheduler) Cancel(triggerID uint) bool {
	s.mu.Lock()
	j, ok := s.jobs[triggerID]
	var h timer.Handle
	if ok {
		delete(s.jobs, triggerID)
		j.armed = false
		h = j.handle
	}
	s.mu.Unlock()
	if h != nil {
		h.Stop()
	}
	if ok {
		log.Info().Uint("triggerID", triggerID).Msg("Schedule trigger cancelled")
	}
	return ok
}

// Reschedule re-reads a trigger and re-arms it, or cancels it when the
// trigger or its flow is no longer active
func (s *Scheduler) Reschedule(ctx context.Context, triggerID uint) error {
	t, err := s.store.GetTrigger(ctx, triggerID)
	if errors.Is(err, store.ErrNotFound) {
		s.Cancel(triggerID)
		return nil
	}
	if err != nil {
		return err
	}
	flow, err := s.store.GetFlow(ctx, t.FlowID)
	if err != nil {
		return err
	}
	if !t.IsActive || !flow.IsActive || t.TriggerType != models.TriggerSchedule {
		s.Cancel(triggerID)
		return nil
	}
	return s.ScheduleOne(ctx, t)
}

// RescheduleFlow re-arms every SCHEDULE trigger of a flow after the flow
// was edited, activated or deactivated
func (s *Scheduler) RescheduleFlow(ctx context.Context, flowID uint) error {
	flow, err := s.store.GetFlow(ctx, flowID)
	if errors.Is(err, store.ErrNotFound) {
		s.cancelFlow(flowID)
		return nil
	}
	if err != nil {
		return err
	}
	s.cancelFlow(flowID)
	for _, t := range flow.Triggers {
		if t.TriggerType != models.TriggerSchedule {
			continue
		}
		if err := s.Reschedule(ctx, t.ID); err != nil {
			log.Warn().Err(err).Uint("triggerID", t.ID).Msg("Failed to re-arm schedule trigger")
		}
	}
	return nil
}

func (s *Scheduler) cancelFlow(flowID uint) {
	s.mu.Lock()
	var ids []uint
	for id, j := range s.jobs {
		if j.flowID == flowID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Cancel(id)
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := Status{TotalJobs: len(s.jobs), Jobs: make([]JobStatus, 0, len(s.jobs))}
	for _, j := range s.jobs {
		js := JobStatus{TriggerID: j.triggerID, FlowID: j.flowID, Description: j.description, Armed: j.armed}
		if next := j.rule.Next(now); !next.IsZero() {
			js.NextRun = &next
		}
		if j.armed {
			st.ActiveJobs++
		}
		st.Jobs = append(st.Jobs, js)
	}
	sort.Slice(st.Jobs, func(a, b int) bool { return st.Jobs[a].TriggerID < st.Jobs[b].TriggerID })
	return st
}

// Stop disarms every job and the idle sweep
func (s *Scheduler) Stop() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[uint]*job)
	for _, j := range jobs {
		j.armed = false
	}
	sweep := s.sweep
	s.sweep = nil
	s.mu.Unlock()

	for _, j := range jobs {
		if j.handle != nil {
			j.handle.Stop()
		}
	}
	if sweep != nil {
		sweep.Stop()
	}
}

func (s *Scheduler) onFire(j *job) {
	s.mu.Lock()
	current, ok := s.jobs[j.triggerID]
	live := ok && current == j && j.armed
	if live && j.once {
		delete(s.jobs, j.triggerID)
		j.armed = false
	}
	s.mu.Unlock()
	if !live {
		return
	}

	ctx := context.Background()
	if _, err := s.Fire(ctx, j.triggerID); err != nil {
		log.Error().Err(err).Uint("triggerID", j.triggerID).Msg("Schedule trigger fire failed")
	}
	if j.once {
		if err := s.store.UpdateTrigger(ctx, j.triggerID, map[string]interface{}{"is_active": false}); err != nil {
			log.Error().Err(err).Uint("triggerID", j.triggerID).Msg("Failed to deactivate once trigger")
		}
	}
}

// Fire starts the trigger's flow for every conversation in its audience. A
// failure on one conversation does not stop the others. It returns how
// many executions were started.
func (s *Scheduler) Fire(ctx context.Context, triggerID uint) (int, error) {
	t, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return 0, err
	}
	flow, err := s.store.GetFlow(ctx, t.FlowID)
	if err != nil {
		return 0, err
	}
	if !flow.IsActive {
		log.Info().Uint("triggerID", triggerID).Uint("flowID", flow.ID).Msg("Flow inactive, skipping scheduled fire")
		return 0, nil
	}

	audience, err := s.audience(ctx, flow.OwnerID, store.ConversationFilter{})
	if err != nil {
		return 0, err
	}
	log.Info().
		Uint("triggerID", triggerID).
		Uint("flowID", flow.ID).
		Int("audience", len(audience)).
		Msg("Schedule trigger fired")

	started := s.fanOut(ctx, flow.ID, &t.ID, models.TriggerSchedule, audience, s.cfg.DedupWindow)
	return started, nil
}

// audience lists the active, unblocked conversations on the owner's usable
// accounts
func (s *Scheduler) audience(ctx context.Context, ownerID string, f store.ConversationFilter) ([]models.Conversation, error) {
	accounts, err := s.store.ListAccounts(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if s.transport.IsAccountUsable(ctx, a.ID) {
			f.AccountIDs = append(f.AccountIDs, a.ID)
		}
	}
	if len(f.AccountIDs) == 0 {
		log.Warn().Str("ownerID", ownerID).Msg("No usable accounts for owner")
		return nil, nil
	}
	f.Status = models.ConversationActive
	f.ExcludeBlocked = true
	return s.store.ListConversations(ctx, f)
}

func (s *Scheduler) fanOut(ctx context.Context, flowID uint, triggerID *uint, tt models.TriggerType, audience []models.Conversation, window time.Duration) int {
	var (
		mu      sync.Mutex
		started int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, conv := range audience {
		convID := conv.ID
		g.Go(func() error {
			id, err := s.engine.StartDeduped(gctx, automation.StartRequest{
				FlowID:         flowID,
				ConversationID: convID,
				TriggerType:    tt,
				TriggerID:      triggerID,
			}, window)
			if errors.Is(err, automation.ErrDuplicateSuppressed) {
				return nil
			}
			if err != nil {
				log.Error().Err(err).Uint("flowID", flowID).Uint("conversationID", convID).Msg("Failed to start scheduled execution")
				return nil
			}
			mu.Lock()
			started++
			mu.Unlock()
			if err := s.engine.Advance(gctx, id); err != nil {
				log.Error().Err(err).Uint("executionID", id).Msg("Scheduled execution advance failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return started
}

// RunIdleSweep starts idle_contact EVENT flows for conversations with no
// inbound message within the trigger's idleDays
func (s *Scheduler) RunIdleSweep(ctx context.Context) (int, error) {
	triggers, err := s.store.ActiveTriggers(ctx, models.TriggerEvent)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, at := range triggers {
		cfg, err := automation.ParseEventConfig(at.Trigger)
		if err != nil || cfg.Event != automation.EventIdleContact {
			continue
		}
		cutoff := s.now().Add(-cfg.IdleThreshold())
		audience, err := s.audience(ctx, at.Flow.OwnerID, store.ConversationFilter{LastInboundBefore: &cutoff})
		if err != nil {
			log.Error().Err(err).Uint("triggerID", at.Trigger.ID).Msg("Failed to resolve idle audience")
			continue
		}

		window := s.cfg.EventWindow
		if cfg.IdleThreshold() > window {
			window = cfg.IdleThreshold()
		}
		triggerID := at.Trigger.ID
		n := s.fanOut(ctx, at.Flow.ID, &triggerID, models.TriggerEvent, audience, window)
		total += n
		log.Info().Uint("triggerID", triggerID).Int("idle", len(audience)).Int("started", n).Msg("Idle sweep trigger processed")
	}
	return total, nil
}

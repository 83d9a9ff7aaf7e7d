package automation

import (
	"encoding/json"
	"strings"
	"time"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
)

type KeywordConfig struct {
	Keywords []string `json:"keywords"`
}

const (
	ScheduleOnce    = "once"
	ScheduleDaily   = "daily"
	ScheduleWeekly  = "weekly"
	ScheduleMonthly = "monthly"
)

// ScheduleConfig is the SCHEDULE trigger config. DayOfWeek uses 0 = Sunday.
type ScheduleConfig struct {
	ScheduleType string `json:"scheduleType"`
	Time         string `json:"time"`
	DayOfWeek    *int   `json:"dayOfWeek,omitempty"`
	DayOfMonth   *int   `json:"dayOfMonth,omitempty"`
	Date         string `json:"date,omitempty"`
}

const (
	EventNewContact  = "new_contact"
	EventIdleContact = "idle_contact"
)

type EventConfig struct {
	Event    string `json:"event"`
	IdleDays int    `json:"idleDays"`
}

func (c EventConfig) IdleThreshold() time.Duration {
	return time.Duration(c.IdleDays) * 24 * time.Hour
}

func invalidTrigger(t models.FlowTrigger, format string, args ...interface{}) error {
	return errors.Wrapf(ErrStepPayloadInvalid, "trigger %d (%s): "+format, append([]interface{}{t.ID, t.TriggerType}, args...)...)
}

func decodeConfig(t models.FlowTrigger, v interface{}) error {
	raw := []byte(t.Config)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidTrigger(t, "%v", err)
	}
	return nil
}

// ParseKeywordConfig returns the trigger's keywords lower-cased and trimmed
func ParseKeywordConfig(t models.FlowTrigger) (KeywordConfig, error) {
	var c KeywordConfig
	if err := decodeConfig(t, &c); err != nil {
		return c, err
	}
	keywords := make([]string, 0, len(c.Keywords))
	for _, k := range c.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			keywords = append(keywords, k)
		}
	}
	if len(keywords) == 0 {
		return c, invalidTrigger(t, "no keywords")
	}
	c.Keywords = keywords
	return c, nil
}

// ParseScheduleConfig checks the shape of the config. Whether a once date is
// still in the future is decided when the trigger is armed.
func ParseScheduleConfig(t models.FlowTrigger) (ScheduleConfig, error) {
	var c ScheduleConfig
	if err := decodeConfig(t, &c); err != nil {
		return c, err
	}
	if _, _, err := c.Clock(); err != nil {
		return c, invalidTrigger(t, "%v", err)
	}
	switch c.ScheduleType {
	case ScheduleOnce:
		if _, err := time.Parse("2006-01-02", c.Date); err != nil {
			return c, invalidTrigger(t, "once schedule needs date YYYY-MM-DD")
		}
	case ScheduleDaily:
	case ScheduleWeekly:
		if c.DayOfWeek == nil || *c.DayOfWeek < 0 || *c.DayOfWeek > 6 {
			return c, invalidTrigger(t, "weekly schedule needs dayOfWeek 0-6")
		}
	case ScheduleMonthly:
		if c.DayOfMonth == nil || *c.DayOfMonth < 1 || *c.DayOfMonth > 31 {
			return c, invalidTrigger(t, "monthly schedule needs dayOfMonth 1-31")
		}
	default:
		return c, invalidTrigger(t, "unknown scheduleType %q", c.ScheduleType)
	}
	return c, nil
}

// Clock parses Time as HH:MM
func (c ScheduleConfig) Clock() (hour, minute int, err error) {
	parsed, err := time.Parse("15:04", c.Time)
	if err != nil {
		return 0, 0, errors.Errorf("time %q is not HH:MM", c.Time)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

func ParseEventConfig(t models.FlowTrigger) (EventConfig, error) {
	var c EventConfig
	if err := decodeConfig(t, &c); err != nil {
		return c, err
	}
	switch c.Event {
	case EventNewContact:
	case EventIdleContact:
		if c.IdleDays <= 0 {
			return c, invalidTrigger(t, "idle_contact needs idleDays > 0")
		}
	default:
		return c, invalidTrigger(t, "unknown event %q", c.Event)
	}
	return c, nil
}

// ValidateTrigger checks a trigger's config for its type
func ValidateTrigger(t models.FlowTrigger) error {
	var err error
	switch t.TriggerType {
	case models.TriggerKeyword:
		_, err = ParseKeywordConfig(t)
	case models.TriggerSchedule:
		_, err = ParseScheduleConfig(t)
	case models.TriggerEvent:
		_, err = ParseEventConfig(t)
	case models.TriggerNewContact, models.TriggerManual:
	default:
		err = invalidTrigger(t, "unknown trigger type")
	}
	return err
}

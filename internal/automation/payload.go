package automation

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
)

// Step is the validated, typed form of a FlowStep. Exactly one of the
// payload pointers is set, matching Type.
type Step struct {
	Order     int
	Type      models.StepType
	Message   *MessagePayload
	Delay     *DelayPayload
	Condition *ConditionPayload
	Action    *ActionPayload
}

type MessagePayload struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	MediaURL    string `json:"mediaUrl"`
}

type DelayPayload struct {
	DurationMs *int64  `json:"durationMs"`
	Duration   float64 `json:"duration"`
	Unit       string  `json:"unit"`
}

const (
	ConditionHasTag          = "has_tag"
	ConditionMessageContains = "message_contains"
)

type ConditionPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	// Lookback is how many recent inbound messages message_contains inspects
	Lookback int `json:"lookback"`
}

const (
	ActionAddTag      = "add_tag"
	ActionRemoveTag   = "remove_tag"
	ActionSetVariable = "set_variable"
	ActionAssignOwner = "assign_owner"
)

type ActionPayload struct {
	Type  string `json:"type"`
	Tag   string `json:"tag"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Owner string `json:"owner"`
}

var mediaTypes = map[string]bool{
	"text":     true,
	"image":    true,
	"video":    true,
	"audio":    true,
	"document": true,
}

func invalid(order int, format string, args ...interface{}) error {
	return errors.Wrapf(ErrStepPayloadInvalid, "step %d: "+format, append([]interface{}{order}, args...)...)
}

// ParseStep validates a stored step once, at the boundary where the JSON
// blob is read.
func ParseStep(s models.FlowStep) (Step, error) {
	step := Step{Order: s.StepOrder, Type: s.StepType}
	raw := []byte(s.Payload)
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	switch s.StepType {
	case models.StepMessage:
		var p MessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return step, invalid(s.StepOrder, "%v", err)
		}
		if p.MessageType == "" {
			p.MessageType = "text"
		}
		if !mediaTypes[p.MessageType] {
			return step, invalid(s.StepOrder, "unsupported message type %q", p.MessageType)
		}
		if p.MessageType == "text" && strings.TrimSpace(p.Content) == "" {
			return step, invalid(s.StepOrder, "empty message content")
		}
		if p.MessageType != "text" && p.MediaURL == "" {
			return step, invalid(s.StepOrder, "%s message without mediaUrl", p.MessageType)
		}
		step.Message = &p

	case models.StepDelay:
		var p DelayPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return step, invalid(s.StepOrder, "%v", err)
		}
		if p.DurationMs != nil && *p.DurationMs < 0 {
			return step, invalid(s.StepOrder, "negative delay")
		}
		if p.Duration < 0 {
			return step, invalid(s.StepOrder, "negative delay")
		}
		if p.Unit != "" {
			if _, ok := units[p.Unit]; !ok {
				return step, invalid(s.StepOrder, "unknown delay unit %q", p.Unit)
			}
		}
		step.Delay = &p

	case models.StepCondition:
		var p ConditionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return step, invalid(s.StepOrder, "%v", err)
		}
		switch p.Type {
		case ConditionHasTag, ConditionMessageContains:
		default:
			return step, invalid(s.StepOrder, "unsupported condition %q", p.Type)
		}
		if p.Value == "" {
			return step, invalid(s.StepOrder, "condition without value")
		}
		if p.Lookback <= 0 {
			p.Lookback = 1
		}
		step.Condition = &p

	case models.StepAction:
		var p ActionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return step, invalid(s.StepOrder, "%v", err)
		}
		switch p.Type {
		case ActionAddTag, ActionRemoveTag:
			if p.Tag == "" {
				return step, invalid(s.StepOrder, "%s without tag", p.Type)
			}
		case ActionSetVariable:
			if p.Key == "" {
				return step, invalid(s.StepOrder, "set_variable without key")
			}
		case ActionAssignOwner:
			if p.Owner == "" {
				return step, invalid(s.StepOrder, "assign_owner without owner")
			}
		default:
			return step, invalid(s.StepOrder, "unsupported action %q", p.Type)
		}
		step.Action = &p

	default:
		return step, invalid(s.StepOrder, "unknown step type %q", s.StepType)
	}
	return step, nil
}

// ParseSteps validates a whole step list and checks orders are unique and
// positive. The result is sorted by order.
func ParseSteps(steps []models.FlowStep) ([]Step, error) {
	parsed := make([]Step, 0, len(steps))
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.StepOrder < 1 {
			return nil, invalid(s.StepOrder, "stepOrder must be >= 1")
		}
		if seen[s.StepOrder] {
			return nil, invalid(s.StepOrder, "duplicate stepOrder")
		}
		seen[s.StepOrder] = true
		step, err := ParseStep(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, step)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Order < parsed[j].Order })
	return parsed, nil
}

var units = map[string]time.Duration{
	"ms":      time.Millisecond,
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

// Wait resolves the delay; fallback applies when nothing is configured
func (p DelayPayload) Wait(fallback time.Duration) time.Duration {
	if p.DurationMs != nil {
		return time.Duration(*p.DurationMs) * time.Millisecond
	}
	if p.Duration > 0 {
		unit := units["seconds"]
		if u, ok := units[p.Unit]; ok {
			unit = u
		}
		return time.Duration(p.Duration * float64(unit))
	}
	return fallback
}

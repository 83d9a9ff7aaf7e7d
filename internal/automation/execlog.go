package automation

import (
	"encoding/json"
	"time"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

// LogEntry is one audit record on an execution
type LogEntry struct {
	At                time.Time `json:"at"`
	Step              int       `json:"step,omitempty"`
	Event             string    `json:"event"`
	Message           string    `json:"message,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
}

// Metadata is the JSON blob persisted on FlowExecution.Metadata. Steps is a
// snapshot taken at start so later flow edits only affect new executions.
type Metadata struct {
	Variables map[string]interface{} `json:"variables"`
	Steps     []models.FlowStep      `json:"steps"`
	Log       []LogEntry             `json:"log"`
	Dropped   int                    `json:"dropped,omitempty"`
}

func DecodeMetadata(raw datatypes.JSON) (Metadata, error) {
	var m Metadata
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return m, errors.Wrap(err, "decode execution metadata")
		}
	}
	if m.Variables == nil {
		m.Variables = map[string]interface{}{}
	}
	return m, nil
}

func (m Metadata) Encode() datatypes.JSON {
	b, _ := json.Marshal(m)
	return datatypes.JSON(b)
}

// Append adds an entry, dropping the oldest ones beyond limit
func (m *Metadata) Append(limit int, e LogEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.Log = append(m.Log, e)
	if limit > 0 && len(m.Log) > limit {
		over := len(m.Log) - limit
		m.Log = append([]LogEntry(nil), m.Log[over:]...)
		m.Dropped += over
	}
}

// Sent reports whether a message was already logged for the step, used to
// skip a resend after a crash between send and progress write.
func (m Metadata) Sent(step int) bool {
	for _, e := range m.Log {
		if e.Step == step && e.Event == "message_sent" {
			return true
		}
	}
	return false
}

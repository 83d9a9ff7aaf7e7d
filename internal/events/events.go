// Package events delivers execution and campaign status changes to
// dashboards and downstream consumers.
package events

import (
	"encoding/json"
	"time"

	"whatsapp-automation/internal/automation"

	"github.com/google/uuid"
)

const (
	CampaignProgress = "campaign_progress"
	CampaignStatus   = "campaign_status"
	ExecutionStatus  = "execution_status"
)

// Envelope is the wire form of one event on the queue
type Envelope struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurredAt"`
	Data       interface{} `json:"data"`
}

func NewEnvelope(eventType string, data interface{}) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Multi hands every event to each publisher in order
type Multi []automation.Publisher

func (m Multi) Publish(eventType string, payload interface{}) {
	for _, p := range m {
		if p != nil {
			p.Publish(eventType, payload)
		}
	}
}

// Nop drops events
type Nop struct{}

func (Nop) Publish(string, interface{}) {}

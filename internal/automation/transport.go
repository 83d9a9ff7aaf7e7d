package automation

import "context"

// SendResult is the provider's answer to one outbound message
type SendResult struct {
	Success           bool
	ProviderMessageID string
	// Delivered is set when the provider acknowledged delivery synchronously
	Delivered bool
	Error     string
}

// OutboundMessage is one message to one recipient
type OutboundMessage struct {
	AccountID uint
	To        string
	Type      string
	Content   string
	MediaURL  string
}

// Transport is the chat channel the engine and dispatcher send through
type Transport interface {
	SendMessage(ctx context.Context, msg OutboundMessage) (SendResult, error)
	IsAccountUsable(ctx context.Context, accountID uint) bool
}

// Publisher receives status and progress events for dashboards and queues
type Publisher interface {
	Publish(eventType string, payload interface{})
}

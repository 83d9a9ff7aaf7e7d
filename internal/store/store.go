// Package store is the repository the automation components read and write
// through. The gorm implementation backs both postgres and sqlite.
package store

import (
	"context"
	"time"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("record not found")

// ActiveTrigger is an active trigger whose flow is active too
type ActiveTrigger struct {
	Trigger models.FlowTrigger
	Flow    models.Flow
}

type ExecutionFilter struct {
	FlowID         uint
	ConversationID uint
	Statuses       []models.ExecutionStatus
	Limit          int
}

type ConversationFilter struct {
	AccountIDs        []uint
	Status            string
	LastInboundBefore *time.Time
	LastMessageBefore *time.Time
	LastMessageAfter  *time.Time
	UnreadOnly        bool
	ExcludeBlocked    bool
}

// CounterDelta is added to a campaign's running counters in one statement
type CounterDelta struct {
	Sent      int
	Delivered int
	Read      int
	Failed    int
	// SentAt, when set, is stored as the campaign's last_sent_at
	SentAt time.Time
}

type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id uint) (models.Account, error)
	GetAccountByPhoneNumberID(ctx context.Context, phoneNumberID string) (models.Account, error)
	ListAccounts(ctx context.Context, ownerID string) ([]models.Account, error)
	UpdateAccountStatus(ctx context.Context, id uint, status string) error

	// Conversations and messages
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id uint) (models.Conversation, error)
	UpsertConversation(ctx context.Context, accountID uint, number, name string) (models.Conversation, bool, error)
	UpdateConversation(ctx context.Context, id uint, fields map[string]interface{}) error
	ListConversations(ctx context.Context, f ConversationFilter) ([]models.Conversation, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, conversationID uint, limit int) ([]models.Message, error)
	UpdateMessageStatus(ctx context.Context, providerMessageID, status string) error

	// Flows, steps and triggers
	CreateFlow(ctx context.Context, f *models.Flow) error
	GetFlow(ctx context.Context, id uint) (models.Flow, error)
	ListFlows(ctx context.Context, ownerID string) ([]models.Flow, error)
	UpdateFlow(ctx context.Context, id uint, fields map[string]interface{}, steps []models.FlowStep) error
	DeleteFlow(ctx context.Context, id uint) error
	IncrementFlowExecutions(ctx context.Context, id uint) error
	CreateTrigger(ctx context.Context, t *models.FlowTrigger) error
	GetTrigger(ctx context.Context, id uint) (models.FlowTrigger, error)
	UpdateTrigger(ctx context.Context, id uint, fields map[string]interface{}) error
	DeleteTrigger(ctx context.Context, id uint) error
	ActiveTriggers(ctx context.Context, types ...models.TriggerType) ([]ActiveTrigger, error)

	// Executions
	CreateExecution(ctx context.Context, e *models.FlowExecution) error
	GetExecution(ctx context.Context, id uint) (models.FlowExecution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.FlowExecution, error)
	UpdateExecution(ctx context.Context, id uint, fields map[string]interface{}) error
	TransitionExecution(ctx context.Context, id uint, from []models.ExecutionStatus, to models.ExecutionStatus, fields map[string]interface{}) (bool, error)
	CountRecentExecutions(ctx context.Context, flowID, conversationID uint, triggerType models.TriggerType, since time.Time) (int64, error)

	// Campaigns
	CreateCampaign(ctx context.Context, c *models.Campaign, targets []models.CampaignTarget) error
	GetCampaign(ctx context.Context, id uint) (models.Campaign, error)
	ListCampaigns(ctx context.Context, accountID uint) ([]models.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, statuses ...models.CampaignStatus) ([]models.Campaign, error)
	DeleteCampaign(ctx context.Context, id uint) error
	UpdateCampaign(ctx context.Context, id uint, fields map[string]interface{}) error
	TransitionCampaign(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, fields map[string]interface{}) (bool, error)
	IncrementCampaignCounters(ctx context.Context, id uint, d CounterDelta) error
	PendingTargets(ctx context.Context, campaignID uint) ([]models.CampaignTarget, error)
	UpdateTarget(ctx context.Context, id uint, fields map[string]interface{}) error
	GetTargetByProviderID(ctx context.Context, providerMessageID string) (models.CampaignTarget, error)
	// AdvanceTargetStatus moves a target forward only; it reports whether
	// the row changed.
	AdvanceTargetStatus(ctx context.Context, id uint, from []string, to string) (bool, error)
}

package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Account is a WhatsApp Business phone number the service sends from
type Account struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OwnerID       string    `gorm:"type:varchar(255);index;not null" json:"owner_id"`
	Name          string    `gorm:"type:varchar(255)" json:"name"`
	PhoneNumberID string    `gorm:"type:varchar(255);uniqueIndex" json:"phone_number_id"`
	AccessToken   string    `gorm:"type:text" json:"-"`
	Status        string    `gorm:"type:varchar(20);default:'disconnected'" json:"status"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

const (
	AccountConnected    = "connected"
	AccountDisconnected = "disconnected"
)

const (
	ConversationActive   = "ACTIVE"
	ConversationArchived = "ARCHIVED"
)

// Conversation is one contact on one account
type Conversation struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	AccountID     uint              `gorm:"not null;uniqueIndex:idx_account_contact" json:"account_id"`
	ContactNumber string            `gorm:"type:varchar(50);not null;uniqueIndex:idx_account_contact" json:"contact_number"`
	ContactName   string            `gorm:"type:varchar(255)" json:"contact_name"`
	Status        string            `gorm:"type:varchar(20);default:'ACTIVE';index" json:"status"`
	Tags          datatypes.JSON    `json:"tags"`
	Variables     datatypes.JSONMap `json:"variables"`
	AssignedTo    string            `gorm:"type:varchar(255)" json:"assigned_to"`
	Blocked       bool              `gorm:"default:false" json:"blocked"`
	UnreadCount   int               `gorm:"default:0" json:"unread_count"`
	LastInboundAt *time.Time        `gorm:"index" json:"last_inbound_at"`
	LastMessageAt *time.Time        `json:"last_message_at"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// TagList decodes the JSON tag array; a malformed column reads as no tags.
func (c Conversation) TagList() []string {
	var tags []string
	if len(c.Tags) == 0 {
		return tags
	}
	_ = json.Unmarshal(c.Tags, &tags)
	return tags
}

func (c Conversation) HasTag(tag string) bool {
	for _, t := range c.TagList() {
		if t == tag {
			return true
		}
	}
	return false
}

// EncodeTags builds the JSON column value for a tag list
func EncodeTags(tags []string) datatypes.JSON {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return datatypes.JSON(b)
}

// Message represents a WhatsApp message
type Message struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	AccountID         uint      `gorm:"index" json:"account_id"`
	ConversationID    uint      `gorm:"index" json:"conversation_id"`
	ProviderMessageID string    `gorm:"type:varchar(255);index" json:"provider_message_id"`
	Direction         string    `gorm:"type:varchar(10);not null" json:"direction"` // inbound, outbound
	Content           string    `gorm:"type:text" json:"content"`
	Type              string    `gorm:"type:varchar(50)" json:"type"`
	Status            string    `gorm:"type:varchar(20)" json:"status"`
	CreatedAt         time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Flow is an ordered list of steps started by its triggers
type Flow struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	OwnerID        string        `gorm:"type:varchar(255);index;not null" json:"owner_id"`
	Name           string        `gorm:"type:varchar(255);not null" json:"name"`
	Description    string        `gorm:"type:text" json:"description"`
	IsActive       bool          `gorm:"default:false" json:"is_active"`
	ExecutionCount int64         `gorm:"default:0" json:"execution_count"`
	Steps          []FlowStep    `gorm:"foreignKey:FlowID;constraint:OnDelete:CASCADE;" json:"steps"`
	Triggers       []FlowTrigger `gorm:"foreignKey:FlowID;constraint:OnDelete:CASCADE;" json:"triggers"`
	CreatedAt      time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Flow) TableName() string {
	return "flows"
}

type StepType string

const (
	StepMessage   StepType = "MESSAGE"
	StepDelay     StepType = "DELAY"
	StepCondition StepType = "CONDITION"
	StepAction    StepType = "ACTION"
)

type FlowStep struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	FlowID    uint           `gorm:"index;not null" json:"flow_id"`
	StepOrder int            `gorm:"not null" json:"step_order"`
	StepType  StepType       `gorm:"type:varchar(20);not null" json:"step_type"`
	Payload   datatypes.JSON `json:"payload"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func (FlowStep) TableName() string {
	return "flow_steps"
}

type TriggerType string

const (
	TriggerKeyword    TriggerType = "KEYWORD"
	TriggerNewContact TriggerType = "NEW_CONTACT"
	TriggerSchedule   TriggerType = "SCHEDULE"
	TriggerEvent      TriggerType = "EVENT"
	TriggerManual     TriggerType = "MANUAL"
)

type FlowTrigger struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	FlowID      uint           `gorm:"index;not null" json:"flow_id"`
	TriggerType TriggerType    `gorm:"type:varchar(20);not null;index" json:"trigger_type"`
	Config      datatypes.JSON `json:"config"`
	IsActive    bool           `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (FlowTrigger) TableName() string {
	return "flow_triggers"
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionPaused    ExecutionStatus = "PAUSED"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionError     ExecutionStatus = "ERROR"
)

// Terminal reports whether no further transitions are allowed
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionError
}

// FlowExecution is one run of a flow against one conversation. Rows are
// never deleted; finished runs only get terminal-stamped.
type FlowExecution struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	FlowID         uint            `gorm:"index:idx_exec_dedup;not null" json:"flow_id"`
	ConversationID uint            `gorm:"index:idx_exec_dedup;not null" json:"conversation_id"`
	TriggerType    TriggerType     `gorm:"type:varchar(20);index:idx_exec_dedup" json:"trigger_type"`
	TriggerID      *uint           `json:"trigger_id"`
	Status         ExecutionStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	CurrentStep    int             `gorm:"default:0" json:"current_step"`
	ResumeAt       *time.Time      `json:"resume_at"`
	ResumeStep     int             `gorm:"default:0" json:"resume_step"`
	Metadata       datatypes.JSON  `json:"metadata"`
	ErrorMessage   string          `gorm:"type:text" json:"error_message"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index:idx_exec_dedup" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (FlowExecution) TableName() string {
	return "flow_executions"
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignFailed    CampaignStatus = "FAILED"
)

// Campaign is a bulk send of one message to many targets
type Campaign struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	AccountID           uint           `gorm:"index;not null" json:"account_id"`
	Name                string         `gorm:"type:varchar(255);not null" json:"name"`
	MessageType         string         `gorm:"type:varchar(20);default:'text'" json:"message_type"`
	Content             string         `gorm:"type:text" json:"content"`
	MediaURL            string         `gorm:"type:text" json:"media_url"`
	Audience            datatypes.JSON `json:"audience"`
	ScheduledAt         *time.Time     `json:"scheduled_at"`
	RateLimitPerMinute  int            `gorm:"default:30" json:"rate_limit_per_minute"`
	PersonalizeMessages bool           `gorm:"default:false" json:"personalize_messages"`
	Status              CampaignStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	TargetCount         int            `gorm:"default:0" json:"target_count"`
	SentCount           int            `gorm:"default:0" json:"sent_count"`
	DeliveredCount      int            `gorm:"default:0" json:"delivered_count"`
	ReadCount           int            `gorm:"default:0" json:"read_count"`
	FailedCount         int            `gorm:"default:0" json:"failed_count"`
	ErrorMessage        string         `gorm:"type:text" json:"error_message"`
	LastSentAt          *time.Time     `json:"last_sent_at"`
	StartedAt           *time.Time     `json:"started_at"`
	CompletedAt         *time.Time     `json:"completed_at"`
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

const (
	TargetPending   = "pending"
	TargetSent      = "sent"
	TargetDelivered = "delivered"
	TargetRead      = "read"
	TargetFailed    = "failed"
)

// CampaignTarget is one recipient of a campaign, in input order
type CampaignTarget struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	CampaignID        uint              `gorm:"index:idx_campaign_position;not null" json:"campaign_id"`
	Position          int               `gorm:"index:idx_campaign_position;not null" json:"position"`
	ConversationID    *uint             `json:"conversation_id"`
	Phone             string            `gorm:"type:varchar(50);not null" json:"phone"`
	Name              string            `gorm:"type:varchar(255)" json:"name"`
	Variables         datatypes.JSONMap `json:"variables"`
	Status            string            `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	ProviderMessageID string            `gorm:"type:varchar(255);index" json:"provider_message_id"`
	Error             string            `gorm:"type:text" json:"error"`
	SentAt            *time.Time        `json:"sent_at"`
}

func (CampaignTarget) TableName() string {
	return "campaign_targets"
}

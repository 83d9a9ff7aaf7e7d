package campaign

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

var (
	ErrInvalidCampaign = errors.New("invalid campaign")
	ErrNoTargets       = errors.New("campaign has no targets")
	// ErrInvalidState is returned when a lifecycle call does not apply to
	// the campaign's current status
	ErrInvalidState = errors.New("invalid campaign state")
)

// Target is one explicit recipient
type Target struct {
	Phone     string                 `json:"phone"`
	Name      string                 `json:"name"`
	Variables map[string]interface{} `json:"variables"`
}

// AudienceFilter selects recipients among the account's ACTIVE
// conversations. Tags match when the conversation has any of them.
type AudienceFilter struct {
	Tags              []string   `json:"tags,omitempty"`
	LastMessageBefore *time.Time `json:"lastMessageBefore,omitempty"`
	LastMessageAfter  *time.Time `json:"lastMessageAfter,omitempty"`
	UnreadOnly        bool       `json:"unreadOnly,omitempty"`
	ExcludeBlocked    bool       `json:"excludeBlocked,omitempty"`
}

// Spec is what a caller supplies to create a campaign. Exactly one of
// Targets or Filter must be set.
type Spec struct {
	Name                string          `json:"name"`
	MessageType         string          `json:"messageType"`
	Content             string          `json:"content"`
	MediaURL            string          `json:"mediaUrl"`
	Targets             []Target        `json:"targets"`
	Filter              *AudienceFilter `json:"filter"`
	ScheduledAt         *time.Time      `json:"scheduledAt"`
	RateLimitPerMinute  int             `json:"rateLimitPerMinute"`
	PersonalizeMessages bool            `json:"personalizeMessages"`
}

func (s *Spec) normalize(defaultRate int) error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return errors.Wrap(ErrInvalidCampaign, "name is required")
	}
	if s.MessageType == "" {
		s.MessageType = "text"
	}
	switch s.MessageType {
	case "text":
		if strings.TrimSpace(s.Content) == "" {
			return errors.Wrap(ErrInvalidCampaign, "content is required")
		}
	case "image", "video", "audio", "document":
		if s.MediaURL == "" {
			return errors.Wrapf(ErrInvalidCampaign, "%s campaign needs mediaUrl", s.MessageType)
		}
	default:
		return errors.Wrapf(ErrInvalidCampaign, "unsupported message type %q", s.MessageType)
	}
	if s.RateLimitPerMinute < 0 {
		return errors.Wrap(ErrInvalidCampaign, "rateLimitPerMinute must be positive")
	}
	if s.RateLimitPerMinute == 0 {
		s.RateLimitPerMinute = defaultRate
	}
	if len(s.Targets) > 0 && s.Filter != nil {
		return errors.Wrap(ErrInvalidCampaign, "use either targets or filter")
	}
	return nil
}

// audienceJSON records how the targets were chosen
func audienceJSON(s Spec) datatypes.JSON {
	audience := map[string]interface{}{"type": "explicit", "count": len(s.Targets)}
	if s.Filter != nil {
		audience = map[string]interface{}{"type": "filter", "filter": s.Filter}
	}
	b, _ := json.Marshal(audience)
	return datatypes.JSON(b)
}

// DelayBetweenMessages is ceil(60000 / ratePerMinute) milliseconds
func DelayBetweenMessages(ratePerMinute int) time.Duration {
	if ratePerMinute <= 0 {
		ratePerMinute = 1
	}
	ms := (60000 + ratePerMinute - 1) / ratePerMinute
	return time.Duration(ms) * time.Millisecond
}

// Progress is read from persisted counters only
type Progress struct {
	CampaignID uint                  `json:"campaignId"`
	Status     models.CampaignStatus `json:"status"`
	Total      int                   `json:"total"`
	Sent       int                   `json:"sent"`
	Delivered  int                   `json:"delivered"`
	Read       int                   `json:"read"`
	Failed     int                   `json:"failed"`
	Progress   float64               `json:"progress"`
}

func progressOf(c models.Campaign) Progress {
	p := Progress{
		CampaignID: c.ID,
		Status:     c.Status,
		Total:      c.TargetCount,
		Sent:       c.SentCount,
		Delivered:  c.DeliveredCount,
		Read:       c.ReadCount,
		Failed:     c.FailedCount,
	}
	if c.TargetCount > 0 {
		done := float64(c.SentCount+c.FailedCount) / float64(c.TargetCount) * 100
		p.Progress = math.Round(math.Min(done, 100)*100) / 100
	}
	return p
}

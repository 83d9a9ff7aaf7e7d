package automation

import (
	"context"
	"strings"
	"time"
	"unicode"

	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type MatcherConfig struct {
	KeywordWindow time.Duration
	EventWindow   time.Duration
}

// Matcher turns inbound chat events into flow executions
type Matcher struct {
	store  store.Store
	engine *Engine
	cfg    MatcherConfig
}

func NewMatcher(st store.Store, engine *Engine, cfg MatcherConfig) *Matcher {
	return &Matcher{store: st, engine: engine, cfg: cfg}
}

// Tokenize lower-cases text and splits it into words. Punctuation separates
// words just like whitespace does, so "ajuda!" yields "ajuda".
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// MatchesKeyword reports whether keyword occurs in tokens as whole words.
// Multi-word keywords must appear contiguously.
func MatchesKeyword(tokens []string, keyword string) bool {
	want := Tokenize(keyword)
	if len(want) == 0 || len(want) > len(tokens) {
		return false
	}
	for i := 0; i+len(want) <= len(tokens); i++ {
		hit := true
		for j, w := range want {
			if tokens[i+j] != w {
				hit = false
				break
			}
		}
		if hit {
			return true
		}
	}
	return false
}

// OnKeywordSeen starts every active KEYWORD flow whose keywords appear in
// text, once per flow. It returns the started execution ids.
func (m *Matcher) OnKeywordSeen(ctx context.Context, conversationID uint, text string) ([]uint, error) {
	conv, owner, err := m.conversationOwner(ctx, conversationID)
	if err != nil || conv.Blocked {
		return nil, err
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}

	triggers, err := m.store.ActiveTriggers(ctx, models.TriggerKeyword)
	if err != nil {
		return nil, err
	}

	var candidates []store.ActiveTrigger
	flows := map[uint]bool{}
	for _, at := range triggers {
		if at.Flow.OwnerID != owner || flows[at.Flow.ID] {
			continue
		}
		cfg, err := ParseKeywordConfig(at.Trigger)
		if err != nil {
			log.Warn().Err(err).Uint("triggerID", at.Trigger.ID).Msg("Skipping keyword trigger with invalid config")
			continue
		}
		for _, k := range cfg.Keywords {
			if MatchesKeyword(tokens, k) {
				flows[at.Flow.ID] = true
				candidates = append(candidates, at)
				break
			}
		}
	}
	return m.start(ctx, conv, candidates, models.TriggerKeyword, m.cfg.KeywordWindow), nil
}

// OnNewContact starts flows bound to NEW_CONTACT triggers and to EVENT
// triggers configured for new_contact
func (m *Matcher) OnNewContact(ctx context.Context, conversationID uint) ([]uint, error) {
	conv, owner, err := m.conversationOwner(ctx, conversationID)
	if err != nil || conv.Blocked {
		return nil, err
	}
	triggers, err := m.store.ActiveTriggers(ctx, models.TriggerNewContact, models.TriggerEvent)
	if err != nil {
		return nil, err
	}

	var candidates []store.ActiveTrigger
	flows := map[uint]bool{}
	for _, at := range triggers {
		if at.Flow.OwnerID != owner || flows[at.Flow.ID] {
			continue
		}
		if at.Trigger.TriggerType == models.TriggerEvent {
			cfg, err := ParseEventConfig(at.Trigger)
			if err != nil || cfg.Event != EventNewContact {
				continue
			}
		}
		flows[at.Flow.ID] = true
		candidates = append(candidates, at)
	}
	return m.start(ctx, conv, candidates, models.TriggerNewContact, m.cfg.EventWindow), nil
}

func (m *Matcher) conversationOwner(ctx context.Context, conversationID uint) (models.Conversation, string, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return conv, "", err
	}
	account, err := m.store.GetAccount(ctx, conv.AccountID)
	if err != nil {
		return conv, "", err
	}
	return conv, account.OwnerID, nil
}

func (m *Matcher) start(ctx context.Context, conv models.Conversation, candidates []store.ActiveTrigger, triggerType models.TriggerType, window time.Duration) []uint {
	var started []uint
	for _, at := range candidates {
		triggerID := at.Trigger.ID
		id, err := m.engine.StartDeduped(ctx, StartRequest{
			FlowID:         at.Flow.ID,
			ConversationID: conv.ID,
			TriggerType:    triggerType,
			TriggerID:      &triggerID,
		}, window)
		if errors.Is(err, ErrDuplicateSuppressed) {
			log.Debug().
				Uint("flowID", at.Flow.ID).
				Uint("conversationID", conv.ID).
				Str("triggerType", string(triggerType)).
				Msg("Duplicate trigger suppressed")
			continue
		}
		if err != nil {
			log.Error().Err(err).Uint("flowID", at.Flow.ID).Uint("conversationID", conv.ID).Msg("Failed to start execution")
			continue
		}
		started = append(started, id)
		if err := m.engine.Advance(ctx, id); err != nil {
			log.Error().Err(err).Uint("executionID", id).Msg("Execution advance failed")
		}
	}
	return started
}

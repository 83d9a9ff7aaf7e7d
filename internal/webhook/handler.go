// Package webhook receives WhatsApp Cloud API callbacks: inbound messages
// feed the trigger matcher and status receipts feed campaign counters.
package webhook

import (
	"context"
	"net/http"
	"sync"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Matcher starts flows for inbound chat events
type Matcher interface {
	OnNewContact(ctx context.Context, conversationID uint) ([]uint, error)
	OnKeywordSeen(ctx context.Context, conversationID uint, text string) ([]uint, error)
}

// ReceiptHandler applies delivery receipts to campaign targets
type ReceiptHandler interface {
	HandleStatus(ctx context.Context, providerMessageID, status string) error
}

type Handler struct {
	verifyToken string
	store       store.Store
	matcher     Matcher
	receipts    ReceiptHandler
	events      automation.Publisher

	wg sync.WaitGroup
}

func NewHandler(verifyToken string, st store.Store, matcher Matcher, receipts ReceiptHandler, events automation.Publisher) *Handler {
	return &Handler{
		verifyToken: verifyToken,
		store:       st,
		matcher:     matcher,
		receipts:    receipts,
		events:      events,
	}
}

func (h *Handler) VerifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if mode == "subscribe" && token == h.verifyToken {
		log.Info().Msg("Webhook verified successfully")
		c.String(http.StatusOK, challenge)
		return
	}
	c.Status(http.StatusForbidden)
}

// HandleMessage stores inbound messages and receipts, then acknowledges.
// Trigger matching continues in the background.
func (h *Handler) HandleMessage(c *gin.Context) {
	var payload WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Warn().Err(err).Msg("Error binding webhook JSON")
		c.Status(http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if err := h.handleValue(ctx, change.Value); err != nil {
				log.Error().Err(err).Str("phoneNumberID", change.Value.Metadata.PhoneNumberID).Msg("Failed to process webhook change")
			}
		}
	}
	c.Status(http.StatusOK)
}

func (h *Handler) handleValue(ctx context.Context, v Value) error {
	for _, st := range v.Statuses {
		h.handleStatus(ctx, st)
	}
	if len(v.Messages) == 0 {
		return nil
	}

	account, err := h.store.GetAccountByPhoneNumberID(ctx, v.Metadata.PhoneNumberID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("phoneNumberID", v.Metadata.PhoneNumberID).Msg("Webhook for unknown account, ignoring messages")
		return nil
	}
	if err != nil {
		return err
	}

	names := make(map[string]string, len(v.Contacts))
	for _, ct := range v.Contacts {
		names[ct.WaID] = ct.Profile.Name
	}
	for _, m := range v.Messages {
		if err := h.handleInbound(ctx, account, m, names[m.From]); err != nil {
			log.Error().Err(err).Str("from", m.From).Str("wamid", m.ID).Msg("Failed to store inbound message")
		}
	}
	return nil
}

func (h *Handler) handleInbound(ctx context.Context, account models.Account, m InboundMessage, name string) error {
	conv, created, err := h.store.UpsertConversation(ctx, account.ID, m.From, name)
	if err != nil {
		return err
	}
	content, text := m.Content()
	msg := models.Message{
		AccountID:         account.ID,
		ConversationID:    conv.ID,
		ProviderMessageID: m.ID,
		Direction:         models.DirectionInbound,
		Content:           content,
		Type:              m.Type,
		Status:            "received",
	}
	if err := h.store.CreateMessage(ctx, &msg); err != nil {
		return err
	}
	log.Info().
		Uint("conversationID", conv.ID).
		Str("from", m.From).
		Str("type", m.Type).
		Bool("newContact", created).
		Msg("Inbound message received")
	if h.events != nil {
		h.events.Publish("new_message", msg)
	}

	if h.matcher == nil || (!created && text == "") {
		return nil
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		bg := context.Background()
		if created {
			if _, err := h.matcher.OnNewContact(bg, conv.ID); err != nil {
				log.Error().Err(err).Uint("conversationID", conv.ID).Msg("New contact matching failed")
			}
		}
		if text != "" {
			if _, err := h.matcher.OnKeywordSeen(bg, conv.ID, text); err != nil {
				log.Error().Err(err).Uint("conversationID", conv.ID).Msg("Keyword matching failed")
			}
		}
	}()
	return nil
}

func (h *Handler) handleStatus(ctx context.Context, st StatusUpdate) {
	if st.ID == "" {
		return
	}
	if err := h.store.UpdateMessageStatus(ctx, st.ID, st.Status); err != nil {
		log.Warn().Err(err).Str("wamid", st.ID).Msg("Failed to update message status")
	}
	if h.receipts == nil {
		return
	}
	if err := h.receipts.HandleStatus(ctx, st.ID, st.Status); err != nil {
		log.Error().Err(err).Str("wamid", st.ID).Str("status", st.Status).Msg("Failed to apply campaign receipt")
	}
}

// Wait blocks until background matching for received messages is done
func (h *Handler) Wait() {
	h.wg.Wait()
}

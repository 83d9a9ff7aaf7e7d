package api

import (
	"net/http"
	"strconv"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type DashboardHandler struct {
	store     store.Store
	transport automation.Transport
}

func NewDashboardHandler(st store.Store, transport automation.Transport) *DashboardHandler {
	return &DashboardHandler{store: st, transport: transport}
}

func (h *DashboardHandler) GetMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	messages, err := h.store.ListMessages(c.Request.Context(), queryUint(c, "conversationId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

type SendRequest struct {
	AccountID uint   `json:"accountId" binding:"required"`
	To        string `json:"to" binding:"required"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	MediaURL  string `json:"mediaUrl"`
}

// SendMessage sends one message outside any flow and records it in the
// contact's history
func (h *DashboardHandler) SendMessage(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Type == "" {
		req.Type = "text"
	}
	ctx := c.Request.Context()
	if !h.transport.IsAccountUsable(ctx, req.AccountID) {
		respondError(c, errors.Wrapf(automation.ErrChannelUnavailable, "account %d", req.AccountID))
		return
	}

	result, err := h.transport.SendMessage(ctx, automation.OutboundMessage{
		AccountID: req.AccountID,
		To:        req.To,
		Type:      req.Type,
		Content:   req.Content,
		MediaURL:  req.MediaURL,
	})
	if err == nil && !result.Success {
		err = errors.Wrap(automation.ErrProviderSendFailed, result.Error)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	conv, _, err := h.store.UpsertConversation(ctx, req.AccountID, req.To, "")
	if err != nil {
		log.Warn().Err(err).Str("to", req.To).Msg("Failed to resolve conversation for sent message")
	} else {
		msg := models.Message{
			AccountID:         req.AccountID,
			ConversationID:    conv.ID,
			ProviderMessageID: result.ProviderMessageID,
			Direction:         models.DirectionOutbound,
			Content:           req.Content,
			Type:              req.Type,
			Status:            models.TargetSent,
		}
		if err := h.store.CreateMessage(ctx, &msg); err != nil {
			log.Warn().Err(err).Msg("Failed to record sent message")
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "Message sent", "messageId": result.ProviderMessageID})
}

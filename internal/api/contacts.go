package api

import (
	"net/http"
	"strings"

	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

// ContactHandler manages conversations, one per contact and account
type ContactHandler struct {
	store store.Store
}

func NewContactHandler(st store.Store) *ContactHandler {
	return &ContactHandler{store: st}
}

// GetConversations lists conversations, optionally narrowed by accountId,
// status and tag
func (h *ContactHandler) GetConversations(c *gin.Context) {
	f := store.ConversationFilter{Status: strings.ToUpper(c.Query("status"))}
	if id := queryUint(c, "accountId"); id != 0 {
		f.AccountIDs = []uint{id}
	}
	conversations, err := h.store.ListConversations(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}

	tag := c.Query("tag")
	out := make([]models.Conversation, 0, len(conversations))
	for _, conv := range conversations {
		if tag == "" || conv.HasTag(tag) {
			out = append(out, conv)
		}
	}
	c.JSON(http.StatusOK, out)
}

type CreateConversationRequest struct {
	AccountID     uint                   `json:"accountId" binding:"required"`
	ContactNumber string                 `json:"contactNumber" binding:"required"`
	ContactName   string                 `json:"contactName"`
	Tags          []string               `json:"tags"`
	Variables     map[string]interface{} `json:"variables"`
}

func (h *ContactHandler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.GetAccount(ctx, req.AccountID); err != nil {
		respondError(c, err)
		return
	}

	conv := models.Conversation{
		AccountID:     req.AccountID,
		ContactNumber: req.ContactNumber,
		ContactName:   req.ContactName,
		Tags:          models.EncodeTags(req.Tags),
		Variables:     datatypes.JSONMap(req.Variables),
	}
	if err := h.store.CreateConversation(ctx, &conv); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// UpdateConversationRequest only touches the fields that are present
type UpdateConversationRequest struct {
	ContactName *string                `json:"contactName"`
	Status      *string                `json:"status"`
	Tags        *[]string              `json:"tags"`
	Variables   map[string]interface{} `json:"variables"`
	AssignedTo  *string                `json:"assignedTo"`
	Blocked     *bool                  `json:"blocked"`
}

func (h *ContactHandler) UpdateConversation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	fields := map[string]interface{}{}
	if req.ContactName != nil {
		fields["contact_name"] = *req.ContactName
	}
	if req.Status != nil {
		status := strings.ToUpper(*req.Status)
		if status != models.ConversationActive && status != models.ConversationArchived {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be ACTIVE or ARCHIVED"})
			return
		}
		fields["status"] = status
	}
	if req.Tags != nil {
		fields["tags"] = models.EncodeTags(*req.Tags)
	}
	if req.Variables != nil {
		fields["variables"] = datatypes.JSONMap(req.Variables)
	}
	if req.AssignedTo != nil {
		fields["assigned_to"] = *req.AssignedTo
	}
	if req.Blocked != nil {
		fields["blocked"] = *req.Blocked
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.UpdateConversation(ctx, id, fields); err != nil {
		respondError(c, err)
		return
	}
	conv, err := h.store.GetConversation(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

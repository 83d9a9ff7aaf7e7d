package api

import (
	"net/http"

	"whatsapp-automation/internal/campaign"
	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"

	"github.com/gin-gonic/gin"
)

// BroadcastHandler manages campaigns
type BroadcastHandler struct {
	store      store.Store
	dispatcher *campaign.Dispatcher
}

func NewBroadcastHandler(st store.Store, d *campaign.Dispatcher) *BroadcastHandler {
	return &BroadcastHandler{store: st, dispatcher: d}
}

func (h *BroadcastHandler) ListCampaigns(c *gin.Context) {
	campaigns, err := h.store.ListCampaigns(c.Request.Context(), queryUint(c, "accountId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	c.JSON(http.StatusOK, campaigns)
}

type CreateCampaignRequest struct {
	AccountID uint `json:"accountId" binding:"required"`
	campaign.Spec
}

// CreateCampaign snapshots the audience and starts the campaign, or arms it
// when scheduledAt is in the future
func (h *BroadcastHandler) CreateCampaign(c *gin.Context) {
	var req CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	id, err := h.dispatcher.CreateCampaign(ctx, req.AccountID, req.Spec)
	if err != nil {
		respondError(c, err)
		return
	}
	created, err := h.store.GetCampaign(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *BroadcastHandler) GetCampaign(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	found, err := h.store.GetCampaign(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (h *BroadcastHandler) DeleteCampaign(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.dispatcher.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Campaign deleted successfully"})
}

func (h *BroadcastHandler) lifecycle(c *gin.Context, apply func(id uint) error) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := apply(id); err != nil {
		respondError(c, err)
		return
	}
	p, err := h.dispatcher.Progress(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *BroadcastHandler) StartCampaign(c *gin.Context) {
	h.lifecycle(c, func(id uint) error { return h.dispatcher.Start(c.Request.Context(), id) })
}

func (h *BroadcastHandler) PauseCampaign(c *gin.Context) {
	h.lifecycle(c, func(id uint) error { return h.dispatcher.Pause(c.Request.Context(), id) })
}

func (h *BroadcastHandler) ResumeCampaign(c *gin.Context) {
	h.lifecycle(c, func(id uint) error { return h.dispatcher.Resume(c.Request.Context(), id) })
}

func (h *BroadcastHandler) StopCampaign(c *gin.Context) {
	h.lifecycle(c, func(id uint) error { return h.dispatcher.Stop(c.Request.Context(), id) })
}

// GetProgress reads persisted counters only
func (h *BroadcastHandler) GetProgress(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	p, err := campaign.GetProgress(c.Request.Context(), h.store, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

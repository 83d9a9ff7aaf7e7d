package api

import (
	"net/http"

	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"

	"github.com/gin-gonic/gin"
)

type AccountHandler struct {
	store store.Store
}

func NewAccountHandler(st store.Store) *AccountHandler {
	return &AccountHandler{store: st}
}

func (h *AccountHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.store.ListAccounts(c.Request.Context(), c.Query("ownerId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	c.JSON(http.StatusOK, accounts)
}

type CreateAccountRequest struct {
	OwnerID       string `json:"ownerId" binding:"required"`
	Name          string `json:"name"`
	PhoneNumberID string `json:"phoneNumberId" binding:"required"`
	AccessToken   string `json:"accessToken"`
	Status        string `json:"status"`
}

func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Status != "" && req.Status != models.AccountConnected && req.Status != models.AccountDisconnected {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be connected or disconnected"})
		return
	}

	a := models.Account{
		OwnerID:       req.OwnerID,
		Name:          req.Name,
		PhoneNumberID: req.PhoneNumberID,
		AccessToken:   req.AccessToken,
		Status:        req.Status,
	}
	if err := h.store.CreateAccount(c.Request.Context(), &a); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// UpdateStatus marks an account connected or disconnected. Sends to a
// disconnected account fail with a channel-unavailable error.
func (h *AccountHandler) UpdateStatus(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required,oneof=connected disconnected"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.store.UpdateAccountStatus(c.Request.Context(), id, req.Status); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

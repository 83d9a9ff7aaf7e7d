package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/scheduler"
	"whatsapp-automation/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

// AutomationHandler serves flows, their triggers and executions, and the
// scheduler
type AutomationHandler struct {
	store     store.Store
	engine    *automation.Engine
	scheduler *scheduler.Scheduler
}

func NewAutomationHandler(st store.Store, engine *automation.Engine, sched *scheduler.Scheduler) *AutomationHandler {
	return &AutomationHandler{store: st, engine: engine, scheduler: sched}
}

type StepRequest struct {
	StepOrder int             `json:"stepOrder"`
	StepType  string          `json:"stepType" binding:"required"`
	Payload   json.RawMessage `json:"payload"`
}

type TriggerRequest struct {
	TriggerType string          `json:"triggerType"`
	Config      json.RawMessage `json:"config"`
	IsActive    *bool           `json:"isActive"`
}

type FlowRequest struct {
	OwnerID     string           `json:"ownerId"`
	Name        string           `json:"name"`
	Description *string          `json:"description"`
	IsActive    *bool            `json:"isActive"`
	Steps       []StepRequest    `json:"steps"`
	Triggers    []TriggerRequest `json:"triggers"`
}

// buildSteps numbers steps by position unless stepOrder is given, then
// validates every payload
func buildSteps(reqs []StepRequest) ([]models.FlowStep, error) {
	steps := make([]models.FlowStep, 0, len(reqs))
	for i, r := range reqs {
		order := r.StepOrder
		if order == 0 {
			order = i + 1
		}
		steps = append(steps, models.FlowStep{
			StepOrder: order,
			StepType:  models.StepType(strings.ToUpper(r.StepType)),
			Payload:   datatypes.JSON(r.Payload),
		})
	}
	if _, err := automation.ParseSteps(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func buildTrigger(r TriggerRequest, flowID uint) (models.FlowTrigger, error) {
	t := models.FlowTrigger{
		FlowID:      flowID,
		TriggerType: models.TriggerType(strings.ToUpper(r.TriggerType)),
		Config:      datatypes.JSON(r.Config),
		IsActive:    r.IsActive == nil || *r.IsActive,
	}
	return t, automation.ValidateTrigger(t)
}

// createTrigger stores t keeping an explicit is_active=false, which the
// column default would otherwise turn back on
func (h *AutomationHandler) createTrigger(ctx context.Context, t *models.FlowTrigger) error {
	active := t.IsActive
	if err := h.store.CreateTrigger(ctx, t); err != nil {
		return err
	}
	if active {
		return nil
	}
	t.IsActive = false
	return h.store.UpdateTrigger(ctx, t.ID, map[string]interface{}{"is_active": false})
}

func (h *AutomationHandler) rescheduleFlow(c *gin.Context, flowID uint) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.RescheduleFlow(c.Request.Context(), flowID); err != nil {
		log.Warn().Err(err).Uint("flowID", flowID).Msg("Failed to re-arm flow schedules")
	}
}

// --- Flows ---

func (h *AutomationHandler) ListFlows(c *gin.Context) {
	flows, err := h.store.ListFlows(c.Request.Context(), c.Query("ownerId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if flows == nil {
		flows = []models.Flow{}
	}
	c.JSON(http.StatusOK, flows)
}

func (h *AutomationHandler) GetFlow(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	flow, err := h.store.GetFlow(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

func (h *AutomationHandler) CreateFlow(c *gin.Context) {
	var req FlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.OwnerID == "" || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ownerId and name are required"})
		return
	}
	steps, err := buildSteps(req.Steps)
	if err != nil {
		respondError(c, err)
		return
	}
	triggers := make([]models.FlowTrigger, 0, len(req.Triggers))
	for _, tr := range req.Triggers {
		t, err := buildTrigger(tr, 0)
		if err != nil {
			respondError(c, err)
			return
		}
		triggers = append(triggers, t)
	}

	flow := models.Flow{
		OwnerID:  req.OwnerID,
		Name:     strings.TrimSpace(req.Name),
		IsActive: req.IsActive != nil && *req.IsActive,
		Steps:    steps,
	}
	if req.Description != nil {
		flow.Description = *req.Description
	}
	ctx := c.Request.Context()
	if err := h.store.CreateFlow(ctx, &flow); err != nil {
		respondError(c, err)
		return
	}
	for _, t := range triggers {
		t.FlowID = flow.ID
		if err := h.createTrigger(ctx, &t); err != nil {
			respondError(c, err)
			return
		}
	}
	h.rescheduleFlow(c, flow.ID)

	created, err := h.store.GetFlow(ctx, flow.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	log.Info().Uint("flowID", flow.ID).Str("ownerID", flow.OwnerID).Int("steps", len(steps)).Msg("Flow created")
	c.JSON(http.StatusCreated, created)
}

// UpdateFlow edits columns and, when steps are sent, replaces the step list.
// Running executions keep the steps they started with.
func (h *AutomationHandler) UpdateFlow(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req FlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	fields := map[string]interface{}{}
	if name := strings.TrimSpace(req.Name); name != "" {
		fields["name"] = name
	}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.IsActive != nil {
		fields["is_active"] = *req.IsActive
	}
	var steps []models.FlowStep
	if req.Steps != nil {
		var err error
		if steps, err = buildSteps(req.Steps); err != nil {
			respondError(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	if err := h.store.UpdateFlow(ctx, id, fields, steps); err != nil {
		respondError(c, err)
		return
	}
	h.rescheduleFlow(c, id)

	flow, err := h.store.GetFlow(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

// DeleteFlow removes the flow, or only deactivates it when executions
// reference it
func (h *AutomationHandler) DeleteFlow(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteFlow(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.rescheduleFlow(c, id)
	c.JSON(http.StatusOK, gin.H{"message": "Flow deleted successfully"})
}

// ToggleFlow sets isActive when given, otherwise flips it
func (h *AutomationHandler) ToggleFlow(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		IsActive *bool `json:"isActive"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	flow, err := h.store.GetFlow(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	active := !flow.IsActive
	if req.IsActive != nil {
		active = *req.IsActive
	}
	if err := h.store.UpdateFlow(ctx, id, map[string]interface{}{"is_active": active}, nil); err != nil {
		respondError(c, err)
		return
	}
	h.rescheduleFlow(c, id)
	c.JSON(http.StatusOK, gin.H{"id": id, "isActive": active})
}

// DuplicateFlow copies steps and triggers into a new inactive flow
func (h *AutomationHandler) DuplicateFlow(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	src, err := h.store.GetFlow(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	cp := models.Flow{
		OwnerID:     src.OwnerID,
		Name:        src.Name + " (copy)",
		Description: src.Description,
	}
	for _, s := range src.Steps {
		cp.Steps = append(cp.Steps, models.FlowStep{StepOrder: s.StepOrder, StepType: s.StepType, Payload: s.Payload})
	}
	if err := h.store.CreateFlow(ctx, &cp); err != nil {
		respondError(c, err)
		return
	}
	for _, t := range src.Triggers {
		copied := models.FlowTrigger{FlowID: cp.ID, TriggerType: t.TriggerType, Config: t.Config, IsActive: t.IsActive}
		if err := h.createTrigger(ctx, &copied); err != nil {
			respondError(c, err)
			return
		}
	}
	created, err := h.store.GetFlow(ctx, cp.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ExecuteFlow starts the flow for one conversation as a MANUAL trigger and
// drives it until it finishes or reaches a delay
func (h *AutomationHandler) ExecuteFlow(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		ConversationID uint                   `json:"conversationId" binding:"required"`
		Variables      map[string]interface{} `json:"variables"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	execID, err := h.engine.StartExecution(ctx, automation.StartRequest{
		FlowID:         id,
		ConversationID: req.ConversationID,
		TriggerType:    models.TriggerManual,
		Variables:      req.Variables,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.engine.Advance(ctx, execID); err != nil {
		log.Error().Err(err).Uint("executionID", execID).Msg("Manual execution advance failed")
	}

	exec, err := h.store.GetExecution(ctx, execID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// --- Triggers ---

func (h *AutomationHandler) CreateTrigger(c *gin.Context) {
	flowID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.GetFlow(ctx, flowID); err != nil {
		respondError(c, err)
		return
	}
	t, err := buildTrigger(req, flowID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.createTrigger(ctx, &t); err != nil {
		respondError(c, err)
		return
	}

	if h.scheduler != nil && t.TriggerType == models.TriggerSchedule {
		if err := h.scheduler.Reschedule(ctx, t.ID); err != nil {
			// a schedule that can never fire is not kept
			_ = h.store.DeleteTrigger(ctx, t.ID)
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, t)
}

func (h *AutomationHandler) UpdateTrigger(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	t, err := h.store.GetTrigger(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	fields := map[string]interface{}{}
	if len(req.Config) > 0 {
		t.Config = datatypes.JSON(req.Config)
		if err := automation.ValidateTrigger(t); err != nil {
			respondError(c, err)
			return
		}
		fields["config"] = t.Config
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
		fields["is_active"] = t.IsActive
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	if err := h.store.UpdateTrigger(ctx, id, fields); err != nil {
		respondError(c, err)
		return
	}
	if h.scheduler != nil && t.TriggerType == models.TriggerSchedule {
		if err := h.scheduler.Reschedule(ctx, id); err != nil {
			if errors.Is(err, scheduler.ErrScheduleInPast) {
				h.scheduler.Cancel(id)
				_ = h.store.UpdateTrigger(ctx, id, map[string]interface{}{"is_active": false})
			}
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, t)
}

func (h *AutomationHandler) DeleteTrigger(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteTrigger(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.Cancel(id)
	}
	c.JSON(http.StatusOK, gin.H{"message": "Trigger deleted successfully"})
}

func (h *AutomationHandler) RescheduleTrigger(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.scheduler.Reschedule(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// --- Executions ---

func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	f := store.ExecutionFilter{
		FlowID:         queryUint(c, "flowId"),
		ConversationID: queryUint(c, "conversationId"),
		Limit:          100,
	}
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		f.Limit = n
	}
	if status := c.Query("status"); status != "" {
		for _, s := range strings.Split(status, ",") {
			f.Statuses = append(f.Statuses, models.ExecutionStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	executions, err := h.store.ListExecutions(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	if executions == nil {
		executions = []models.FlowExecution{}
	}
	c.JSON(http.StatusOK, executions)
}

func (h *AutomationHandler) GetExecution(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	exec, err := h.store.GetExecution(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *AutomationHandler) transition(c *gin.Context, apply func(id uint) error) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := apply(id); err != nil {
		respondError(c, err)
		return
	}
	exec, err := h.store.GetExecution(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (h *AutomationHandler) PauseExecution(c *gin.Context) {
	h.transition(c, func(id uint) error { return h.engine.Pause(c.Request.Context(), id) })
}

func (h *AutomationHandler) ResumeExecution(c *gin.Context) {
	h.transition(c, func(id uint) error { return h.engine.Resume(c.Request.Context(), id) })
}

func (h *AutomationHandler) CancelExecution(c *gin.Context) {
	h.transition(c, func(id uint) error { return h.engine.Cancel(c.Request.Context(), id) })
}

// --- Scheduler ---

func (h *AutomationHandler) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

func (h *AutomationHandler) RunIdleSweep(c *gin.Context) {
	started, err := h.scheduler.RunIdleSweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started})
}

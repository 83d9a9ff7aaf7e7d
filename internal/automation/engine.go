package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"
	"whatsapp-automation/internal/timer"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type EngineConfig struct {
	DefaultDelay time.Duration
	LogLimit     int
	GuardTTL     time.Duration
	// Concurrency bounds how many executions Recover drives at once
	Concurrency int
}

// Engine drives flow executions through their steps. One Engine is built
// per process and shared by the matcher, the scheduler and the API.
type Engine struct {
	store     store.Store
	transport Transport
	timers    timer.Service
	vars      *Substitutor
	events    Publisher
	cfg       EngineConfig

	processing *Guard
	dedup      *Guard

	mu     sync.Mutex
	delays map[uint]timer.Handle
	closed bool
	active sync.WaitGroup

	now func() time.Time
}

func NewEngine(st store.Store, transport Transport, timers timer.Service, vars *Substitutor, events Publisher, cfg EngineConfig) *Engine {
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = time.Second
	}
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Engine{
		store:      st,
		transport:  transport,
		timers:     timers,
		vars:       vars,
		events:     events,
		cfg:        cfg,
		processing: NewGuard(cfg.GuardTTL),
		dedup:      NewGuard(cfg.GuardTTL),
		delays:     make(map[uint]timer.Handle),
		now:        time.Now,
	}
}

// StartRequest describes what started an execution
type StartRequest struct {
	FlowID         uint
	ConversationID uint
	TriggerType    models.TriggerType
	TriggerID      *uint
	Variables      map[string]interface{}
}

// StartExecution creates a PENDING execution with a snapshot of the flow's
// current steps. It does not drive it; call Advance.
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (uint, error) {
	flow, err := e.store.GetFlow(ctx, req.FlowID)
	if err != nil {
		return 0, err
	}
	if !flow.IsActive {
		return 0, errors.Wrapf(ErrInvalidState, "flow %d is inactive", flow.ID)
	}
	conv, err := e.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return 0, err
	}
	if req.TriggerType == "" {
		req.TriggerType = models.TriggerManual
	}

	meta := Metadata{Variables: map[string]interface{}{}, Steps: flow.Steps}
	for k, v := range conv.Variables {
		meta.Variables[k] = v
	}
	for k, v := range req.Variables {
		meta.Variables[k] = v
	}
	meta.Append(e.cfg.LogLimit, LogEntry{At: e.now(), Event: "created", Message: string(req.TriggerType)})

	exec := models.FlowExecution{
		FlowID:         flow.ID,
		ConversationID: conv.ID,
		TriggerType:    req.TriggerType,
		TriggerID:      req.TriggerID,
		Status:         models.ExecutionPending,
		Metadata:       meta.Encode(),
	}
	if err := e.store.CreateExecution(ctx, &exec); err != nil {
		return 0, err
	}
	if err := e.store.IncrementFlowExecutions(ctx, flow.ID); err != nil {
		log.Warn().Err(err).Uint("flowID", flow.ID).Msg("Failed to bump flow execution count")
	}

	log.Info().
		Uint("executionID", exec.ID).
		Uint("flowID", flow.ID).
		Uint("conversationID", conv.ID).
		Str("triggerType", string(req.TriggerType)).
		Msg("Execution created")
	e.publish(exec)
	return exec.ID, nil
}

func dedupKey(req StartRequest) string {
	return fmt.Sprintf("dedup:%d:%d:%s", req.FlowID, req.ConversationID, req.TriggerType)
}

// StartDeduped starts an execution unless one for the same flow,
// conversation and trigger type was created within window, in which case it
// returns ErrDuplicateSuppressed. Check and insert are serialized per key.
func (e *Engine) StartDeduped(ctx context.Context, req StartRequest, window time.Duration) (uint, error) {
	key := dedupKey(req)
	if !e.dedup.Claim(key) {
		return 0, ErrDuplicateSuppressed
	}
	defer e.dedup.Release(key)

	if window > 0 {
		n, err := e.store.CountRecentExecutions(ctx, req.FlowID, req.ConversationID, req.TriggerType, e.now().Add(-window))
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, ErrDuplicateSuppressed
		}
	}
	return e.StartExecution(ctx, req)
}

func processingKey(id uint) string {
	return fmt.Sprintf("exec:%d", id)
}

// Advance drives an execution until it finishes, fails, pauses or reaches a
// DELAY step. It is a no-op for PAUSED executions and for executions already
// being driven elsewhere in this process. Terminal executions return
// ErrAlreadyFinished.
func (e *Engine) Advance(ctx context.Context, id uint) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		log.Debug().Uint("executionID", id).Msg("Engine shut down, skipping advance")
		return nil
	}
	e.active.Add(1)
	e.mu.Unlock()
	defer e.active.Done()

	key := processingKey(id)
	if !e.processing.Claim(key) {
		log.Debug().Uint("executionID", id).Msg("Execution already processing, skipping advance")
		return nil
	}
	wait, err := e.drive(ctx, id)
	e.processing.Release(key)

	if wait != nil {
		e.armDelay(id, *wait)
	}
	return err
}

// drive runs the step loop. A non-nil duration asks the caller to schedule
// a continuation once the processing claim is released.
func (e *Engine) drive(ctx context.Context, id uint) (*time.Duration, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	switch exec.Status {
	case models.ExecutionCompleted, models.ExecutionError:
		return nil, ErrAlreadyFinished
	case models.ExecutionPaused:
		return nil, nil
	case models.ExecutionPending:
		now := e.now()
		won, err := e.store.TransitionExecution(ctx, id,
			[]models.ExecutionStatus{models.ExecutionPending}, models.ExecutionRunning,
			map[string]interface{}{"started_at": now})
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, nil
		}
		exec.Status = models.ExecutionRunning
		exec.StartedAt = &now
		e.publish(exec)
	}

	meta, err := DecodeMetadata(exec.Metadata)
	if err != nil {
		return nil, e.fail(ctx, &exec, meta, 0, errors.Wrap(ErrStepPayloadInvalid, err.Error()))
	}
	steps, err := ParseSteps(meta.Steps)
	if err != nil {
		return nil, e.fail(ctx, &exec, meta, 0, err)
	}

	start := exec.ResumeStep
	if exec.ResumeAt != nil {
		if remaining := exec.ResumeAt.Sub(e.now()); remaining > 0 {
			return &remaining, nil
		}
		if err := e.store.UpdateExecution(ctx, id, map[string]interface{}{"resume_at": nil}); err != nil {
			return nil, err
		}
		exec.ResumeAt = nil
	}
	if start == 0 {
		start = exec.CurrentStep
	}

	for i, step := range steps {
		if step.Order < start {
			continue
		}

		// persist the cursor before running the step; losing the race
		// means the execution was paused or cancelled
		won, err := e.store.TransitionExecution(ctx, id,
			[]models.ExecutionStatus{models.ExecutionRunning}, models.ExecutionRunning,
			map[string]interface{}{"current_step": step.Order})
		if err != nil {
			return nil, err
		}
		if !won {
			log.Info().Uint("executionID", id).Int("step", step.Order).Msg("Execution no longer running, stopping at step boundary")
			return nil, nil
		}
		exec.CurrentStep = step.Order

		next := step.Order + 1
		if i+1 < len(steps) {
			next = steps[i+1].Order
		}

		switch step.Type {
		case models.StepMessage:
			if err := e.runMessage(ctx, &exec, &meta, step); err != nil {
				return nil, e.fail(ctx, &exec, meta, step.Order, err)
			}

		case models.StepDelay:
			wait := step.Delay.Wait(e.cfg.DefaultDelay)
			resumeAt := e.now().Add(wait)
			meta.Append(e.cfg.LogLimit, LogEntry{At: e.now(), Step: step.Order, Event: "delay", Message: wait.String()})
			err := e.store.UpdateExecution(ctx, id, map[string]interface{}{
				"resume_at":   resumeAt,
				"resume_step": next,
				"metadata":    meta.Encode(),
			})
			if err != nil {
				return nil, err
			}
			return &wait, nil

		case models.StepCondition:
			ok, err := e.evaluate(ctx, exec, step.Condition)
			if err != nil {
				return nil, err
			}
			if !ok {
				meta.Append(e.cfg.LogLimit, LogEntry{At: e.now(), Step: step.Order, Event: "condition_not_met", Message: step.Condition.Type})
				return nil, e.complete(ctx, &exec, meta)
			}
			meta.Append(e.cfg.LogLimit, LogEntry{At: e.now(), Step: step.Order, Event: "condition_met", Message: step.Condition.Type})

		case models.StepAction:
			if err := e.runAction(ctx, exec, &meta, step); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, e.fail(ctx, &exec, meta, step.Order, err)
				}
				return nil, err
			}
		}

		err = e.store.UpdateExecution(ctx, id, map[string]interface{}{
			"metadata":    meta.Encode(),
			"resume_step": next,
		})
		if err != nil {
			return nil, err
		}
	}

	return nil, e.complete(ctx, &exec, meta)
}

func (e *Engine) runMessage(ctx context.Context, exec *models.FlowExecution, meta *Metadata, step Step) error {
	if meta.Sent(step.Order) {
		log.Debug().Uint("executionID", exec.ID).Int("step", step.Order).Msg("Message already sent for step, skipping resend")
		return nil
	}
	conv, err := e.store.GetConversation(ctx, exec.ConversationID)
	if err != nil {
		return err
	}
	if !e.transport.IsAccountUsable(ctx, conv.AccountID) {
		return errors.Wrapf(ErrChannelUnavailable, "account %d", conv.AccountID)
	}

	contact := Contact{Name: conv.ContactName, Phone: conv.ContactNumber}
	content := e.vars.Substitute(step.Message.Content, meta.Variables, contact)

	result, err := e.transport.SendMessage(ctx, OutboundMessage{
		AccountID: conv.AccountID,
		To:        conv.ContactNumber,
		Type:      step.Message.MessageType,
		Content:   content,
		MediaURL:  step.Message.MediaURL,
	})
	if err == nil && !result.Success {
		err = errors.Wrap(ErrProviderSendFailed, result.Error)
	}
	if err != nil {
		if !errors.Is(err, ErrProviderSendFailed) && !errors.Is(err, ErrChannelUnavailable) {
			err = errors.Wrap(ErrProviderSendFailed, err.Error())
		}
		return err
	}

	meta.Append(e.cfg.LogLimit, LogEntry{
		At:                e.now(),
		Step:              step.Order,
		Event:             "message_sent",
		ProviderMessageID: result.ProviderMessageID,
	})
	status := models.TargetSent
	if result.Delivered {
		status = models.TargetDelivered
	}
	msg := models.Message{
		AccountID:         conv.AccountID,
		ConversationID:    conv.ID,
		ProviderMessageID: result.ProviderMessageID,
		Direction:         models.DirectionOutbound,
		Content:           content,
		Type:              step.Message.MessageType,
		Status:            status,
	}
	if err := e.store.CreateMessage(ctx, &msg); err != nil {
		log.Warn().Err(err).Uint("executionID", exec.ID).Msg("Failed to record outbound message")
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, exec models.FlowExecution, c *ConditionPayload) (bool, error) {
	switch c.Type {
	case ConditionHasTag:
		conv, err := e.store.GetConversation(ctx, exec.ConversationID)
		if err != nil {
			return false, err
		}
		return conv.HasTag(c.Value), nil
	case ConditionMessageContains:
		messages, err := e.store.ListMessages(ctx, exec.ConversationID, 50)
		if err != nil {
			return false, err
		}
		needle := strings.ToLower(c.Value)
		seen := 0
		for _, m := range messages {
			if m.Direction != models.DirectionInbound {
				continue
			}
			if strings.Contains(strings.ToLower(m.Content), needle) {
				return true, nil
			}
			seen++
			if seen >= c.Lookback {
				break
			}
		}
		return false, nil
	}
	return false, nil
}

func (e *Engine) runAction(ctx context.Context, exec models.FlowExecution, meta *Metadata, step Step) error {
	a := step.Action
	switch a.Type {
	case ActionAddTag, ActionRemoveTag:
		conv, err := e.store.GetConversation(ctx, exec.ConversationID)
		if err != nil {
			return err
		}
		tags := conv.TagList()
		if a.Type == ActionAddTag {
			if !conv.HasTag(a.Tag) {
				tags = append(tags, a.Tag)
			}
		} else {
			kept := tags[:0]
			for _, t := range tags {
				if t != a.Tag {
					kept = append(kept, t)
				}
			}
			tags = kept
		}
		if err := e.store.UpdateConversation(ctx, conv.ID, map[string]interface{}{"tags": models.EncodeTags(tags)}); err != nil {
			return err
		}
	case ActionSetVariable:
		conv, err := e.store.GetConversation(ctx, exec.ConversationID)
		if err != nil {
			return err
		}
		meta.Variables[a.Key] = e.vars.Substitute(a.Value, meta.Variables, Contact{Name: conv.ContactName, Phone: conv.ContactNumber})
	case ActionAssignOwner:
		if err := e.store.UpdateConversation(ctx, exec.ConversationID, map[string]interface{}{"assigned_to": a.Owner}); err != nil {
			return err
		}
	}
	meta.Append(e.cfg.LogLimit, LogEntry{At: e.now(), Step: step.Order, Event: "action", Message: a.Type})
	return nil
}

func (e *Engine) complete(ctx context.Context, exec *models.FlowExecution, meta Metadata) error {
	now := e.now()
	meta.Append(e.cfg.LogLimit, LogEntry{At: now, Step: exec.CurrentStep, Event: "completed"})
	won, err := e.store.TransitionExecution(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionRunning}, models.ExecutionCompleted,
		map[string]interface{}{"completed_at": now, "resume_at": nil, "metadata": meta.Encode()})
	if err != nil {
		return err
	}
	if won {
		exec.Status = models.ExecutionCompleted
		exec.CompletedAt = &now
		log.Info().Uint("executionID", exec.ID).Int("step", exec.CurrentStep).Msg("Execution completed")
		e.publish(*exec)
	}
	return nil
}

// fail stamps ERROR and records the cause. The original error is returned
// so callers can classify it.
func (e *Engine) fail(ctx context.Context, exec *models.FlowExecution, meta Metadata, step int, cause error) error {
	now := e.now()
	meta.Append(e.cfg.LogLimit, LogEntry{At: now, Step: step, Event: "error", Message: cause.Error()})
	won, err := e.store.TransitionExecution(ctx, exec.ID,
		[]models.ExecutionStatus{models.ExecutionRunning, models.ExecutionPending}, models.ExecutionError,
		map[string]interface{}{
			"completed_at":  now,
			"resume_at":     nil,
			"error_message": cause.Error(),
			"metadata":      meta.Encode(),
		})
	if err != nil {
		return errors.Wrap(err, cause.Error())
	}
	if won {
		exec.Status = models.ExecutionError
		exec.ErrorMessage = cause.Error()
		log.Error().Err(cause).Uint("executionID", exec.ID).Int("step", step).Msg("Execution failed")
		e.publish(*exec)
	}
	return cause
}

func (e *Engine) armDelay(id uint, wait time.Duration) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		// resume_at is persisted; Recover re-arms it on the next start
		return
	}
	h := e.timers.AfterFunc(wait, func() {
		e.mu.Lock()
		delete(e.delays, id)
		e.mu.Unlock()
		if err := e.Advance(context.Background(), id); err != nil && !errors.Is(err, ErrAlreadyFinished) {
			log.Error().Err(err).Uint("executionID", id).Msg("Delayed continuation failed")
		}
	})

	e.mu.Lock()
	if old, ok := e.delays[id]; ok {
		old.Stop()
	}
	e.delays[id] = h
	e.mu.Unlock()
	log.Debug().Uint("executionID", id).Dur("wait", wait).Msg("Delay armed")
}

func (e *Engine) disarm(id uint) {
	e.mu.Lock()
	if h, ok := e.delays[id]; ok {
		h.Stop()
		delete(e.delays, id)
	}
	e.mu.Unlock()
}

// Shutdown waits for in-flight drives, then disarms every delay. Later
// Advance calls are skipped; delayed executions stay RUNNING with their
// resume_at.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.active.Wait()

	e.mu.Lock()
	for id, h := range e.delays {
		h.Stop()
		delete(e.delays, id)
	}
	e.mu.Unlock()
}

// PendingDelays is the number of armed continuations in this process
func (e *Engine) PendingDelays() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.delays)
}

// Pause suspends a PENDING or RUNNING execution. It takes effect at the
// next step boundary; a step already sending finishes.
func (e *Engine) Pause(ctx context.Context, id uint) error {
	won, err := e.store.TransitionExecution(ctx, id,
		[]models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning}, models.ExecutionPaused, nil)
	if err != nil {
		return err
	}
	if !won {
		return e.rejectTransition(ctx, id, models.ExecutionPaused)
	}
	e.disarm(id)
	log.Info().Uint("executionID", id).Msg("Execution paused")
	e.publishByID(ctx, id)
	return nil
}

// Resume continues a PAUSED execution from its persisted cursor
func (e *Engine) Resume(ctx context.Context, id uint) error {
	won, err := e.store.TransitionExecution(ctx, id,
		[]models.ExecutionStatus{models.ExecutionPaused}, models.ExecutionRunning, nil)
	if err != nil {
		return err
	}
	if !won {
		if err := e.rejectTransition(ctx, id, models.ExecutionRunning); err != nil {
			return err
		}
	}
	log.Info().Uint("executionID", id).Msg("Execution resumed")
	return e.Advance(ctx, id)
}

// Cancel stops a non-terminal execution, stamping ERROR with a
// cancellation message
func (e *Engine) Cancel(ctx context.Context, id uint) error {
	now := e.now()
	won, err := e.store.TransitionExecution(ctx, id,
		[]models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning, models.ExecutionPaused}, models.ExecutionError,
		map[string]interface{}{"completed_at": now, "resume_at": nil, "error_message": "cancelled"})
	if err != nil {
		return err
	}
	if !won {
		return e.rejectTransition(ctx, id, models.ExecutionError)
	}
	e.disarm(id)
	log.Info().Uint("executionID", id).Msg("Execution cancelled")
	e.publishByID(ctx, id)
	return nil
}

// rejectTransition explains a lost transition. Reaching the target state
// already is treated as success.
func (e *Engine) rejectTransition(ctx context.Context, id uint, target models.ExecutionStatus) error {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status == target && !target.Terminal() {
		return nil
	}
	if exec.Status.Terminal() {
		return ErrAlreadyFinished
	}
	return errors.Wrapf(ErrInvalidState, "execution %d is %s", id, exec.Status)
}

// Recover re-drives every PENDING or RUNNING execution found in the store.
// RUNNING executions waiting on a DELAY get their timer re-armed. It
// returns how many executions were picked up.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	executions, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning},
	})
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, exec := range executions {
		id := exec.ID
		g.Go(func() error {
			if err := e.Advance(gctx, id); err != nil && !errors.Is(err, ErrAlreadyFinished) {
				log.Error().Err(err).Uint("executionID", id).Msg("Recovery advance failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().Int("executions", len(executions)).Msg("Execution recovery sweep finished")
	return len(executions), nil
}

func (e *Engine) publish(exec models.FlowExecution) {
	if e.events == nil {
		return
	}
	e.events.Publish("execution_status", map[string]interface{}{
		"executionId":    exec.ID,
		"flowId":         exec.FlowID,
		"conversationId": exec.ConversationID,
		"status":         exec.Status,
		"currentStep":    exec.CurrentStep,
		"error":          exec.ErrorMessage,
	})
}

func (e *Engine) publishByID(ctx context.Context, id uint) {
	exec, err := e.store.GetExecution(ctx, id)
	if err == nil {
		e.publish(exec)
	}
}

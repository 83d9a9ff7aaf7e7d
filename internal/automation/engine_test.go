package automation

import (
	"context"
	"testing"
	"time"

	"whatsapp-automation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_RunsStepsInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t,
		messageStep(t, "Olá {{name}}"),
		delayStep(t, 0),
		actionStep(t, map[string]interface{}{"type": "add_tag", "tag": "vip"}),
	)

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPending, h.execution(t, id).Status)

	require.NoError(t, h.engine.Advance(ctx, id))
	exec := h.waitStatus(t, id, models.ExecutionCompleted)

	assert.Equal(t, 3, exec.CurrentStep)
	assert.NotNil(t, exec.StartedAt)
	assert.NotNil(t, exec.CompletedAt)
	assert.Nil(t, exec.ResumeAt)

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Olá Maria Silva", sent[0].Content)
	assert.Equal(t, h.conv.ContactNumber, sent[0].To)

	conv, err := h.store.GetConversation(ctx, h.conv.ID)
	require.NoError(t, err)
	assert.True(t, conv.HasTag("vip"))

	meta, err := DecodeMetadata(exec.Metadata)
	require.NoError(t, err)
	assert.True(t, meta.Sent(1))

	messages, err := h.store.ListMessages(ctx, h.conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.DirectionOutbound, messages[0].Direction)
	assert.Equal(t, "wamid.1", messages[0].ProviderMessageID)

	flow, err = h.store.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), flow.ExecutionCount)
}

func TestEngine_ConditionFalseCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t,
		conditionStep(t, ConditionHasTag, "vip"),
		messageStep(t, "só para vips"),
	)

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Advance(ctx, id))

	exec := h.execution(t, id)
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, exec.CurrentStep)
	assert.Empty(t, h.transport.Sent())
}

func TestEngine_ConditionMessageContains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateMessage(ctx, &models.Message{
		AccountID: h.account.ID, ConversationID: h.conv.ID, Direction: models.DirectionInbound, Content: "Quero saber o PREÇO",
	}))
	flow := h.createFlow(t,
		conditionStep(t, ConditionMessageContains, "preço"),
		messageStep(t, "Tabela enviada"),
	)

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Advance(ctx, id))

	assert.Equal(t, models.ExecutionCompleted, h.execution(t, id).Status)
	assert.Len(t, h.transport.Sent(), 1)
}

func TestEngine_AdvanceFinished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, messageStep(t, "oi"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Advance(ctx, id))
	before := h.execution(t, id)
	require.Equal(t, models.ExecutionCompleted, before.Status)

	err = h.engine.Advance(ctx, id)
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	after := h.execution(t, id)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.CurrentStep, after.CurrentStep)
	assert.Len(t, h.transport.Sent(), 1)
}

func TestEngine_ChannelUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transport.unusable = true
	flow := h.createFlow(t, messageStep(t, "oi"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)

	err = h.engine.Advance(ctx, id)
	assert.ErrorIs(t, err, ErrChannelUnavailable)

	exec := h.execution(t, id)
	assert.Equal(t, models.ExecutionError, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "channel unavailable")
	assert.NotNil(t, exec.CompletedAt)
	assert.Empty(t, h.transport.Sent())
}

func TestEngine_ProviderFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transport.fail[1] = true
	flow := h.createFlow(t, messageStep(t, "oi"), messageStep(t, "tudo bem?"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)

	err = h.engine.Advance(ctx, id)
	assert.ErrorIs(t, err, ErrProviderSendFailed)

	exec := h.execution(t, id)
	assert.Equal(t, models.ExecutionError, exec.Status)
	assert.Equal(t, 1, exec.CurrentStep)
	assert.Contains(t, exec.ErrorMessage, "rejected by provider")
}

func TestEngine_InvalidStepPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, actionStep(t, map[string]interface{}{"type": "launch_rocket"}))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)

	err = h.engine.Advance(ctx, id)
	assert.ErrorIs(t, err, ErrStepPayloadInvalid)
	assert.Equal(t, models.ExecutionError, h.execution(t, id).Status)
}

func TestEngine_InactiveFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, messageStep(t, "oi"))
	require.NoError(t, h.store.UpdateFlow(ctx, flow.ID, map[string]interface{}{"is_active": false}, nil))

	_, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestEngine_SetVariableFeedsLaterMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t,
		actionStep(t, map[string]interface{}{"type": "set_variable", "key": "cupom", "value": "BEMVINDO-{{first_name}}"}),
		messageStep(t, "Seu cupom: {{vars.cupom}}"),
		actionStep(t, map[string]interface{}{"type": "assign_owner", "owner": "agent-7"}),
	)

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Advance(ctx, id))

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Seu cupom: BEMVINDO-Maria", sent[0].Content)

	conv, err := h.store.GetConversation(ctx, h.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", conv.AssignedTo)
}

func TestEngine_PauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, messageStep(t, "um"), messageStep(t, "dois"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)

	require.NoError(t, h.engine.Pause(ctx, id))
	require.NoError(t, h.engine.Pause(ctx, id), "pausing twice is a no-op")

	require.NoError(t, h.engine.Advance(ctx, id))
	assert.Equal(t, models.ExecutionPaused, h.execution(t, id).Status)
	assert.Empty(t, h.transport.Sent())

	require.NoError(t, h.engine.Resume(ctx, id))
	assert.Equal(t, models.ExecutionCompleted, h.execution(t, id).Status)
	assert.Len(t, h.transport.Sent(), 2)

	assert.ErrorIs(t, h.engine.Pause(ctx, id), ErrAlreadyFinished)
	assert.ErrorIs(t, h.engine.Resume(ctx, id), ErrAlreadyFinished)
}

func TestEngine_PauseDuringDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, messageStep(t, "um"), delayStep(t, 200), messageStep(t, "dois"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Advance(ctx, id))
	require.NoError(t, h.engine.Pause(ctx, id))
	assert.Equal(t, 0, h.engine.PendingDelays())

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, models.ExecutionPaused, h.execution(t, id).Status)
	assert.Len(t, h.transport.Sent(), 1)

	require.NoError(t, h.engine.Resume(ctx, id))
	exec := h.waitStatus(t, id, models.ExecutionCompleted)
	assert.Equal(t, 3, exec.CurrentStep)
	assert.Len(t, h.transport.Sent(), 2)
}

func TestEngine_Cancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, delayStep(t, time.Hour.Milliseconds()), messageStep(t, "tarde demais"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Advance(ctx, id))
	assert.Equal(t, 1, h.engine.PendingDelays())

	require.NoError(t, h.engine.Cancel(ctx, id))
	exec := h.execution(t, id)
	assert.Equal(t, models.ExecutionError, exec.Status)
	assert.Equal(t, "cancelled", exec.ErrorMessage)
	assert.Equal(t, 0, h.engine.PendingDelays())

	assert.ErrorIs(t, h.engine.Cancel(ctx, id), ErrAlreadyFinished)
	assert.ErrorIs(t, h.engine.Advance(ctx, id), ErrAlreadyFinished)
	assert.Empty(t, h.transport.Sent())
}

func TestEngine_DelaySurvivesRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, messageStep(t, "um"), delayStep(t, time.Hour.Milliseconds()), messageStep(t, "dois"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Advance(ctx, id))

	exec := h.execution(t, id)
	assert.Equal(t, models.ExecutionRunning, exec.Status)
	require.NotNil(t, exec.ResumeAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *exec.ResumeAt, time.Minute)
	assert.Equal(t, 3, exec.ResumeStep)

	// a new process sees the delay as elapsed
	past := time.Now().Add(-time.Second)
	require.NoError(t, h.store.UpdateExecution(ctx, id, map[string]interface{}{"resume_at": past}))

	restarted := h.newEngine()
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec = h.waitStatus(t, id, models.ExecutionCompleted)
	assert.Equal(t, 3, exec.CurrentStep)
	sent := h.transport.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "dois", sent[1].Content)
}

func TestEngine_RecoverRearmsFutureDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, delayStep(t, time.Hour.Milliseconds()), messageStep(t, "depois"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Advance(ctx, id))

	restarted := h.newEngine()
	_, err = restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restarted.PendingDelays())
	assert.Equal(t, models.ExecutionRunning, h.execution(t, id).Status)
	assert.Empty(t, h.transport.Sent())
}

func TestEngine_SkipsResendAfterCrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, messageStep(t, "um"), messageStep(t, "dois"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)

	// crashed after sending step 1 but before moving the cursor
	exec := h.execution(t, id)
	meta, err := DecodeMetadata(exec.Metadata)
	require.NoError(t, err)
	meta.Append(50, LogEntry{Step: 1, Event: "message_sent", ProviderMessageID: "wamid.before"})
	require.NoError(t, h.store.UpdateExecution(ctx, id, map[string]interface{}{
		"status":       models.ExecutionRunning,
		"current_step": 1,
		"metadata":     meta.Encode(),
	}))

	require.NoError(t, h.engine.Advance(ctx, id))
	assert.Equal(t, models.ExecutionCompleted, h.execution(t, id).Status)
	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "dois", sent[0].Content)
}

func TestEngine_FlowEditsDoNotAffectRunningExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, messageStep(t, "original"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateFlow(ctx, flow.ID, nil, []models.FlowStep{{StepOrder: 1, StepType: models.StepMessage, Payload: payload(t, map[string]string{"content": "editado"})}}))

	require.NoError(t, h.engine.Advance(ctx, id))
	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "original", sent[0].Content)
}

func TestEngine_ConcurrentAdvanceSendsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, messageStep(t, "uma vez"))

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_ = h.engine.Advance(ctx, id)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	h.waitStatus(t, id, models.ExecutionCompleted)
	assert.Len(t, h.transport.Sent(), 1)
}

func TestEngine_LogIsCapped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.cfg.LogLimit = 3
	steps := make([]models.FlowStep, 0, 6)
	for i := 0; i < 6; i++ {
		steps = append(steps, actionStep(t, map[string]interface{}{"type": "add_tag", "tag": "t"}))
	}
	flow := h.createFlow(t, steps...)

	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)
	require.NoError(t, h.engine.Advance(ctx, id))

	meta, err := DecodeMetadata(h.execution(t, id).Metadata)
	require.NoError(t, err)
	assert.Len(t, meta.Log, 3)
	assert.Greater(t, meta.Dropped, 0)
	assert.Equal(t, "completed", meta.Log[2].Event)
}

func TestEngine_ShutdownDrainsDrives(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.createFlow(t, messageStep(t, "um"), delayStep(t, time.Hour.Milliseconds()), messageStep(t, "dois"))
	id, err := h.engine.StartExecution(ctx, StartRequest{FlowID: flow.ID, ConversationID: h.conv.ID})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.transport.hold = func() {
		close(entered)
		<-release
	}
	advanced := make(chan error, 1)
	go func() { advanced <- h.engine.Advance(ctx, id) }()
	<-entered

	stopped := make(chan struct{})
	go func() {
		h.engine.Shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Shutdown returned while a drive was sending")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	require.NoError(t, <-advanced)

	assert.Equal(t, 0, h.engine.PendingDelays())
	exec := h.execution(t, id)
	assert.Equal(t, models.ExecutionRunning, exec.Status)
	assert.NotNil(t, exec.ResumeAt)

	h.transport.hold = nil
	require.NoError(t, h.engine.Advance(ctx, id))
	assert.Len(t, h.transport.Sent(), 1)
}

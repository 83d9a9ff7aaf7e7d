package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"
	"whatsapp-automation/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newStore(t *testing.T) *store.GormStore {
	return store.NewGormStore(testutil.NewDB(t))
}

func TestUpsertConversation(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	c, created, err := st.UpsertConversation(ctx, 1, "5511999", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.ConversationActive, c.Status)

	again, created, err := st.UpsertConversation(ctx, 1, "5511999", "Maria")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, again.ID)
	assert.Equal(t, "Maria", again.ContactName)

	// a known name is never overwritten by a later profile name
	again, _, err = st.UpsertConversation(ctx, 1, "5511999", "Mari")
	require.NoError(t, err)
	assert.Equal(t, "Maria", again.ContactName)

	other, created, err := st.UpsertConversation(ctx, 2, "5511999", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, c.ID, other.ID)
}

func TestTransitionExecution_SingleWinner(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	e := models.FlowExecution{FlowID: 1, ConversationID: 1, Status: models.ExecutionRunning}
	require.NoError(t, st.CreateExecution(ctx, &e))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := st.TransitionExecution(ctx, e.ID,
				[]models.ExecutionStatus{models.ExecutionRunning}, models.ExecutionCompleted, nil)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := st.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, got.Status)
}

func TestGetExecution_NotFound(t *testing.T) {
	_, err := newStore(t).GetExecution(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateFlow_ReplacesSteps(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	f := models.Flow{OwnerID: "o", Name: "f", Steps: []models.FlowStep{
		{StepOrder: 2, StepType: models.StepMessage, Payload: datatypes.JSON(`{"content":"b"}`)},
		{StepOrder: 1, StepType: models.StepMessage, Payload: datatypes.JSON(`{"content":"a"}`)},
	}}
	require.NoError(t, st.CreateFlow(ctx, &f))

	got, err := st.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, 1, got.Steps[0].StepOrder)

	require.NoError(t, st.UpdateFlow(ctx, f.ID, map[string]interface{}{"name": "renamed"}, []models.FlowStep{
		{StepOrder: 1, StepType: models.StepDelay, Payload: datatypes.JSON(`{"durationMs":10}`)},
	}))
	got, err = st.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, models.StepDelay, got.Steps[0].StepType)

	// nil steps leave the list alone
	require.NoError(t, st.UpdateFlow(ctx, f.ID, map[string]interface{}{"is_active": true}, nil))
	got, err = st.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Len(t, got.Steps, 1)

	assert.ErrorIs(t, st.UpdateFlow(ctx, 999, map[string]interface{}{"name": "x"}, nil), store.ErrNotFound)
}

func TestActiveTriggers(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	active := models.Flow{OwnerID: "o", Name: "on", IsActive: true}
	require.NoError(t, st.CreateFlow(ctx, &active))
	inactive := models.Flow{OwnerID: "o", Name: "off"}
	require.NoError(t, st.CreateFlow(ctx, &inactive))

	keyword := models.FlowTrigger{FlowID: active.ID, TriggerType: models.TriggerKeyword, IsActive: true, Config: datatypes.JSON(`{"keywords":["oi"]}`)}
	require.NoError(t, st.CreateTrigger(ctx, &keyword))
	disabled := models.FlowTrigger{FlowID: active.ID, TriggerType: models.TriggerKeyword, IsActive: true, Config: datatypes.JSON(`{"keywords":["x"]}`)}
	require.NoError(t, st.CreateTrigger(ctx, &disabled))
	require.NoError(t, st.UpdateTrigger(ctx, disabled.ID, map[string]interface{}{"is_active": false}))
	onInactiveFlow := models.FlowTrigger{FlowID: inactive.ID, TriggerType: models.TriggerKeyword, IsActive: true, Config: datatypes.JSON(`{"keywords":["oi"]}`)}
	require.NoError(t, st.CreateTrigger(ctx, &onInactiveFlow))
	schedule := models.FlowTrigger{FlowID: active.ID, TriggerType: models.TriggerSchedule, IsActive: true, Config: datatypes.JSON(`{"scheduleType":"daily","time":"09:00"}`)}
	require.NoError(t, st.CreateTrigger(ctx, &schedule))

	got, err := st.ActiveTriggers(ctx, models.TriggerKeyword)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keyword.ID, got[0].Trigger.ID)
	assert.Equal(t, "on", got[0].Flow.Name)

	all, err := st.ActiveTriggers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCountRecentExecutions(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	e := models.FlowExecution{FlowID: 1, ConversationID: 2, TriggerType: models.TriggerKeyword, Status: models.ExecutionCompleted}
	require.NoError(t, st.CreateExecution(ctx, &e))

	n, err := st.CountRecentExecutions(ctx, 1, 2, models.TriggerKeyword, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = st.CountRecentExecutions(ctx, 1, 2, models.TriggerSchedule, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.CountRecentExecutions(ctx, 1, 2, models.TriggerKeyword, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCampaignCountersAndTargets(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	c := models.Campaign{AccountID: 1, Name: "c", Status: models.CampaignDraft}
	targets := []models.CampaignTarget{{Phone: "1"}, {Phone: "2"}, {Phone: "3"}}
	require.NoError(t, st.CreateCampaign(ctx, &c, targets))
	assert.Equal(t, 3, c.TargetCount)
	assert.Equal(t, 2, targets[1].Position)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, st.IncrementCampaignCounters(ctx, c.ID, store.CounterDelta{Sent: 1, Delivered: 1}))
		}()
	}
	wg.Wait()
	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.SentCount)
	assert.Equal(t, 4, got.DeliveredCount)
	assert.Zero(t, got.FailedCount)

	require.NoError(t, st.UpdateTarget(ctx, targets[0].ID, map[string]interface{}{"status": models.TargetSent, "provider_message_id": "wamid.1"}))
	pending, err := st.PendingTargets(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "2", pending[0].Phone)

	byProvider, err := st.GetTargetByProviderID(ctx, "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, targets[0].ID, byProvider.ID)
	_, err = st.GetTargetByProviderID(ctx, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// statuses only move forward
	moved, err := st.AdvanceTargetStatus(ctx, targets[0].ID, []string{models.TargetSent}, models.TargetRead)
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = st.AdvanceTargetStatus(ctx, targets[0].ID, []string{models.TargetSent}, models.TargetDelivered)
	require.NoError(t, err)
	assert.False(t, moved)
}

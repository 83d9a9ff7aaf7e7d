package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"
	"whatsapp-automation/internal/testutil"
	"whatsapp-automation/internal/timer"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []OutboundMessage
	fail     map[int]bool
	unusable bool
	calls    int
	// hold, when set, runs before every send
	hold func()
}

func (f *fakeTransport) SendMessage(_ context.Context, msg OutboundMessage) (SendResult, error) {
	if f.hold != nil {
		f.hold()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[f.calls] {
		return SendResult{Success: false, Error: "rejected by provider"}, nil
	}
	f.sent = append(f.sent, msg)
	return SendResult{Success: true, ProviderMessageID: fmt.Sprintf("wamid.%d", f.calls)}, nil
}

func (f *fakeTransport) IsAccountUsable(context.Context, uint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unusable
}

func (f *fakeTransport) Sent() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OutboundMessage(nil), f.sent...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(eventType string, _ interface{}) {
	p.mu.Lock()
	p.events = append(p.events, eventType)
	p.mu.Unlock()
}

// stdTimers runs continuations on runtime timers
type stdTimers struct{}

func (stdTimers) AfterFunc(d time.Duration, f func()) timer.Handle { return time.AfterFunc(d, f) }
func (stdTimers) At(t time.Time, f func()) timer.Handle          { return time.AfterFunc(time.Until(t), f) }
func (stdTimers) Schedule(timer.Rule, func()) timer.Handle       { return nil }

type harness struct {
	store     *store.GormStore
	transport *fakeTransport
	events    *fakePublisher
	engine    *Engine
	account   models.Account
	conv      models.Conversation
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewGormStore(testutil.NewDB(t)),
		transport: &fakeTransport{fail: map[int]bool{}},
		events:    &fakePublisher{},
	}
	h.engine = h.newEngine()

	ctx := context.Background()
	h.account = models.Account{OwnerID: "owner-1", Name: "Loja", PhoneNumberID: "pn-1", Status: models.AccountConnected}
	require.NoError(t, h.store.CreateAccount(ctx, &h.account))
	h.conv = models.Conversation{AccountID: h.account.ID, ContactNumber: "5511999990000", ContactName: "Maria Silva"}
	require.NoError(t, h.store.CreateConversation(ctx, &h.conv))
	return h
}

func (h *harness) newEngine() *Engine {
	return NewEngine(h.store, h.transport, stdTimers{}, NewSubstitutor(time.UTC), h.events, EngineConfig{
		DefaultDelay: time.Millisecond,
		LogLimit:     50,
		GuardTTL:     time.Minute,
		Concurrency:  4,
	})
}

func payload(t *testing.T, v interface{}) datatypes.JSON {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return datatypes.JSON(b)
}

func (h *harness) createFlow(t *testing.T, steps ...models.FlowStep) models.Flow {
	t.Helper()
	for i := range steps {
		if steps[i].StepOrder == 0 {
			steps[i].StepOrder = i + 1
		}
	}
	f := models.Flow{OwnerID: h.account.OwnerID, Name: "flow", IsActive: true, Steps: steps}
	require.NoError(t, h.store.CreateFlow(context.Background(), &f))
	return f
}

func (h *harness) addTrigger(t *testing.T, flowID uint, tt models.TriggerType, config interface{}) models.FlowTrigger {
	t.Helper()
	tr := models.FlowTrigger{FlowID: flowID, TriggerType: tt, Config: payload(t, config), IsActive: true}
	require.NoError(t, h.store.CreateTrigger(context.Background(), &tr))
	return tr
}

func messageStep(t *testing.T, content string) models.FlowStep {
	return models.FlowStep{StepType: models.StepMessage, Payload: payload(t, map[string]interface{}{"content": content})}
}

func delayStep(t *testing.T, ms int64) models.FlowStep {
	return models.FlowStep{StepType: models.StepDelay, Payload: payload(t, map[string]interface{}{"durationMs": ms})}
}

func conditionStep(t *testing.T, kind, value string) models.FlowStep {
	return models.FlowStep{StepType: models.StepCondition, Payload: payload(t, map[string]interface{}{"type": kind, "value": value})}
}

func actionStep(t *testing.T, fields map[string]interface{}) models.FlowStep {
	return models.FlowStep{StepType: models.StepAction, Payload: payload(t, fields)}
}

func (h *harness) execution(t *testing.T, id uint) models.FlowExecution {
	t.Helper()
	e, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) waitStatus(t *testing.T, id uint, status models.ExecutionStatus) models.FlowExecution {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.execution(t, id).Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return h.execution(t, id)
}

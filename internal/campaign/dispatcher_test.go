package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"
	"whatsapp-automation/internal/testutil"
	"whatsapp-automation/internal/timer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []automation.OutboundMessage
	at       []time.Time
	failTo   map[string]bool
	unusable bool
	calls    int
}

func (f *fakeTransport) SendMessage(_ context.Context, msg automation.OutboundMessage) (automation.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.at = append(f.at, time.Now())
	if f.failTo[msg.To] {
		return automation.SendResult{Error: "number not on whatsapp"}, nil
	}
	f.sent = append(f.sent, msg)
	return automation.SendResult{Success: true, ProviderMessageID: fmt.Sprintf("wamid.%s", msg.To)}, nil
}

func (f *fakeTransport) IsAccountUsable(context.Context, uint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unusable
}

func (f *fakeTransport) Sent() []automation.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]automation.OutboundMessage(nil), f.sent...)
}

func (f *fakeTransport) SendTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.at...)
}

type fakeHandle struct{ stopped bool }

func (h *fakeHandle) Stop() bool {
	was := !h.stopped
	h.stopped = true
	return was
}

type fakeTimers struct {
	mu  sync.Mutex
	at  []time.Time
	fns []func()
	hs  []*fakeHandle
}

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) timer.Handle {
	return f.At(time.Now().Add(d), fn)
}

func (f *fakeTimers) At(t time.Time, fn func()) timer.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{}
	f.at = append(f.at, t)
	f.fns = append(f.fns, fn)
	f.hs = append(f.hs, h)
	return h
}

func (f *fakeTimers) Schedule(timer.Rule, func()) timer.Handle { return nil }

type recorder struct {
	mu     sync.Mutex
	events map[string]int
}

func (r *recorder) Publish(eventType string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[eventType]++
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[eventType]
}

type env struct {
	store     *store.GormStore
	transport *fakeTransport
	timers    *fakeTimers
	events    *recorder
	d         *Dispatcher
	account   models.Account
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:     store.NewGormStore(testutil.NewDB(t)),
		transport: &fakeTransport{failTo: map[string]bool{}},
		timers:    &fakeTimers{},
		events:    &recorder{events: map[string]int{}},
	}
	e.d = NewDispatcher(e.store, e.transport, e.timers, automation.NewSubstitutor(time.UTC), e.events, Config{DefaultRateLimitPerMinute: 30})
	e.account = models.Account{OwnerID: "owner-1", PhoneNumberID: "pn-1", Status: models.AccountConnected}
	require.NoError(t, e.store.CreateAccount(context.Background(), &e.account))
	t.Cleanup(e.d.Shutdown)
	return e
}

func targets(n int) []Target {
	out := make([]Target, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Target{Phone: fmt.Sprintf("55119000000%02d", i), Name: fmt.Sprintf("Cliente %d", i)})
	}
	return out
}

func (e *env) campaign(t *testing.T, id uint) models.Campaign {
	t.Helper()
	c, err := e.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestDelayBetweenMessages(t *testing.T) {
	assert.Equal(t, time.Second, DelayBetweenMessages(60))
	assert.Equal(t, 2*time.Second, DelayBetweenMessages(30))
	assert.Equal(t, 8572*time.Millisecond, DelayBetweenMessages(7))
	assert.Equal(t, 100*time.Millisecond, DelayBetweenMessages(600))
}

func TestDispatcher_SingleFailureDoesNotFailCampaign(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	list := targets(3)
	e.transport.failTo[list[1].Phone] = true

	started := time.Now()
	id, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{
		Name:               "promo",
		Content:            "Promoção de hoje",
		Targets:            list,
		RateLimitPerMinute: 60,
	})
	require.NoError(t, err)
	e.d.Wait()
	elapsed := time.Since(started)

	c := e.campaign(t, id)
	assert.Equal(t, models.CampaignCompleted, c.Status)
	assert.Equal(t, 3, c.TargetCount)
	assert.Equal(t, 2, c.SentCount)
	assert.Equal(t, 1, c.FailedCount)
	assert.NotNil(t, c.CompletedAt)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)

	sent := e.transport.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, list[0].Phone, sent[0].To)
	assert.Equal(t, list[2].Phone, sent[1].To)

	p, err := GetProgress(ctx, e.store, id)
	require.NoError(t, err)
	assert.Equal(t, Progress{CampaignID: id, Status: models.CampaignCompleted, Total: 3, Sent: 2, Failed: 1, Progress: 100}, p)
	assert.Equal(t, 3, e.events.count("campaign_progress"))
}

func TestDispatcher_PacingLowerBound(t *testing.T) {
	e := newEnv(t)
	started := time.Now()
	_, err := e.d.CreateCampaign(context.Background(), e.account.ID, Spec{
		Name:               "rápida",
		Content:            "oi",
		Targets:            targets(4),
		RateLimitPerMinute: 600,
	})
	require.NoError(t, err)
	e.d.Wait()

	assert.GreaterOrEqual(t, time.Since(started), 300*time.Millisecond)
	assert.Len(t, e.transport.Sent(), 4)
}

func TestDispatcher_StopMidDispatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{
		Name:               "longa",
		Content:            "oi",
		Targets:            targets(20),
		RateLimitPerMinute: 600,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(e.transport.Sent()) >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.d.Stop(ctx, id))
	e.d.Wait()

	c := e.campaign(t, id)
	sent := len(e.transport.Sent())
	assert.Equal(t, models.CampaignDraft, c.Status)
	assert.Equal(t, sent, c.SentCount)
	assert.Less(t, sent, 20)
	assert.False(t, e.d.Running(id))

	pending, err := e.store.PendingTargets(ctx, id)
	require.NoError(t, err)
	assert.Len(t, pending, 20-sent)

	// a later start continues with the pending targets
	require.NoError(t, e.d.Start(ctx, id))
	e.d.Wait()
	c = e.campaign(t, id)
	assert.Equal(t, models.CampaignCompleted, c.Status)
	assert.Equal(t, 20, c.SentCount)
	assert.Len(t, e.transport.Sent(), 20)
}

func TestDispatcher_PauseResume(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{
		Name:               "pausável",
		Content:            "oi",
		Targets:            targets(6),
		RateLimitPerMinute: 1200,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(e.transport.Sent()) >= 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.d.Pause(ctx, id))
	assert.Equal(t, models.CampaignPaused, e.campaign(t, id).Status)
	assert.ErrorIs(t, e.d.Pause(ctx, id), ErrInvalidState)

	require.NoError(t, e.d.Resume(ctx, id))
	e.d.Wait()

	c := e.campaign(t, id)
	assert.Equal(t, models.CampaignCompleted, c.Status)
	assert.Equal(t, 6, c.SentCount)
	assert.Len(t, e.transport.Sent(), 6, "no target is sent twice")
}

func TestDispatcher_ResumeKeepsPacing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{
		Name:               "compassada",
		Content:            "oi",
		Targets:            targets(3),
		RateLimitPerMinute: 60,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(e.transport.Sent()) >= 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.d.Pause(ctx, id))
	require.NoError(t, e.d.Resume(ctx, id))

	require.Eventually(t, func() bool { return len(e.transport.Sent()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	at := e.transport.SendTimes()
	assert.GreaterOrEqual(t, at[1].Sub(at[0]), DelayBetweenMessages(60))

	require.NoError(t, e.d.Stop(ctx, id))
	e.d.Wait()
	assert.NotNil(t, e.campaign(t, id).LastSentAt)
}

func TestDispatcher_RecoverWaitsAfterLastSend(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	lastSent := time.Now()
	c := models.Campaign{
		AccountID:          e.account.ID,
		Name:               "retomada",
		Content:            "oi",
		RateLimitPerMinute: 60,
		Status:             models.CampaignSending,
		LastSentAt:         &lastSent,
	}
	require.NoError(t, e.store.CreateCampaign(ctx, &c, []models.CampaignTarget{{Phone: "5511900000001"}}))

	_, err := e.d.Recover(ctx)
	require.NoError(t, err)
	e.d.Wait()

	at := e.transport.SendTimes()
	require.Len(t, at, 1)
	// stored timestamps may lose sub-microsecond precision
	assert.GreaterOrEqual(t, at[0].Sub(lastSent), DelayBetweenMessages(60)-time.Millisecond)
	assert.Equal(t, models.CampaignCompleted, e.campaign(t, c.ID).Status)
}

func TestDispatcher_AccountUnavailableFails(t *testing.T) {
	e := newEnv(t)
	e.transport.unusable = true
	id, err := e.d.CreateCampaign(context.Background(), e.account.ID, Spec{Name: "x", Content: "oi", Targets: targets(2)})
	require.NoError(t, err)
	e.d.Wait()

	c := e.campaign(t, id)
	assert.Equal(t, models.CampaignFailed, c.Status)
	assert.Contains(t, c.ErrorMessage, "channel unavailable")
	assert.Equal(t, 0, c.SentCount)
	assert.Zero(t, e.transport.calls)
}

func TestDispatcher_ScheduledStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	when := time.Now().Add(time.Hour)
	id, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{Name: "amanhã", Content: "oi", Targets: targets(1), ScheduledAt: &when})
	require.NoError(t, err)

	assert.Equal(t, models.CampaignScheduled, e.campaign(t, id).Status)
	require.Len(t, e.timers.fns, 1)
	assert.True(t, e.timers.at[0].Equal(when))

	// firing the timer starts it
	e.timers.fns[0]()
	e.d.Wait()
	assert.Equal(t, models.CampaignCompleted, e.campaign(t, id).Status)
}

func TestDispatcher_StopScheduled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	when := time.Now().Add(time.Hour)
	id, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{Name: "cancelada", Content: "oi", Targets: targets(1), ScheduledAt: &when})
	require.NoError(t, err)

	require.NoError(t, e.d.Stop(ctx, id))
	assert.Equal(t, models.CampaignDraft, e.campaign(t, id).Status)
	assert.True(t, e.timers.hs[0].stopped)
	assert.Empty(t, e.transport.Sent())
}

func TestDispatcher_FilterAudienceAndPersonalization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	mk := func(number, name string, tags []string, vars datatypes.JSONMap, blocked bool) {
		c := models.Conversation{
			AccountID:     e.account.ID,
			ContactNumber: number,
			ContactName:   name,
			Tags:          models.EncodeTags(tags),
			Variables:     vars,
			Blocked:       blocked,
		}
		require.NoError(t, e.store.CreateConversation(ctx, &c))
	}
	mk("551101", "Ana Souza", []string{"vip"}, datatypes.JSONMap{"cupom": "ANA10"}, false)
	mk("551102", "Bruno", []string{"lead"}, nil, false)
	mk("551103", "Carla", []string{"vip"}, nil, true)

	id, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{
		Name:                "vips",
		Content:             "Oi {{first_name}}, use {{cupom}}",
		Filter:              &AudienceFilter{Tags: []string{"vip"}, ExcludeBlocked: true},
		RateLimitPerMinute:  600,
		PersonalizeMessages: true,
	})
	require.NoError(t, err)
	e.d.Wait()

	sent := e.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "551101", sent[0].To)
	assert.Equal(t, "Oi Ana, use ANA10", sent[0].Content)
	assert.Equal(t, 1, e.campaign(t, id).TargetCount)

	messages, err := e.store.ListMessages(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.DirectionOutbound, messages[0].Direction)
}

func TestDispatcher_WithoutPersonalization(t *testing.T) {
	e := newEnv(t)
	_, err := e.d.CreateCampaign(context.Background(), e.account.ID, Spec{
		Name:    "genérica",
		Content: "Oi {{name}}, hoje é {{current_date}}",
		Targets: []Target{{Phone: "551101", Name: "Ana"}},
	})
	require.NoError(t, err)
	e.d.Wait()

	sent := e.transport.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Oi {{name}}, hoje é "+time.Now().UTC().Format(automation.DateLayout), sent[0].Content)
}

func TestDispatcher_Recover(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// a campaign a crashed process left mid-dispatch
	c := models.Campaign{AccountID: e.account.ID, Name: "interrompida", Content: "oi", RateLimitPerMinute: 600, Status: models.CampaignSending}
	rows := []models.CampaignTarget{{Phone: "551101"}, {Phone: "551102"}, {Phone: "551103"}}
	require.NoError(t, e.store.CreateCampaign(ctx, &c, rows))
	require.NoError(t, e.store.UpdateTarget(ctx, rows[0].ID, map[string]interface{}{"status": models.TargetSent}))
	require.NoError(t, e.store.IncrementCampaignCounters(ctx, c.ID, store.CounterDelta{Sent: 1}))

	due := time.Now().Add(-time.Minute)
	overdue := models.Campaign{AccountID: e.account.ID, Name: "atrasada", Content: "oi", RateLimitPerMinute: 600, Status: models.CampaignScheduled, ScheduledAt: &due}
	require.NoError(t, e.store.CreateCampaign(ctx, &overdue, []models.CampaignTarget{{Phone: "551199"}}))

	later := time.Now().Add(time.Hour)
	future := models.Campaign{AccountID: e.account.ID, Name: "futura", Content: "oi", Status: models.CampaignScheduled, ScheduledAt: &later}
	require.NoError(t, e.store.CreateCampaign(ctx, &future, []models.CampaignTarget{{Phone: "551198"}}))

	n, err := e.d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	e.d.Wait()

	resumed := e.campaign(t, c.ID)
	assert.Equal(t, models.CampaignCompleted, resumed.Status)
	assert.Equal(t, 3, resumed.SentCount)
	assert.Equal(t, models.CampaignCompleted, e.campaign(t, overdue.ID).Status)
	assert.Equal(t, models.CampaignScheduled, e.campaign(t, future.ID).Status)
	assert.Len(t, e.timers.fns, 1)

	var phones []string
	for _, m := range e.transport.Sent() {
		phones = append(phones, m.To)
	}
	assert.ElementsMatch(t, []string{"551102", "551103", "551199"}, phones)
}

func TestDispatcher_HandleStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{Name: "recibos", Content: "oi", Targets: targets(2), RateLimitPerMinute: 600})
	require.NoError(t, err)
	e.d.Wait()

	first := "wamid." + targets(2)[0].Phone
	second := "wamid." + targets(2)[1].Phone

	require.NoError(t, e.d.HandleStatus(ctx, first, models.TargetDelivered))
	require.NoError(t, e.d.HandleStatus(ctx, first, models.TargetRead))
	// out-of-order and repeated receipts do not move counters
	require.NoError(t, e.d.HandleStatus(ctx, first, models.TargetDelivered))
	require.NoError(t, e.d.HandleStatus(ctx, first, models.TargetRead))
	// read without a delivered receipt counts as both
	require.NoError(t, e.d.HandleStatus(ctx, second, models.TargetRead))
	require.NoError(t, e.d.HandleStatus(ctx, "wamid.unknown", models.TargetRead))

	p, err := e.d.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Sent)
	assert.Equal(t, 2, p.Delivered)
	assert.Equal(t, 2, p.Read)
}

func TestDispatcher_CreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{Name: "vazia", Content: "oi"})
	assert.ErrorIs(t, err, ErrNoTargets)

	_, err = e.d.CreateCampaign(ctx, e.account.ID, Spec{Name: "sem texto", Targets: targets(1)})
	assert.ErrorIs(t, err, ErrInvalidCampaign)

	_, err = e.d.CreateCampaign(ctx, e.account.ID, Spec{Name: "imagem", MessageType: "image", Targets: targets(1)})
	assert.ErrorIs(t, err, ErrInvalidCampaign)

	_, err = e.d.CreateCampaign(ctx, e.account.ID, Spec{Name: "ambos", Content: "oi", Targets: targets(1), Filter: &AudienceFilter{}})
	assert.ErrorIs(t, err, ErrInvalidCampaign)

	_, err = e.d.CreateCampaign(ctx, 999, Spec{Name: "conta", Content: "oi", Targets: targets(1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatcher_DeleteSending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id, err := e.d.CreateCampaign(ctx, e.account.ID, Spec{Name: "x", Content: "oi", Targets: targets(10), RateLimitPerMinute: 60})
	require.NoError(t, err)

	assert.ErrorIs(t, e.d.Delete(ctx, id), ErrInvalidState)
	require.NoError(t, e.d.Stop(ctx, id))
	e.d.Wait()
	require.NoError(t, e.d.Delete(ctx, id))

	_, err = e.store.GetCampaign(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

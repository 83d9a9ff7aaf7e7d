// Package campaign sends one message to many targets at a fixed pace. All
// progress lives in the store so any process can report it and a restarted
// process continues from the pending targets.
package campaign

import (
	"context"
	"sync"
	"time"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"
	"whatsapp-automation/internal/timer"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Config struct {
	DefaultRateLimitPerMinute int
}

type Dispatcher struct {
	store     store.Store
	transport automation.Transport
	timers    timer.Service
	vars      *automation.Substitutor
	events    automation.Publisher
	cfg       Config

	mu        sync.Mutex
	scheduled map[uint]timer.Handle
	running   map[uint]*run
	wg        sync.WaitGroup

	now func() time.Time
}

func NewDispatcher(st store.Store, transport automation.Transport, timers timer.Service, vars *automation.Substitutor, events automation.Publisher, cfg Config) *Dispatcher {
	if cfg.DefaultRateLimitPerMinute <= 0 {
		cfg.DefaultRateLimitPerMinute = 30
	}
	return &Dispatcher{
		store:     st,
		transport: transport,
		timers:    timers,
		vars:      vars,
		events:    events,
		cfg:       cfg,
		scheduled: make(map[uint]timer.Handle),
		running:   make(map[uint]*run),
		now:       time.Now,
	}
}

// CreateCampaign snapshots the audience into targets and either starts the
// campaign now or arms its scheduled start
func (d *Dispatcher) CreateCampaign(ctx context.Context, accountID uint, spec Spec) (uint, error) {
	if err := spec.normalize(d.cfg.DefaultRateLimitPerMinute); err != nil {
		return 0, err
	}
	if _, err := d.store.GetAccount(ctx, accountID); err != nil {
		return 0, err
	}

	targets, err := d.resolveTargets(ctx, accountID, spec)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, ErrNoTargets
	}

	c := models.Campaign{
		AccountID:           accountID,
		Name:                spec.Name,
		MessageType:         spec.MessageType,
		Content:             spec.Content,
		MediaURL:            spec.MediaURL,
		Audience:            audienceJSON(spec),
		ScheduledAt:         spec.ScheduledAt,
		RateLimitPerMinute:  spec.RateLimitPerMinute,
		PersonalizeMessages: spec.PersonalizeMessages,
		Status:              models.CampaignDraft,
	}
	future := spec.ScheduledAt != nil && spec.ScheduledAt.After(d.now())
	if future {
		c.Status = models.CampaignScheduled
	}
	if err := d.store.CreateCampaign(ctx, &c, targets); err != nil {
		return 0, err
	}
	log.Info().
		Uint("campaignID", c.ID).
		Uint("accountID", accountID).
		Int("targets", len(targets)).
		Int("ratePerMinute", c.RateLimitPerMinute).
		Str("status", string(c.Status)).
		Msg("Campaign created")

	if future {
		d.arm(c.ID, *spec.ScheduledAt)
		return c.ID, nil
	}
	return c.ID, d.Start(ctx, c.ID)
}

func (d *Dispatcher) resolveTargets(ctx context.Context, accountID uint, spec Spec) ([]models.CampaignTarget, error) {
	var targets []models.CampaignTarget
	if spec.Filter == nil {
		seen := map[string]bool{}
		for _, t := range spec.Targets {
			if t.Phone == "" || seen[t.Phone] {
				continue
			}
			seen[t.Phone] = true
			targets = append(targets, models.CampaignTarget{Phone: t.Phone, Name: t.Name, Variables: t.Variables})
		}
		return targets, nil
	}

	f := spec.Filter
	conversations, err := d.store.ListConversations(ctx, store.ConversationFilter{
		AccountIDs:        []uint{accountID},
		Status:            models.ConversationActive,
		LastMessageBefore: f.LastMessageBefore,
		LastMessageAfter:  f.LastMessageAfter,
		UnreadOnly:        f.UnreadOnly,
		ExcludeBlocked:    f.ExcludeBlocked,
	})
	if err != nil {
		return nil, err
	}
	for _, conv := range conversations {
		if len(f.Tags) > 0 && !hasAnyTag(conv, f.Tags) {
			continue
		}
		id := conv.ID
		targets = append(targets, models.CampaignTarget{
			ConversationID: &id,
			Phone:          conv.ContactNumber,
			Name:           conv.ContactName,
			Variables:      conv.Variables,
		})
	}
	return targets, nil
}

func hasAnyTag(conv models.Conversation, tags []string) bool {
	for _, t := range tags {
		if conv.HasTag(t) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) arm(id uint, at time.Time) {
	h := d.timers.At(at, func() {
		d.mu.Lock()
		delete(d.scheduled, id)
		d.mu.Unlock()
		if err := d.Start(context.Background(), id); err != nil {
			log.Error().Err(err).Uint("campaignID", id).Msg("Scheduled campaign start failed")
		}
	})
	d.mu.Lock()
	if old, ok := d.scheduled[id]; ok {
		old.Stop()
	}
	d.scheduled[id] = h
	d.mu.Unlock()
	log.Info().Uint("campaignID", id).Time("at", at).Msg("Campaign start armed")
}

func (d *Dispatcher) disarm(id uint) {
	d.mu.Lock()
	if h, ok := d.scheduled[id]; ok {
		h.Stop()
		delete(d.scheduled, id)
	}
	d.mu.Unlock()
}

// Start moves a DRAFT or SCHEDULED campaign to SENDING and dispatches it in
// the background
func (d *Dispatcher) Start(ctx context.Context, id uint) error {
	won, err := d.store.TransitionCampaign(ctx, id,
		[]models.CampaignStatus{models.CampaignDraft, models.CampaignScheduled}, models.CampaignSending,
		map[string]interface{}{"started_at": d.now(), "error_message": ""})
	if err != nil {
		return err
	}
	if !won {
		return d.rejectTransition(ctx, id, models.CampaignSending)
	}
	d.disarm(id)
	d.publishStatus(ctx, id)
	d.launch(id)
	return nil
}

// Pause stops dispatch after the in-flight target. Counters are kept.
func (d *Dispatcher) Pause(ctx context.Context, id uint) error {
	won, err := d.store.TransitionCampaign(ctx, id,
		[]models.CampaignStatus{models.CampaignSending}, models.CampaignPaused, nil)
	if err != nil {
		return err
	}
	if !won {
		return d.rejectTransition(ctx, id, models.CampaignPaused)
	}
	d.halt(id)
	log.Info().Uint("campaignID", id).Msg("Campaign paused")
	d.publishStatus(ctx, id)
	return nil
}

// Resume continues a PAUSED campaign with its first pending target
func (d *Dispatcher) Resume(ctx context.Context, id uint) error {
	won, err := d.store.TransitionCampaign(ctx, id,
		[]models.CampaignStatus{models.CampaignPaused}, models.CampaignSending, nil)
	if err != nil {
		return err
	}
	if !won {
		return d.rejectTransition(ctx, id, models.CampaignSending)
	}
	log.Info().Uint("campaignID", id).Msg("Campaign resumed")
	d.publishStatus(ctx, id)
	d.launch(id)
	return nil
}

// Stop cancels a scheduled start or an in-flight dispatch and puts the
// campaign back to DRAFT. Targets already sent stay counted.
func (d *Dispatcher) Stop(ctx context.Context, id uint) error {
	won, err := d.store.TransitionCampaign(ctx, id,
		[]models.CampaignStatus{models.CampaignDraft, models.CampaignScheduled, models.CampaignSending, models.CampaignPaused},
		models.CampaignDraft, nil)
	if err != nil {
		return err
	}
	if !won {
		return d.rejectTransition(ctx, id, models.CampaignDraft)
	}
	d.disarm(id)
	d.halt(id)
	log.Info().Uint("campaignID", id).Msg("Campaign stopped")
	d.publishStatus(ctx, id)
	return nil
}

// Delete removes a campaign that is not currently sending
func (d *Dispatcher) Delete(ctx context.Context, id uint) error {
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == models.CampaignSending {
		return errors.Wrap(ErrInvalidState, "stop the campaign before deleting it")
	}
	d.disarm(id)
	return d.store.DeleteCampaign(ctx, id)
}

func (d *Dispatcher) rejectTransition(ctx context.Context, id uint, target models.CampaignStatus) error {
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(ErrInvalidState, "campaign %d is %s, cannot move to %s", id, c.Status, target)
}

// Progress reads the persisted counters
func (d *Dispatcher) Progress(ctx context.Context, id uint) (Progress, error) {
	return GetProgress(ctx, d.store, id)
}

// GetProgress needs only the store, so processes other than the
// dispatching one can call it
func GetProgress(ctx context.Context, st store.Store, id uint) (Progress, error) {
	c, err := st.GetCampaign(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return progressOf(c), nil
}

// Recover resumes SENDING campaigns from their pending targets and re-arms
// SCHEDULED ones. Scheduled campaigns already due start now.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	campaigns, err := d.store.ListCampaignsByStatus(ctx, models.CampaignSending, models.CampaignScheduled)
	if err != nil {
		return 0, err
	}
	for _, c := range campaigns {
		switch c.Status {
		case models.CampaignSending:
			log.Info().Uint("campaignID", c.ID).Int("sent", c.SentCount).Int("failed", c.FailedCount).Msg("Resuming campaign after restart")
			d.launch(c.ID)
		case models.CampaignScheduled:
			if c.ScheduledAt == nil || !c.ScheduledAt.After(d.now()) {
				if err := d.Start(ctx, c.ID); err != nil {
					log.Error().Err(err).Uint("campaignID", c.ID).Msg("Failed to start overdue campaign")
				}
				continue
			}
			d.arm(c.ID, *c.ScheduledAt)
		}
	}
	return len(campaigns), nil
}

// Wait blocks until every running dispatch loop has returned
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown cancels every loop without touching campaign status, so SENDING
// campaigns are picked up again by Recover
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	for id, h := range d.scheduled {
		h.Stop()
		delete(d.scheduled, id)
	}
	for _, r := range d.running {
		r.halted = true
		r.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// run is one dispatch loop. A halted run stays registered until its loop
// returns so a resumed loop never overlaps it.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	halted bool
}

func (d *Dispatcher) launch(id uint) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	prev, ok := d.running[id]
	if ok && !prev.halted {
		d.mu.Unlock()
		cancel()
		log.Debug().Uint("campaignID", id).Msg("Campaign already dispatching")
		return
	}
	d.running[id] = r
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer close(r.done)
		defer func() {
			d.mu.Lock()
			if d.running[id] == r {
				delete(d.running, id)
			}
			d.mu.Unlock()
			cancel()
		}()
		if prev != nil {
			<-prev.done
		}
		if err := d.dispatch(ctx, id); err != nil {
			log.Error().Err(err).Uint("campaignID", id).Msg("Campaign dispatch stopped")
		}
	}()
}

func (d *Dispatcher) halt(id uint) {
	d.mu.Lock()
	if r, ok := d.running[id]; ok {
		r.halted = true
		r.cancel()
	}
	d.mu.Unlock()
}

// Running reports whether this process is dispatching the campaign
func (d *Dispatcher) Running(id uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.running[id]
	return ok && !r.halted
}

func (d *Dispatcher) dispatch(ctx context.Context, id uint) error {
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignSending {
		return nil
	}

	if !d.transport.IsAccountUsable(ctx, c.AccountID) {
		return d.fail(ctx, c, errors.Wrapf(automation.ErrChannelUnavailable, "account %d", c.AccountID))
	}
	targets, err := d.store.PendingTargets(ctx, id)
	if err != nil {
		return err
	}

	delay := DelayBetweenMessages(c.RateLimitPerMinute)
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	if c.LastSentAt != nil {
		// the previous run's last send holds the token, so a resumed or
		// recovered run still waits one interval after it
		limiter.ReserveN(*c.LastSentAt, 1)
	}
	log.Info().
		Uint("campaignID", id).
		Int("pending", len(targets)).
		Dur("delay", delay).
		Msg("Campaign dispatch started")

	for _, target := range targets {
		if err := limiter.Wait(ctx); err != nil {
			log.Info().Uint("campaignID", id).Msg("Campaign dispatch interrupted")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		// another process may have paused or stopped it
		current, err := d.store.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != models.CampaignSending {
			return nil
		}
		if err := d.sendOne(ctx, c, target); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	now := d.now()
	won, err := d.store.TransitionCampaign(context.Background(), id,
		[]models.CampaignStatus{models.CampaignSending}, models.CampaignCompleted,
		map[string]interface{}{"completed_at": now})
	if err != nil {
		return err
	}
	if won {
		log.Info().Uint("campaignID", id).Msg("Campaign completed")
		d.publishStatus(context.Background(), id)
	}
	return nil
}

// sendOne personalizes and sends one target, then persists its outcome and
// the counters. A provider failure is recorded, not returned.
func (d *Dispatcher) sendOne(ctx context.Context, c models.Campaign, target models.CampaignTarget) error {
	var (
		vars    map[string]interface{}
		contact automation.Contact
	)
	if c.PersonalizeMessages {
		vars = target.Variables
		contact = automation.Contact{Name: target.Name, Phone: target.Phone}
	}
	content := d.vars.Substitute(c.Content, vars, contact)

	// the send itself is never aborted mid-flight
	sendCtx := context.WithoutCancel(ctx)
	result, err := d.transport.SendMessage(sendCtx, automation.OutboundMessage{
		AccountID: c.AccountID,
		To:        target.Phone,
		Type:      c.MessageType,
		Content:   content,
		MediaURL:  c.MediaURL,
	})
	if err == nil && !result.Success {
		err = errors.Wrap(automation.ErrProviderSendFailed, result.Error)
	}

	now := d.now()
	fields := map[string]interface{}{"sent_at": now}
	delta := store.CounterDelta{SentAt: now}
	switch {
	case err != nil:
		fields["status"] = models.TargetFailed
		fields["error"] = err.Error()
		delta.Failed = 1
		log.Warn().Err(err).Uint("campaignID", c.ID).Str("to", target.Phone).Msg("Campaign message failed")
	case result.Delivered:
		fields["status"] = models.TargetDelivered
		fields["provider_message_id"] = result.ProviderMessageID
		delta.Sent, delta.Delivered = 1, 1
	default:
		fields["status"] = models.TargetSent
		fields["provider_message_id"] = result.ProviderMessageID
		delta.Sent = 1
	}

	if err := d.store.UpdateTarget(sendCtx, target.ID, fields); err != nil {
		return err
	}
	if err := d.store.IncrementCampaignCounters(sendCtx, c.ID, delta); err != nil {
		return err
	}
	if delta.Sent == 1 && target.ConversationID != nil {
		msg := models.Message{
			AccountID:         c.AccountID,
			ConversationID:    *target.ConversationID,
			ProviderMessageID: result.ProviderMessageID,
			Direction:         models.DirectionOutbound,
			Content:           content,
			Type:              c.MessageType,
			Status:            fields["status"].(string),
		}
		if err := d.store.CreateMessage(sendCtx, &msg); err != nil {
			log.Warn().Err(err).Uint("campaignID", c.ID).Msg("Failed to record campaign message")
		}
	}
	d.publishProgress(sendCtx, c.ID)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, c models.Campaign, cause error) error {
	won, err := d.store.TransitionCampaign(ctx, c.ID,
		[]models.CampaignStatus{models.CampaignSending}, models.CampaignFailed,
		map[string]interface{}{"error_message": cause.Error(), "completed_at": d.now()})
	if err != nil {
		return err
	}
	if won {
		log.Error().Err(cause).Uint("campaignID", c.ID).Msg("Campaign failed")
		d.publishStatus(ctx, c.ID)
	}
	return nil
}

// HandleStatus applies a provider receipt to the matching campaign target.
// Targets only move forward; unknown message ids are ignored.
func (d *Dispatcher) HandleStatus(ctx context.Context, providerMessageID, status string) error {
	target, err := d.store.GetTargetByProviderID(ctx, providerMessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var delta store.CounterDelta
	switch status {
	case models.TargetDelivered:
		won, err := d.store.AdvanceTargetStatus(ctx, target.ID, []string{models.TargetSent}, models.TargetDelivered)
		if err != nil {
			return err
		}
		if won {
			delta.Delivered = 1
		}
	case models.TargetRead:
		won, err := d.store.AdvanceTargetStatus(ctx, target.ID, []string{models.TargetSent}, models.TargetRead)
		if err != nil {
			return err
		}
		if won {
			delta.Delivered, delta.Read = 1, 1
			break
		}
		won, err = d.store.AdvanceTargetStatus(ctx, target.ID, []string{models.TargetDelivered}, models.TargetRead)
		if err != nil {
			return err
		}
		if won {
			delta.Read = 1
		}
	case models.TargetFailed:
		// counters stay monotonic; the target row keeps the late failure
		if _, err := d.store.AdvanceTargetStatus(ctx, target.ID, []string{models.TargetSent}, models.TargetFailed); err != nil {
			return err
		}
	default:
		return nil
	}

	if delta == (store.CounterDelta{}) {
		return nil
	}
	if err := d.store.IncrementCampaignCounters(ctx, target.CampaignID, delta); err != nil {
		return err
	}
	d.publishProgress(ctx, target.CampaignID)
	return nil
}

func (d *Dispatcher) publishProgress(ctx context.Context, id uint) {
	if d.events == nil {
		return
	}
	p, err := GetProgress(ctx, d.store, id)
	if err != nil {
		return
	}
	d.events.Publish("campaign_progress", p)
}

func (d *Dispatcher) publishStatus(ctx context.Context, id uint) {
	if d.events == nil {
		return
	}
	p, err := GetProgress(ctx, d.store, id)
	if err != nil {
		return
	}
	d.events.Publish("campaign_status", p)
}

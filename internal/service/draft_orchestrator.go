package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"bookingcoord/internal/backoff"
	"bookingcoord/internal/domain"
	"bookingcoord/internal/events"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/metrics"
	"bookingcoord/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Field names a draft field editable through UpdateField.
type Field string

const (
	FieldServiceCategory Field = "serviceCategory"
	FieldDate            Field = "date"
	FieldTimeSlot        Field = "timeSlot"
	FieldAddress         Field = "address"
	FieldDescription     Field = "description"
	FieldAttachments     Field = "attachments"
)

const persistTimeout = 2 * time.Second

// OrchestratorDeps are the collaborators of a DraftOrchestrator. Assistant,
// Outbox and Store are optional.
type OrchestratorDeps struct {
	Backend   domain.BookingBackend
	Publisher domain.Publisher
	Assistant domain.Assistant
	Outbox    domain.Outbox
	Store     domain.DraftStore
}

type OrchestratorOptions struct {
	Owner string
	// Token is forwarded to the backend on submit and assistant calls.
	Token        string
	SlotPolicy   backoff.Policy
	SubmitPolicy backoff.Policy
	ActionPolicy backoff.Policy
	DraftTTL     time.Duration
	Logger       *zerolog.Logger
}

// DraftView is an immutable snapshot of an orchestrator.
type DraftView struct {
	ID      string
	Draft   models.BookingDraft
	Step    int
	Phase   models.DraftPhase
	Slots   models.SlotSet
	Booking *models.BookingRecord
	Err     error
}

// DraftOrchestrator drives one booking draft from the first step to submission.
type DraftOrchestrator struct {
	deps   OrchestratorDeps
	opts   OrchestratorOptions
	logger *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	changes chan struct{}

	mu         sync.Mutex
	id         string
	draft      models.BookingDraft
	step       int
	phase      models.DraftPhase
	slots      models.SlotSet
	slotGen    uint64
	slotCancel context.CancelFunc
	booking    *models.BookingRecord
	err        error
	closed     bool
}

func NewDraftOrchestrator(deps OrchestratorDeps, opts OrchestratorOptions) *DraftOrchestrator {
	return newOrchestrator(deps, opts, uuid.NewString())
}

func newOrchestrator(deps OrchestratorDeps, opts OrchestratorOptions, id string) *DraftOrchestrator {
	logger := logging.Component(opts.Logger, "draft")
	scoped := logger.With().Str("draft_id", id).Logger()

	opts.SlotPolicy = instrument(defaultPolicy(opts.SlotPolicy, 3, time.Second), "slots", &scoped)
	opts.SubmitPolicy = instrument(defaultPolicy(opts.SubmitPolicy, 3, time.Second), "submit", &scoped)
	opts.ActionPolicy = instrument(defaultPolicy(opts.ActionPolicy, 3, 500*time.Millisecond), "assistant", &scoped)
	if opts.DraftTTL <= 0 {
		opts.DraftTTL = 24 * time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DraftOrchestrator{
		deps:    deps,
		opts:    opts,
		logger:  &scoped,
		ctx:     ctx,
		cancel:  cancel,
		changes: make(chan struct{}, 1),
		id:      id,
		step:    models.FirstStep,
		phase:   models.PhaseDrafting,
	}
}

// ResumeDraft restores a persisted draft.
func ResumeDraft(ctx context.Context, deps OrchestratorDeps, opts OrchestratorOptions, id string) (*DraftOrchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: no draft store configured", models.ErrInvalidState)
	}
	snap, err := deps.Store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Phase == models.PhaseSubmitted {
		return nil, fmt.Errorf("%w: draft %s was already submitted", models.ErrInvalidState, id)
	}

	o := newOrchestrator(deps, opts, snap.ID)
	o.mu.Lock()
	o.draft = snap.Draft.Clone()
	o.step = clampStep(snap.Step)
	o.phase = snap.Phase
	if o.phase == models.PhaseSubmitting {
		// the process died mid-submit; the outcome is unknown
		o.phase = models.PhaseDrafting
	}
	if opts.Owner == "" {
		o.opts.Owner = snap.Owner
	}
	o.slots = models.SlotSet{State: models.SlotsUnknown, Query: o.draft.SlotQuery()}
	o.launchSlotQueryLocked()
	o.mu.Unlock()

	o.logger.Info().Int("step", snap.Step).Msg("draft resumed")
	return o, nil
}

func (o *DraftOrchestrator) ID() string {
	return o.id
}

// Changes signals after every state change. Signals are coalesced.
func (o *DraftOrchestrator) Changes() <-chan struct{} {
	return o.changes
}

func (o *DraftOrchestrator) notify() {
	select {
	case o.changes <- struct{}{}:
	default:
	}
}

func (o *DraftOrchestrator) View() DraftView {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := DraftView{
		ID:    o.id,
		Draft: o.draft.Clone(),
		Step:  o.step,
		Phase: o.phase,
		Slots: o.slots,
		Err:   o.err,
	}
	v.Slots.Slots = slices.Clone(o.slots.Slots)
	if o.booking != nil {
		rec := *o.booking
		v.Booking = &rec
	}
	return v
}

// UpdateField replaces one field of the draft. Changing the category or the
// date invalidates the chosen slot and starts a new availability query.
func (o *DraftOrchestrator) UpdateField(field Field, value any) error {
	o.mu.Lock()
	if err := o.editableLocked(); err != nil {
		o.mu.Unlock()
		return err
	}

	next := o.draft.Clone()
	if err := o.applyLocked(&next, field, value); err != nil {
		o.mu.Unlock()
		return err
	}

	queryChanged := next.SlotQuery() != o.draft.SlotQuery()
	if queryChanged {
		next.TimeSlot = ""
	}
	o.draft = next
	if o.phase == models.PhaseFailed {
		o.phase = models.PhaseDrafting
		o.err = nil
	}
	if queryChanged {
		o.slots = models.SlotSet{State: models.SlotsUnknown, Query: next.SlotQuery()}
		o.launchSlotQueryLocked()
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.notify()
	o.persist(snap)
	return nil
}

func (o *DraftOrchestrator) editableLocked() error {
	if o.closed {
		return fmt.Errorf("%w: draft is closed", models.ErrInvalidState)
	}
	if o.phase != models.PhaseDrafting && o.phase != models.PhaseFailed {
		return fmt.Errorf("%w: cannot edit while %s", models.ErrInvalidState, o.phase)
	}
	return nil
}

func (o *DraftOrchestrator) applyLocked(d *models.BookingDraft, field Field, value any) error {
	switch field {
	case FieldServiceCategory:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		d.ServiceCategory = strings.TrimSpace(s)
	case FieldDate:
		switch v := value.(type) {
		case time.Time:
			d.Date = models.NormalizeDate(v)
		case string:
			if strings.TrimSpace(v) == "" {
				d.Date = time.Time{}
				return nil
			}
			t, err := models.ParseDate(v)
			if err != nil {
				return err
			}
			d.Date = t
		default:
			return fmt.Errorf("%w: %s must be a date, got %T", models.ErrValidation, field, value)
		}
	case FieldTimeSlot:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s != "" && o.slots.State == models.SlotsKnown && !o.slots.Contains(s) {
			return fmt.Errorf("%w: slot %q is not available", models.ErrValidation, s)
		}
		d.TimeSlot = s
	case FieldAddress:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		d.Address = s
	case FieldDescription:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		d.Description = s
	case FieldAttachments:
		refs, ok := value.([]string)
		if !ok {
			return fmt.Errorf("%w: %s must be a list of references, got %T", models.ErrValidation, field, value)
		}
		d.Attachments = slices.Clone(refs)
	default:
		return fmt.Errorf("%w: unknown field %q", models.ErrValidation, field)
	}
	return nil
}

func asString(field Field, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", models.ErrValidation, field, value)
	}
	return s, nil
}

// RefreshSlots re-runs the availability query for the current draft.
func (o *DraftOrchestrator) RefreshSlots() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.editableLocked(); err != nil {
		return err
	}
	if !o.draft.SlotQuery().Ready() {
		return fmt.Errorf("%w: service category and date are required", models.ErrValidation)
	}
	o.slots = models.SlotSet{State: models.SlotsUnknown, Query: o.draft.SlotQuery()}
	o.launchSlotQueryLocked()
	return nil
}

// launchSlotQueryLocked starts a query for o.slots.Query. Results of older
// queries are discarded.
func (o *DraftOrchestrator) launchSlotQueryLocked() {
	o.slotGen++
	if o.slotCancel != nil {
		o.slotCancel()
		o.slotCancel = nil
	}
	q := o.slots.Query
	if !q.Ready() {
		return
	}

	gen := o.slotGen
	ctx, cancel := context.WithCancel(o.ctx)
	o.slotCancel = cancel
	o.slots.State = models.SlotsLoading

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()

		slots, err := backoff.Execute(ctx, o.opts.SlotPolicy, func(ctx context.Context) ([]string, error) {
			return o.deps.Backend.GetAvailableSlots(ctx, q.ServiceCategory, q.Date)
		})

		o.mu.Lock()
		if o.closed || gen != o.slotGen {
			o.mu.Unlock()
			return
		}
		o.slotCancel = nil
		var snap *models.DraftSnapshot
		if err != nil {
			if errors.Is(err, backoff.ErrExhausted) {
				metrics.IncExhausted("slots")
			}
			o.slots = models.SlotSet{State: models.SlotsFailed, Query: q, Err: err}
			o.logger.Error().Err(err).Str("query", q.String()).Msg("slot query failed")
		} else {
			o.slots = models.SlotSet{State: models.SlotsKnown, Query: q, Slots: slices.Clone(slots)}
			// a slot picked before availability was known must be in the set
			chosen := o.draft.TimeSlot
			if chosen != "" && !o.slots.Contains(chosen) && o.editableLocked() == nil {
				o.draft.TimeSlot = ""
				snap = o.snapshotLocked()
				o.logger.Info().Str("slot", chosen).Str("query", q.String()).Msg("chosen slot not available, cleared")
			}
		}
		o.mu.Unlock()
		o.notify()
		if snap != nil {
			o.persist(snap)
		}
	}()
}

func clampStep(step int) int {
	return min(max(step, models.FirstStep), models.ReviewStep)
}

func (o *DraftOrchestrator) NextStep() (int, error) {
	return o.moveStep(1)
}

func (o *DraftOrchestrator) PrevStep() (int, error) {
	return o.moveStep(-1)
}

func (o *DraftOrchestrator) moveStep(delta int) (int, error) {
	o.mu.Lock()
	if o.closed || o.phase != models.PhaseDrafting {
		step := o.step
		o.mu.Unlock()
		return step, fmt.Errorf("%w: cannot change step while %s", models.ErrInvalidState, o.phase)
	}
	o.step = clampStep(o.step + delta)
	step := o.step
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.notify()
	o.persist(snap)
	return step, nil
}

// Submit sends the draft to the backend. It is allowed from step 3 onwards
// and again after a failed submission. If ctx is cancelled before the backend
// answers, the outcome is ignored and the draft returns to editing.
func (o *DraftOrchestrator) Submit(ctx context.Context) (models.BookingRecord, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return models.BookingRecord{}, fmt.Errorf("%w: draft is closed", models.ErrInvalidState)
	}
	switch {
	case o.phase == models.PhaseFailed:
	case o.phase == models.PhaseDrafting && o.step >= models.SubmitStep:
	default:
		phase, step := o.phase, o.step
		o.mu.Unlock()
		return models.BookingRecord{}, fmt.Errorf("%w: cannot submit while %s at step %d", models.ErrInvalidState, phase, step)
	}
	o.phase = models.PhaseSubmitting
	o.err = nil
	draft := o.draft.Clone()
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.notify()
	o.persist(snap)

	submitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()

	rec, err := backoff.Execute(submitCtx, o.opts.SubmitPolicy, func(ctx context.Context) (models.BookingRecord, error) {
		return o.deps.Backend.CreateBooking(ctx, draft, o.opts.Token)
	})

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return models.BookingRecord{}, fmt.Errorf("%w: draft closed during submit", models.ErrInvalidState)
	}
	if ctx.Err() != nil {
		o.phase = models.PhaseDrafting
		snap = o.snapshotLocked()
		o.mu.Unlock()
		metrics.IncSubmission("abandoned")
		o.logger.Info().Msg("submit abandoned by caller")
		o.notify()
		o.persist(snap)
		return models.BookingRecord{}, ctx.Err()
	}
	if err != nil {
		o.phase = models.PhaseFailed
		o.err = err
		snap = o.snapshotLocked()
		o.mu.Unlock()
		if errors.Is(err, backoff.ErrExhausted) {
			metrics.IncExhausted("submit")
		}
		metrics.IncSubmission("failed")
		o.logger.Error().Err(err).Msg("submit failed")
		o.notify()
		o.persist(snap)
		return models.BookingRecord{}, err
	}
	o.phase = models.PhaseSubmitted
	o.booking = &rec
	o.mu.Unlock()

	metrics.IncSubmission("submitted")
	o.logger.Info().Str("booking_id", rec.ID).Msg("booking submitted")
	o.notify()
	o.announce(rec)
	o.forget()
	return rec, nil
}

// announce broadcasts the new booking, parking it in the outbox when the
// real-time link is down and an outbox is configured.
func (o *DraftOrchestrator) announce(rec models.BookingRecord) {
	ev := events.BookingNew{Booking: rec}
	if o.deps.Publisher != nil {
		if _, ok := o.deps.Publisher.Publish(ev); ok {
			return
		}
	}
	if o.deps.Outbox == nil {
		o.logger.Warn().Str("booking_id", rec.ID).Msg("booking announcement dropped: real-time link down")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.deps.Outbox.Enqueue(ctx, ev); err != nil {
		o.logger.Error().Err(err).Str("booking_id", rec.ID).Msg("queue booking announcement")
	}
}

// AskAssistant forwards a question about the booking to the assistant.
func (o *DraftOrchestrator) AskAssistant(ctx context.Context, question string) (string, error) {
	if o.deps.Assistant == nil {
		return "", fmt.Errorf("%w: assistant not configured", models.ErrInvalidState)
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("%w: question is empty", models.ErrValidation)
	}
	return backoff.Execute(ctx, o.opts.ActionPolicy, func(ctx context.Context) (string, error) {
		return o.deps.Assistant.Ask(ctx, question, o.opts.Token)
	})
}

// Cancel discards the draft and stops all background work.
func (o *DraftOrchestrator) Cancel() {
	if o.teardown() {
		o.forget()
		o.logger.Info().Msg("draft cancelled")
	}
}

// Close stops all background work and keeps the persisted draft for ResumeDraft.
func (o *DraftOrchestrator) Close() {
	o.teardown()
}

func (o *DraftOrchestrator) teardown() bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.closed = true
	o.slotGen++
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.notify()
	return true
}

func (o *DraftOrchestrator) snapshotLocked() *models.DraftSnapshot {
	snap := &models.DraftSnapshot{
		ID:        o.id,
		Owner:     o.opts.Owner,
		Draft:     o.draft.Clone(),
		Step:      o.step,
		Phase:     o.phase,
		UpdatedAt: time.Now().UTC(),
	}
	if o.booking != nil {
		snap.BookingID = o.booking.ID
	}
	return snap
}

func (o *DraftOrchestrator) persist(snap *models.DraftSnapshot) {
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.deps.Store.SaveDraft(ctx, snap, o.opts.DraftTTL); err != nil {
		o.logger.Warn().Err(err).Msg("persist draft")
	}
}

func (o *DraftOrchestrator) forget() {
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.deps.Store.DeleteDraft(ctx, o.id); err != nil {
		o.logger.Warn().Err(err).Msg("delete draft")
	}
}

package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// BookingDraft holds the requester's in-progress booking form.
// Values are replaced wholesale on every edit; use Clone before mutating.
type BookingDraft struct {
	ServiceCategory string    `json:"serviceCategory"`
	Date            time.Time `json:"date"`
	TimeSlot        string    `json:"timeSlot,omitempty"`
	Address         string    `json:"address"`
	Description     string    `json:"description"`
	Attachments     []string  `json:"attachments,omitempty"`
}

// Clone returns a deep copy of the draft.
func (d BookingDraft) Clone() BookingDraft {
	d.Attachments = slices.Clone(d.Attachments)
	return d
}

// SlotQuery returns the availability query implied by the draft.
func (d BookingDraft) SlotQuery() SlotQuery {
	return SlotQuery{ServiceCategory: d.ServiceCategory, Date: d.Date}
}

// NormalizeDate truncates t to a UTC calendar date.
func NormalizeDate(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q; expected YYYY-MM-DD", ErrValidation, raw)
	}
	return t, nil
}

// SlotQuery identifies one availability lookup.
type SlotQuery struct {
	ServiceCategory string    `json:"serviceCategory"`
	Date            time.Time `json:"date"`
}

// Ready reports whether both query inputs are present.
func (q SlotQuery) Ready() bool {
	return strings.TrimSpace(q.ServiceCategory) != "" && !q.Date.IsZero()
}

func (q SlotQuery) String() string {
	if q.Date.IsZero() {
		return q.ServiceCategory + "@-"
	}
	return q.ServiceCategory + "@" + q.Date.Format(DateLayout)
}

// SlotState distinguishes "no availability" from "availability not known".
type SlotState int

const (
	SlotsUnknown SlotState = iota
	SlotsLoading
	SlotsKnown
	SlotsFailed
)

func (s SlotState) String() string {
	switch s {
	case SlotsLoading:
		return "loading"
	case SlotsKnown:
		return "known"
	case SlotsFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SlotSet is the availability for one query. Slots keep server order and are
// only meaningful when State is SlotsKnown; an empty known set means no availability.
type SlotSet struct {
	State SlotState `json:"state"`
	Query SlotQuery `json:"query"`
	Slots []string  `json:"slots,omitempty"`
	Err   error     `json:"-"`
}

// Contains reports whether slot is part of a known set.
func (s SlotSet) Contains(slot string) bool {
	return s.State == SlotsKnown && slices.Contains(s.Slots, slot)
}

// DraftPhase is the orchestrator lifecycle phase.
type DraftPhase string

const (
	PhaseDrafting   DraftPhase = "drafting"
	PhaseSubmitting DraftPhase = "submitting"
	PhaseSubmitted  DraftPhase = "submitted"
	PhaseFailed     DraftPhase = "failed"
)

const (
	FirstStep  = 1
	ReviewStep = 4
	// SubmitStep is the earliest step from which a draft may be submitted.
	SubmitStep = 3
)

// DraftSnapshot is the persisted form of an orchestrator's state.
type DraftSnapshot struct {
	ID        string       `json:"id"`
	Owner     string       `json:"owner"`
	Draft     BookingDraft `json:"draft"`
	Step      int          `json:"step"`
	Phase     DraftPhase   `json:"phase"`
	BookingID string       `json:"bookingId,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

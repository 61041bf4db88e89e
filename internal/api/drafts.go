package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"bookingcoord/internal/backoff"
	"bookingcoord/internal/metrics"
	"bookingcoord/internal/models"
	"bookingcoord/internal/service"
)

// Drafts manages booking drafts on behalf of HTTP callers.
type Drafts interface {
	Start(owner, token string) (*service.DraftOrchestrator, error)
	Get(ctx context.Context, id, token string) (*service.DraftOrchestrator, error)
	Discard(ctx context.Context, id, token string) error
	Finish(id string)
}

type slotsResponse struct {
	State string   `json:"state"`
	Query string   `json:"query"`
	Slots []string `json:"slots"`
	Error string   `json:"error,omitempty"`
}

type draftResponse struct {
	ID      string                `json:"id"`
	Draft   models.BookingDraft   `json:"draft"`
	Step    int                   `json:"step"`
	Phase   models.DraftPhase     `json:"phase"`
	Slots   slotsResponse         `json:"slots"`
	Booking *models.BookingRecord `json:"booking,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func newDraftResponse(v service.DraftView) draftResponse {
	resp := draftResponse{
		ID:      v.ID,
		Draft:   v.Draft,
		Step:    v.Step,
		Phase:   v.Phase,
		Booking: v.Booking,
		Slots: slotsResponse{
			State: v.Slots.State.String(),
			Query: v.Slots.Query.String(),
			Slots: v.Slots.Slots,
		},
	}
	if resp.Slots.Slots == nil {
		resp.Slots.Slots = []string{}
	}
	if v.Slots.Err != nil {
		resp.Slots.Error = v.Slots.Err.Error()
	}
	if v.Err != nil {
		resp.Error = v.Err.Error()
	}
	return resp
}

// bearerToken returns the caller's backend token, if any.
func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *HTTPServer) handleDrafts(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("drafts")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Owner string `json:"owner"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	o, err := s.drafts.Start(body.Owner, bearerToken(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDraftResponse(o.View()))
}

// handleDraft serves /api/v1/drafts/{id} and its actions.
func (s *HTTPServer) handleDraft(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("draft")

	const prefix = "/api/v1/drafts/"
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	token := bearerToken(r)
	if action == "" && r.Method == http.MethodDelete {
		if err := s.drafts.Discard(r.Context(), id, token); err != nil {
			s.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	o, err := s.drafts.Get(r.Context(), id, token)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, newDraftResponse(o.View()))
	case action == "" && r.Method == http.MethodPatch:
		s.updateDraft(w, r, o)
	case action == "next" && r.Method == http.MethodPost:
		s.moveDraft(w, o, o.NextStep)
	case action == "prev" && r.Method == http.MethodPost:
		s.moveDraft(w, o, o.PrevStep)
	case action == "slots" && r.Method == http.MethodPost:
		if err := o.RefreshSlots(); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, newDraftResponse(o.View()))
	case action == "submit" && r.Method == http.MethodPost:
		s.submitDraft(w, r, o)
	case action == "ask" && r.Method == http.MethodPost:
		s.askAssistant(w, r, o)
	case action == "" || action == "next" || action == "prev" || action == "slots" || action == "submit" || action == "ask":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// updateDraft applies {"field": ..., "value": ...}. Attachments take a list
// of references, the date takes YYYY-MM-DD, every other field a string.
func (s *HTTPServer) updateDraft(w http.ResponseWriter, r *http.Request, o *service.DraftOrchestrator) {
	var body struct {
		Field string          `json:"field"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	field := service.Field(body.Field)
	var value any
	if field == service.FieldAttachments {
		var refs []string
		if err := json.Unmarshal(body.Value, &refs); err != nil {
			writeError(w, http.StatusBadRequest, "attachments must be a list of strings")
			return
		}
		value = refs
	} else {
		var str string
		if err := json.Unmarshal(body.Value, &str); err != nil {
			writeError(w, http.StatusBadRequest, "value must be a string")
			return
		}
		value = str
	}

	if err := o.UpdateField(field, value); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDraftResponse(o.View()))
}

func (s *HTTPServer) moveDraft(w http.ResponseWriter, o *service.DraftOrchestrator, move func() (int, error)) {
	if _, err := move(); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDraftResponse(o.View()))
}

func (s *HTTPServer) submitDraft(w http.ResponseWriter, r *http.Request, o *service.DraftOrchestrator) {
	rec, err := o.Submit(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.drafts.Finish(o.ID())
	// our own booking:new is not echoed back, so the board is told directly
	if err := s.board.Track(rec); err != nil {
		s.logger.Warn().Err(err).Str("booking_id", rec.ID).Msg("track submitted booking")
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *HTTPServer) askAssistant(w http.ResponseWriter, r *http.Request, o *service.DraftOrchestrator) {
	var body struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	answer, err := o.AskAssistant(ctx, body.Question)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, backoff.ErrExhausted), errors.Is(err, models.ErrTransient):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("draft request failed")
	}
	writeError(w, status, err.Error())
}

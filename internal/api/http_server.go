package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bookingcoord/internal/config"
	"bookingcoord/internal/dispatch"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/metrics"
	"bookingcoord/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Board is the read side of the dispatch board.
type Board interface {
	Snapshot() []dispatch.Entry
	Get(id string) (dispatch.Entry, bool)
	Track(rec models.BookingRecord) error
}

// ConnectionState reports the real-time link state.
type ConnectionState interface {
	State() models.ConnectionState
}

// HTTPServer exposes health, readiness, the dispatch board, booking drafts
// and metrics.
type HTTPServer struct {
	cfg    config.APIConfig
	board  Board
	conn   ConnectionState
	drafts Drafts
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

// NewHTTPServer builds the server. drafts may be nil, in which case the
// draft endpoints are not served.
func NewHTTPServer(cfg config.APIConfig, board Board, conn ConnectionState, drafts Drafts, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:    cfg,
		board:  board,
		conn:   conn,
		drafts: drafts,
		auth:   NewHTTPAuth(cfg),
		logger: logging.Component(logger, "http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/readyz", srv.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("/api/v1/bookings", srv.handleBookings)
	protected.HandleFunc("/api/v1/bookings/", srv.handleBooking)
	if drafts != nil {
		protected.HandleFunc("/api/v1/drafts", srv.handleDrafts)
		protected.HandleFunc("/api/v1/drafts/", srv.handleDraft)
	}
	mux.Handle("/api/", srv.auth.Wrap(protected))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	return srv
}

// Handler returns the root handler, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("healthz")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 503 while the real-time link is down.
func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("readyz")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	state := s.conn.State()
	resp := map[string]any{
		"connected": state.Connected,
		"attempts":  state.Attempts,
		"session":   state.Session,
	}
	if !state.Connected {
		resp["status"] = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["status"] = "ready"
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleBookings(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("bookings")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries := s.board.Snapshot()
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		want, err := models.ParseStatus(status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := entries[:0]
		for _, e := range entries {
			if e.Status == want {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{"bookings": entries, "count": len(entries)})
}

func (s *HTTPServer) handleBooking(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("booking")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/bookings/"
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, prefix))
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "booking id is required")
		return
	}

	entry, ok := s.board.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "booking not tracked")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

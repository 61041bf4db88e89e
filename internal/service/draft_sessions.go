package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"bookingcoord/internal/logging"
	"bookingcoord/internal/models"

	"github.com/rs/zerolog"
)

// DraftSessions keeps the live orchestrators of a process. Drafts that are
// not live are resumed from the store on first access.
type DraftSessions struct {
	deps   OrchestratorDeps
	opts   OrchestratorOptions
	logger *zerolog.Logger

	mu     sync.Mutex
	live   map[string]*DraftOrchestrator
	closed bool
}

func NewDraftSessions(deps OrchestratorDeps, opts OrchestratorOptions) *DraftSessions {
	return &DraftSessions{
		deps:   deps,
		opts:   opts,
		logger: logging.Component(opts.Logger, "draft-sessions"),
		live:   make(map[string]*DraftOrchestrator),
	}
}

func (s *DraftSessions) options(owner, token string) OrchestratorOptions {
	opts := s.opts
	if owner != "" {
		opts.Owner = owner
	}
	if token != "" {
		opts.Token = token
	}
	return opts
}

// Start opens a new draft for owner. token is forwarded to the backend.
func (s *DraftSessions) Start(owner, token string) (*DraftOrchestrator, error) {
	o := NewDraftOrchestrator(s.deps, s.options(strings.TrimSpace(owner), token))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		o.Close()
		return nil, fmt.Errorf("%w: draft sessions closed", models.ErrInvalidState)
	}
	s.live[o.ID()] = o
	s.mu.Unlock()

	s.logger.Info().Str("draft_id", o.ID()).Str("owner", owner).Msg("draft started")
	return o, nil
}

// Get returns the live orchestrator for id, resuming it from the store when
// it is not live in this process.
func (s *DraftSessions) Get(ctx context.Context, id, token string) (*DraftOrchestrator, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: draft id is required", models.ErrValidation)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: draft sessions closed", models.ErrInvalidState)
	}
	if o, ok := s.live[id]; ok {
		s.mu.Unlock()
		return o, nil
	}
	s.mu.Unlock()

	resumed, err := ResumeDraft(ctx, s.deps, s.options("", token), id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.live[id]; ok || s.closed {
		resumed.Close()
		if !ok {
			return nil, fmt.Errorf("%w: draft sessions closed", models.ErrInvalidState)
		}
		return existing, nil
	}
	s.live[id] = resumed
	return resumed, nil
}

// Discard cancels the draft and deletes its snapshot.
func (s *DraftSessions) Discard(ctx context.Context, id, token string) error {
	o, err := s.Get(ctx, id, token)
	if err != nil {
		return err
	}
	s.remove(o)
	o.Cancel()
	return nil
}

// Finish releases a submitted draft from memory.
func (s *DraftSessions) Finish(id string) {
	s.mu.Lock()
	o, ok := s.live[id]
	if ok {
		delete(s.live, id)
	}
	s.mu.Unlock()
	if ok {
		o.Close()
	}
}

func (s *DraftSessions) remove(o *DraftOrchestrator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[o.ID()] == o {
		delete(s.live, o.ID())
	}
}

// Len is the number of live drafts.
func (s *DraftSessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close stops every live draft. Persisted snapshots are kept for later resumption.
func (s *DraftSessions) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	live := s.live
	s.live = make(map[string]*DraftOrchestrator)
	s.mu.Unlock()

	for _, o := range live {
		o.Close()
	}
	s.logger.Info().Int("drafts", len(live)).Msg("draft sessions closed")
}

package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"bookingcoord/internal/domain"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverDraftStore writes to primary until it fails, then serves from
// fallback and retries primary once per recoveryInterval.
type FailoverDraftStore struct {
	primary   domain.DraftStore
	fallback  domain.DraftStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverDraftStore(primary, fallback domain.DraftStore, logger *zerolog.Logger) *FailoverDraftStore {
	return &FailoverDraftStore{
		primary:  primary,
		fallback: fallback,
		logger:   logging.Component(logger, "drafts"),
	}
}

func (r *FailoverDraftStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("primary draft store failed, falling back to memory")
	}
	r.lastCheck.Store(time.Now().UnixNano())
}

// usePrimary reports whether the next call should go to primary.
func (r *FailoverDraftStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return time.Since(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverDraftStore) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("primary draft store recovered")
	}
}

func (r *FailoverDraftStore) GetDraft(ctx context.Context, id string) (*models.DraftSnapshot, error) {
	if r.usePrimary() {
		snap, err := r.primary.GetDraft(ctx, id)
		if err == nil || errors.Is(err, models.ErrNotFound) {
			r.recovered()
			if err == nil {
				return snap, nil
			}
			// drafts written during an outage live only in the fallback
			return r.fallback.GetDraft(ctx, id)
		}
		r.markDown(err)
	}
	return r.fallback.GetDraft(ctx, id)
}

func (r *FailoverDraftStore) SaveDraft(ctx context.Context, snap *models.DraftSnapshot, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.SaveDraft(ctx, snap, ttl)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.SaveDraft(ctx, snap, ttl)
}

func (r *FailoverDraftStore) DeleteDraft(ctx context.Context, id string) error {
	// removed from both stores; a recovered primary must not return a discarded draft
	fallbackErr := r.fallback.DeleteDraft(ctx, id)
	if r.usePrimary() {
		err := r.primary.DeleteDraft(ctx, id)
		if err == nil {
			r.recovered()
			return fallbackErr
		}
		r.markDown(err)
	}
	return fallbackErr
}

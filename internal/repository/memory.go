package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookingcoord/internal/models"
)

type memoryEntry struct {
	snap      models.DraftSnapshot
	expiresAt time.Time
}

// MemoryDraftStore is the in-process fallback for draft snapshots.
type MemoryDraftStore struct {
	drafts sync.Map
	now    func() time.Time
}

func NewMemoryDraftStore() *MemoryDraftStore {
	return &MemoryDraftStore{now: time.Now}
}

func (r *MemoryDraftStore) GetDraft(_ context.Context, id string) (*models.DraftSnapshot, error) {
	val, ok := r.drafts.Load(id)
	if !ok {
		return nil, fmt.Errorf("draft %s: %w", id, models.ErrNotFound)
	}
	entry := val.(memoryEntry)
	if !entry.expiresAt.IsZero() && r.now().After(entry.expiresAt) {
		r.drafts.CompareAndDelete(id, val)
		return nil, fmt.Errorf("draft %s: %w", id, models.ErrNotFound)
	}
	snap := entry.snap
	snap.Draft = snap.Draft.Clone()
	return &snap, nil
}

func (r *MemoryDraftStore) SaveDraft(_ context.Context, snap *models.DraftSnapshot, ttl time.Duration) error {
	entry := memoryEntry{snap: *snap}
	entry.snap.Draft = snap.Draft.Clone()
	if ttl > 0 {
		entry.expiresAt = r.now().Add(ttl)
	}
	r.drafts.Store(snap.ID, entry)
	return nil
}

func (r *MemoryDraftStore) DeleteDraft(_ context.Context, id string) error {
	r.drafts.Delete(id)
	return nil
}

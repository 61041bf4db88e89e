package repository

import (
	"context"
	"testing"
	"time"

	"bookingcoord/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDraftStore(t *testing.T) {
	repo := NewMemoryDraftStore()
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	t.Run("SaveAndGet", func(t *testing.T) {
		snap := sampleSnapshot("d1")
		require.NoError(t, repo.SaveDraft(ctx, snap, time.Hour))

		got, err := repo.GetDraft(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, snap, got)
	})

	t.Run("StoredCopyIsIsolated", func(t *testing.T) {
		snap := sampleSnapshot("d2")
		require.NoError(t, repo.SaveDraft(ctx, snap, 0))
		snap.Draft.Attachments[0] = "mutated"

		got, err := repo.GetDraft(ctx, "d2")
		require.NoError(t, err)
		assert.Equal(t, []string{"blob://a"}, got.Draft.Attachments)
	})

	t.Run("Expires", func(t *testing.T) {
		require.NoError(t, repo.SaveDraft(ctx, sampleSnapshot("d3"), time.Minute))
		now = now.Add(2 * time.Minute)

		_, err := repo.GetDraft(ctx, "d3")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.SaveDraft(ctx, sampleSnapshot("d4"), 0))
		require.NoError(t, repo.DeleteDraft(ctx, "d4"))

		_, err := repo.GetDraft(ctx, "d4")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

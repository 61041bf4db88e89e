package service

import (
	"fmt"
	"sync"
	"testing"

	"bookingcoord/internal/events"
	"bookingcoord/internal/models"
	"bookingcoord/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectionIgnoresOtherBookings(t *testing.T) {
	link := newFakeLink(true)
	registry := realtime.NewRegistry(link, nil)
	defer registry.Close()

	a, err := AttachProjection(registry, "bk-a", models.StatusPending)
	require.NoError(t, err)
	defer a.Detach()
	b, err := AttachProjection(registry, "bk-b", models.StatusPending)
	require.NoError(t, err)
	defer b.Detach()

	link.deliver("bk-a", models.StatusAccepted)

	assert.Equal(t, models.StatusAccepted, a.Current())
	assert.Equal(t, models.StatusPending, b.Current())
	assert.Empty(t, b.History())
}

func TestProjectionRecordsOnlyReceivedEvents(t *testing.T) {
	link := newFakeLink(true)
	registry := realtime.NewRegistry(link, nil)
	defer registry.Close()

	p, err := AttachProjection(registry, "bk-1", "")
	require.NoError(t, err)
	defer p.Detach()
	assert.Equal(t, models.StatusPending, p.Current())

	// accepted and in_progress were missed; nothing is filled in
	link.deliver("bk-1", models.StatusCompleted)

	history := p.History()
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusCompleted, history[0].Status)
	assert.Equal(t, models.StatusCompleted, p.Current())
}

func TestProjectionUpdatesAndDetach(t *testing.T) {
	link := newFakeLink(true)
	registry := realtime.NewRegistry(link, nil)
	defer registry.Close()

	p, err := AttachProjection(registry, "bk-1", models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, registry.Count("bk-1"))
	assert.Contains(t, link.sent(), events.Event(events.JoinBookingRoom{BookingID: "bk-1"}))

	link.deliver("bk-1", models.StatusAccepted)
	ev := <-p.Updates()
	assert.Equal(t, models.StatusAccepted, ev.Status)

	p.Detach()
	p.Detach()
	assert.Equal(t, 0, registry.Count("bk-1"))
	assert.Contains(t, link.sent(), events.Event(events.LeaveBookingRoom{BookingID: "bk-1"}))

	_, open := <-p.Updates()
	assert.False(t, open)

	link.deliver("bk-1", models.StatusCompleted)
	assert.Equal(t, models.StatusAccepted, p.Current())
}

func TestProjectionValidation(t *testing.T) {
	registry := realtime.NewRegistry(newFakeLink(true), nil)
	defer registry.Close()

	_, err := AttachProjection(registry, " ", models.StatusPending)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = AttachProjection(registry, "bk-1", models.Status("lost"))
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, 0, registry.Count("bk-1"))
}

func TestProjectionConcurrentAttachDetach(t *testing.T) {
	link := newFakeLink(true)
	registry := realtime.NewRegistry(link, nil)
	defer registry.Close()

	stable, err := AttachProjection(registry, "bk-stable", models.StatusPending)
	require.NoError(t, err)
	defer stable.Detach()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("bk-%d", i%4)
			p, err := AttachProjection(registry, id, models.StatusPending)
			if !assert.NoError(t, err) {
				return
			}
			link.deliver(id, models.StatusAccepted)
			p.Detach()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, models.StatusPending, stable.Current())
	assert.Empty(t, stable.History())
	assert.Equal(t, 1, registry.Count("bk-stable"))
	for i := 0; i < 4; i++ {
		assert.Equal(t, 0, registry.Count(fmt.Sprintf("bk-%d", i)))
	}

	link.deliver("bk-stable", models.StatusAccepted)
	assert.Equal(t, models.StatusAccepted, stable.Current())
}

package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoller(t *testing.T, bus *Bus, store EventStore) *Poller {
	t.Helper()
	poller, err := NewPoller(PollerOptions{Store: store, Bus: bus})
	require.NoError(t, err)
	return poller
}

func TestPollerCompletesDeliveredEvents(t *testing.T) {
	bus, store := newTestBus(t, nil)
	rec := &eventRecorder{}
	require.NoError(t, bus.Subscribe(EventFormSubmitted, rec.handler))

	event := testEvent("F1")
	require.NoError(t, store.Append(context.Background(), event))

	poller := newTestPoller(t, bus, store)
	poller.Poll(context.Background())

	assert.Equal(t, 1, rec.count())
	stored, err := store.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeCompleted, stored.Mode)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestPollerRecordsHandlerFailures(t *testing.T) {
	bus, store := newTestBus(t, nil)
	require.NoError(t, bus.Subscribe("*", func(ctx context.Context, e *Event) error {
		return assert.AnError
	}))

	event := testEvent("F1")
	require.NoError(t, store.Append(context.Background(), event))

	poller := newTestPoller(t, bus, store)
	poller.Poll(context.Background())

	stored, err := store.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, ModePoll, stored.Mode)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Contains(t, stored.LastError, assert.AnError.Error())
}

func TestPollerMarksEventFailedAfterMaxRetries(t *testing.T) {
	bus, store := newTestBus(t, nil)
	require.NoError(t, bus.Subscribe("*", func(ctx context.Context, e *Event) error {
		return assert.AnError
	}))

	event := testEvent("F1")
	require.NoError(t, store.Append(context.Background(), event))

	poller := newTestPoller(t, bus, store)
	for i := 0; i < MaxPollRetries; i++ {
		// Rewind the backoff so every pass claims the event again.
		require.NoError(t, rewindRetry(store, event.ID))
		poller.Poll(context.Background())
	}

	stored, err := store.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeFailed, stored.Mode)
	assert.Equal(t, MaxPollRetries, stored.RetryCount)
}

// rewindRetry makes a pending event immediately claimable again.
func rewindRetry(store *MemoryEventStore, id string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	event, ok := store.events[id]
	if !ok {
		return assert.AnError
	}
	if event.Mode == ModePoll {
		now := store.now()
		event.NextRetryAt = &now
	}
	return nil
}

func TestPollerSkipsBroadcastEvents(t *testing.T) {
	bus, store := newTestBus(t, nil)
	rec := &eventRecorder{}
	require.NoError(t, bus.Subscribe("*", rec.handler))

	published, err := bus.Publish(context.Background(), testEvent("F1"))
	require.NoError(t, err)
	require.Equal(t, ModeBroadcast, published.Mode)
	require.Equal(t, 1, rec.count())

	poller := newTestPoller(t, bus, store)
	poller.Poll(context.Background())

	assert.Equal(t, 1, rec.count(), "broadcast events are not re-delivered by the poller")
}

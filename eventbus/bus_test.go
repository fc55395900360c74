package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/resilience"
)

func newTestBus(t *testing.T, mutate func(*BusOptions)) (*Bus, *MemoryEventStore) {
	t.Helper()
	store := NewMemoryEventStore()
	opts := BusOptions{Store: store}
	if mutate != nil {
		mutate(&opts)
	}
	bus, err := NewBus(opts)
	require.NoError(t, err)
	return bus, store
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *eventRecorder) handler(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishHappyPath(t *testing.T) {
	bus, store := newTestBus(t, nil)
	rec := &eventRecorder{}
	require.NoError(t, bus.Subscribe(EventFormSubmitted, rec.handler))

	published, err := bus.Publish(context.Background(), testEvent("F1"))
	require.NoError(t, err)

	assert.Equal(t, ModeBroadcast, published.Mode)
	assert.Equal(t, 1, rec.count())

	stored, err := store.Get(context.Background(), published.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeBroadcast, stored.Mode)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	bus, _ := newTestBus(t, nil)

	_, err := bus.Publish(context.Background(), &Event{TenantID: "t", EventType: "bogus", EntityID: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestPublishDeduplicates(t *testing.T) {
	bus, _ := newTestBus(t, nil)

	_, err := bus.Publish(context.Background(), testEvent("F1"))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), testEvent("F1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDuplicateEvent)
	assert.True(t, core.IsDuplicate(err))
}

func TestPublishStripsBidiControls(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	rec := &eventRecorder{}
	require.NoError(t, bus.Subscribe("*", rec.handler))

	event := testEvent("F1")
	event.Data = map[string]interface{}{
		"name":   "safe‮hidden‬",
		"nested": map[string]interface{}{"note": "⁦isolate⁩"},
	}
	published, err := bus.Publish(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, "safehidden", published.Data["name"])
	nested := published.Data["nested"].(map[string]interface{})
	assert.Equal(t, "isolate", nested["note"])
}

func TestPublishFallsBackToPollWhenBreakerOpen(t *testing.T) {
	config := resilience.DefaultCircuitBreakerConfig("broadcast")
	breaker, err := resilience.NewCircuitBreaker(config)
	require.NoError(t, err)
	breaker.ForceOpen()

	bus, store := newTestBus(t, func(o *BusOptions) { o.Breaker = breaker })
	rec := &eventRecorder{}
	require.NoError(t, bus.Subscribe(EventFormSubmitted, rec.handler))

	published, err := bus.Publish(context.Background(), testEvent("F1"))
	require.NoError(t, err, "caller sees success even when broadcast fails")
	assert.Equal(t, ModePoll, published.Mode)
	assert.Equal(t, 0, rec.count(), "poll-mode events are delivered by the poller, not at publish time")

	stored, err := store.Get(context.Background(), published.ID)
	require.NoError(t, err)
	assert.Equal(t, ModePoll, stored.Mode)
}

func TestSubscribeGlobPatterns(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	formRec := &eventRecorder{}
	allRec := &eventRecorder{}
	exactRec := &eventRecorder{}
	require.NoError(t, bus.Subscribe("form.*", formRec.handler))
	require.NoError(t, bus.Subscribe("*", allRec.handler))
	require.NoError(t, bus.Subscribe(EventSubmissionCreated, exactRec.handler))

	_, err := bus.Publish(context.Background(), testEvent("F1"))
	require.NoError(t, err)

	submission := testEvent("S1")
	submission.EventType = EventSubmissionCreated
	_, err = bus.Publish(context.Background(), submission)
	require.NoError(t, err)

	assert.Equal(t, 1, formRec.count())
	assert.Equal(t, 2, allRec.count())
	assert.Equal(t, 1, exactRec.count())
}

func TestSubscribeValidation(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	assert.ErrorIs(t, bus.Subscribe("", func(ctx context.Context, e *Event) error { return nil }), core.ErrValidation)
	assert.ErrorIs(t, bus.Subscribe("x", nil), core.ErrValidation)
}

func TestDispatchHandlerErrorsDoNotAbortFanout(t *testing.T) {
	bus, _ := newTestBus(t, nil)
	rec := &eventRecorder{}
	require.NoError(t, bus.Subscribe("*", func(ctx context.Context, e *Event) error {
		return assert.AnError
	}))
	require.NoError(t, bus.Subscribe("*", func(ctx context.Context, e *Event) error {
		panic("handler exploded")
	}))
	require.NoError(t, bus.Subscribe("*", rec.handler))

	err := bus.Dispatch(context.Background(), testEvent("F1"))
	assert.Error(t, err, "poller needs the aggregate failure")
	assert.Equal(t, 1, rec.count(), "later handlers still run")
}

func TestCrossProcessBroadcast(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := core.NewRedisClientFromExisting(client, "", nil)

	publisher, _ := newTestBus(t, func(o *BusOptions) { o.Redis = rc })
	consumer, _ := newTestBus(t, func(o *BusOptions) { o.Redis = rc })

	rec := &eventRecorder{}
	require.NoError(t, consumer.Subscribe(EventFormSubmitted, rec.handler))
	require.NoError(t, consumer.Start(context.Background()))
	defer consumer.Stop()

	_, err := publisher.Publish(context.Background(), testEvent("F1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return rec.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestOwnBroadcastsNotDispatchedTwice(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := core.NewRedisClientFromExisting(client, "", nil)

	bus, _ := newTestBus(t, func(o *BusOptions) { o.Redis = rc })
	rec := &eventRecorder{}
	require.NoError(t, bus.Subscribe(EventFormSubmitted, rec.handler))
	require.NoError(t, bus.Start(context.Background()))
	defer bus.Stop()

	_, err := bus.Publish(context.Background(), testEvent("F1"))
	require.NoError(t, err)

	// The local fan-out already ran once; the echoed pub/sub message must
	// be skipped.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

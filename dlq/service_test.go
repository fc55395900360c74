package dlq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/trigger"
)

func newTestService(t *testing.T, store Store, runner ActionRunner) *Service {
	t.Helper()
	svc, err := NewService(ServiceOptions{Store: store, Runner: runner})
	require.NoError(t, err)
	return svc
}

func seedEntry(t *testing.T, svc *Service, eventID, actionID string, lastErr error) *Entry {
	t.Helper()
	event := &eventbus.Event{ID: eventID, TenantID: "tenant-1", EventType: "form.submitted", EntityID: "F1"}
	trig := &trigger.Trigger{ID: "t-1", TenantID: "tenant-1"}
	action := &trigger.Action{ID: actionID, ActionType: trigger.ActionSendWebhook}
	require.NoError(t, svc.Add(context.Background(), event, trig, action, "Max retry attempts (2) exceeded", lastErr))

	entries, err := svc.Pending(context.Background(), ListFilter{})
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.EventID == eventID && entry.ActionID == actionID {
			return entry
		}
	}
	t.Fatalf("seeded entry not found for %s/%s", eventID, actionID)
	return nil
}

func TestServiceAddRedactsErrorMessage(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store, nil)

	lastErr := core.NewDomainError("webhook", core.KindTransport,
		assert.AnError)
	entry := seedEntry(t, svc, "e-1", "a-1", lastErr)
	assert.Equal(t, core.KindTransport, entry.LastError.Code)

	withEmail := seedEntry(t, svc, "e-2", "a-1",
		&core.DomainError{Op: "webhook", Kind: core.KindTransport, Message: "delivery to alice@example.com refused", Err: core.ErrTransport})
	assert.NotContains(t, withEmail.LastError.Message, "alice@example.com")
	assert.Contains(t, withEmail.LastError.Message, "a***@e***.com")
}

func TestServiceAddIncrementsFailureCount(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store, nil)

	seedEntry(t, svc, "e-1", "a-1", core.ErrTransport)
	entry := seedEntry(t, svc, "e-1", "a-1", core.ErrTransport)
	assert.Equal(t, 2, entry.FailureCount)
}

// A retry with a now-succeeding runner resolves the entry.
func TestServiceRetryResolves(t *testing.T) {
	store := NewMemoryStore()
	var ran atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, event *eventbus.Event, triggerID string, action *trigger.Action) error {
		ran.Add(1)
		assert.Equal(t, "e-1", event.ID)
		assert.Equal(t, "t-1", triggerID)
		assert.Equal(t, "a-1", action.ID)
		return nil
	})
	svc := newTestService(t, store, runner)

	entry := seedEntry(t, svc, "e-1", "a-1", core.ErrTransport)
	require.NoError(t, svc.Retry(context.Background(), entry.ID))
	assert.Equal(t, int32(1), ran.Load())

	got, err := store.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
}

func TestServiceRetryFailureRevertsToPending(t *testing.T) {
	store := NewMemoryStore()
	runner := RunnerFunc(func(ctx context.Context, event *eventbus.Event, triggerID string, action *trigger.Action) error {
		return core.NewDomainError("webhook", core.KindTransport, core.ErrTransport)
	})
	svc := newTestService(t, store, runner)

	entry := seedEntry(t, svc, "e-1", "a-1", core.ErrTransport)
	err := svc.Retry(context.Background(), entry.ID)
	require.Error(t, err)

	got, getErr := store.Get(context.Background(), entry.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 2, got.FailureCount)
}

func TestServiceRetryRejections(t *testing.T) {
	store := NewMemoryStore()
	var ran atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, event *eventbus.Event, triggerID string, action *trigger.Action) error {
		ran.Add(1)
		return nil
	})
	svc := newTestService(t, store, runner)
	ctx := context.Background()

	resolved := seedEntry(t, svc, "e-1", "a-1", core.ErrTransport)
	require.NoError(t, svc.Retry(ctx, resolved.ID))
	err := svc.Retry(ctx, resolved.ID)
	assert.ErrorIs(t, err, core.ErrValidation, "resolved entries cannot be retried")

	failed := seedEntry(t, svc, "e-2", "a-1", core.ErrTransport)
	require.NoError(t, svc.MarkFailed(ctx, failed.ID, "operator gave up"))
	err = svc.Retry(ctx, failed.ID)
	assert.ErrorIs(t, err, core.ErrValidation)

	deferred := seedEntry(t, svc, "e-3", "a-1", core.ErrTransport)
	future := time.Now().Add(time.Hour)
	deferred.RetryAfter = &future
	require.NoError(t, store.Upsert(ctx, deferred))
	err = svc.Retry(ctx, deferred.ID)
	assert.ErrorIs(t, err, core.ErrValidation, "retry_after gates the retry")

	err = svc.Retry(ctx, "no-such-id")
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Equal(t, int32(1), ran.Load(), "rejected retries never reach the runner")
}

func TestServiceBulkRetry(t *testing.T) {
	store := NewMemoryStore()

	var (
		mu         sync.Mutex
		inFlight   int
		maxSeen    int
		failEvents = map[string]bool{"e-2": true}
	)
	runner := RunnerFunc(func(ctx context.Context, event *eventbus.Event, triggerID string, action *trigger.Action) error {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		if failEvents[event.ID] {
			return core.NewDomainError("webhook", core.KindTransport, core.ErrTransport)
		}
		return nil
	})
	svc := newTestService(t, store, runner)

	var ids []string
	for _, eventID := range []string{"e-1", "e-2", "e-3", "e-4", "e-5"} {
		ids = append(ids, seedEntry(t, svc, eventID, "a-1", core.ErrTransport).ID)
	}

	result, err := svc.BulkRetry(context.Background(), ids, 2)
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 4)
	require.Len(t, result.Failed, 1)
	assert.NotEmpty(t, result.Failed[0].Error)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxSeen, 2, "concurrency stays within the bound")
}

func TestServiceRetryWithoutRunner(t *testing.T) {
	svc := newTestService(t, NewMemoryStore(), nil)
	err := svc.Retry(context.Background(), "any")
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestServiceDeleteAndCleanup(t *testing.T) {
	store := NewMemoryStore()
	runner := RunnerFunc(func(ctx context.Context, event *eventbus.Event, triggerID string, action *trigger.Action) error {
		return nil
	})
	svc := newTestService(t, store, runner)
	ctx := context.Background()

	entry := seedEntry(t, svc, "e-1", "a-1", core.ErrTransport)
	err := svc.Delete(ctx, entry.ID, false)
	assert.ErrorIs(t, err, core.ErrValidation)

	require.NoError(t, svc.Retry(ctx, entry.ID))
	require.NoError(t, svc.Delete(ctx, entry.ID, false))

	removed, err := svc.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/core"
)

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tr := validTrigger()
	require.NoError(t, store.Save(ctx, tr))
	assert.NotEmpty(t, tr.ID)

	loaded, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.Name, loaded.Name)
	require.Len(t, loaded.Actions, 1)
	assert.Equal(t, tr.ID, loaded.Actions[0].TriggerID)

	// Stored state is isolated from caller mutation.
	loaded.Name = "changed"
	again, err := store.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.Name, again.Name)
}

func TestMemoryStoreSaveRejectsActiveWithoutActions(t *testing.T) {
	store := NewMemoryStore()
	tr := validTrigger()
	tr.Actions = nil
	assert.ErrorIs(t, store.Save(context.Background(), tr), core.ErrValidation)
}

func TestMemoryStoreListActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	low := validTrigger()
	low.Name = "low priority"
	low.Priority = 10
	require.NoError(t, store.Save(ctx, low))

	high := validTrigger()
	high.Name = "high priority"
	high.Priority = 1
	require.NoError(t, store.Save(ctx, high))

	global := validTrigger()
	global.Name = "platform rule"
	global.TenantID = ""
	global.Level = LevelPlatform
	global.Priority = 5
	require.NoError(t, store.Save(ctx, global))

	otherTenant := validTrigger()
	otherTenant.Name = "other tenant"
	otherTenant.TenantID = "tenant-2"
	require.NoError(t, store.Save(ctx, otherTenant))

	inactive := validTrigger()
	inactive.Name = "inactive"
	inactive.Status = StatusInactive
	require.NoError(t, store.Save(ctx, inactive))

	otherType := validTrigger()
	otherType.Name = "other type"
	otherType.EventType = "form.created"
	require.NoError(t, store.Save(ctx, otherType))

	matched, err := store.ListActive(ctx, "tenant-1", "form.submitted")
	require.NoError(t, err)
	require.Len(t, matched, 3)
	assert.Equal(t, "high priority", matched[0].Name)
	assert.Equal(t, "platform rule", matched[1].Name, "platform-global rules apply to every tenant")
	assert.Equal(t, "low priority", matched[2].Name)
}

func TestMemoryStoreListActiveSortsActions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tr := validTrigger()
	tr.Actions = []*Action{
		{ID: "b", ActionType: ActionSendEmail, Order: 1, TimeoutMS: 1000, RetryConfig: DefaultRetryConfig()},
		{ID: "a", ActionType: ActionSendWebhook, Order: 0, TimeoutMS: 1000, RetryConfig: DefaultRetryConfig()},
	}
	require.NoError(t, store.Save(ctx, tr))

	matched, err := store.ListActive(ctx, "tenant-1", "form.submitted")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "a", matched[0].Actions[0].ID)
	assert.Equal(t, "b", matched[0].Actions[1].ID)
}

func TestMemoryStoreSetStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tr := validTrigger()
	tr.Status = StatusDraft
	tr.Actions = nil
	require.NoError(t, store.Save(ctx, tr))

	// Activating an empty chain is rejected.
	err := store.SetStatus(ctx, tr.ID, StatusActive)
	assert.ErrorIs(t, err, core.ErrValidation)

	withActions := validTrigger()
	withActions.Status = StatusDraft
	require.NoError(t, store.Save(ctx, withActions))
	require.NoError(t, store.SetStatus(ctx, withActions.ID, StatusActive))

	loaded, err := store.Get(ctx, withActions.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, loaded.Status)

	assert.ErrorIs(t, store.SetStatus(ctx, "missing", StatusActive), core.ErrNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tr := validTrigger()
	require.NoError(t, store.Save(ctx, tr))
	require.NoError(t, store.Delete(ctx, tr.ID))

	_, err := store.Get(ctx, tr.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, tr.ID), core.ErrNotFound)
}

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/core"
)

func newMockStore(t *testing.T) (*PostgresEventStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresEventStore(db, nil), mock
}

func eventRows(event *Event) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "event_type", "entity_type", "entity_id", "actor_id", "data",
		"processing_mode", "retry_count", "next_retry_at", "last_error", "processed_at", "created_at",
	}).AddRow(event.ID, event.TenantID, event.EventType, event.EntityType, event.EntityID,
		nil, []byte(`{"formId":"F1"}`), string(event.Mode), event.RetryCount,
		event.NextRetryAt, nil, nil, event.CreatedAt)
}

func TestPostgresAppend(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO events`).
		WithArgs(sqlmock.AnyArg(), "tenant-1", EventFormSubmitted, "form", "F1", "",
			sqlmock.AnyArg(), "poll", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event := testEvent("F1")
	require.NoError(t, store.Append(context.Background(), event))
	assert.NotEmpty(t, event.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM events WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIsDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("tenant-1", EventFormSubmitted, "F1", "300 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	dup, err := store.IsDuplicate(context.Background(), "tenant-1", EventFormSubmitted, "F1", DedupeWindow)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimPendingUsesSkipLocked(t *testing.T) {
	store, mock := newMockStore(t)

	event := testEvent("F1")
	event.ID = "e-1"
	event.Mode = ModePoll
	now := time.Now()
	event.NextRetryAt = &now
	event.CreatedAt = now

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM events\s+WHERE processing_mode = 'poll' AND next_retry_at <= NOW\(\)\s+ORDER BY created_at ASC\s+LIMIT \$1\s+FOR UPDATE SKIP LOCKED`).
		WithArgs(10).
		WillReturnRows(eventRows(event))
	mock.ExpectExec(`UPDATE events SET next_retry_at = NOW\(\) \+ interval '30 seconds'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "e-1", claimed[0].ID)
	assert.Equal(t, map[string]interface{}{"formId": "F1"}, claimed[0].Data)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteTerminalGuard(t *testing.T) {
	store, mock := newMockStore(t)

	// UPDATE matches nothing; the follow-up lookup shows a terminal row.
	mock.ExpectExec(`UPDATE events SET processing_mode = 'completed'`).
		WithArgs("e-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT processing_mode FROM events`).
		WithArgs("e-1").
		WillReturnRows(sqlmock.NewRows([]string{"processing_mode"}).AddRow("failed"))

	err := store.Complete(context.Background(), "e-1")
	assert.ErrorIs(t, err, core.ErrEventTerminal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailAttempt(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE events SET\s+retry_count = retry_count \+ 1`).
		WithArgs("e-1", assert.AnError.Error(), MaxPollRetries).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.FailAttempt(context.Background(), "e-1", assert.AnError))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListByTenant(t *testing.T) {
	store, mock := newMockStore(t)

	event := testEvent("F1")
	event.ID = "e-1"
	event.Mode = ModePoll
	event.CreatedAt = time.Now()

	mock.ExpectQuery(`(?s)SELECT .+ FROM events WHERE tenant_id = \$1 AND processing_mode = \$2 ORDER BY created_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("tenant-1", "poll", 25, 0).
		WillReturnRows(eventRows(event))

	events, err := store.ListByTenant(context.Background(), "tenant-1", EventFilter{Mode: ModePoll, Limit: 25})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e-1", events[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/core"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresListActiveLoadsChains(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	triggerRows := sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "level", "event_type", "status", "scope",
		"form_ids", "conditions", "priority", "error_handling", "created_by", "created_at", "updated_at",
	}).AddRow("t-1", "tenant-1", "notify", LevelUserDefined, "form.submitted", StatusActive,
		ScopeAllForms, []byte(`{}`), []byte(`[{"field":"data.x","operator":"equals","value":1}]`),
		1, StopOnFirstError, "", now, now)

	mock.ExpectQuery(`(?s)SELECT .+ FROM event_triggers\s+WHERE status = 'active' AND event_type = \$2\s+AND \(tenant_id = \$1 OR tenant_id IS NULL\)`).
		WithArgs("tenant-1", "form.submitted").
		WillReturnRows(triggerRows)

	actionRows := sqlmock.NewRows([]string{
		"id", "trigger_id", "action_type", "action_order", "config", "retry_config",
		"timeout_ms", "is_critical", "created_at",
	}).AddRow("a-1", "t-1", ActionSendWebhook, 0, []byte(`{"url":"http://example.test/w"}`),
		[]byte(`{"max_attempts":3,"backoff_multiplier":2,"initial_delay_ms":10}`), 5000, true, now)

	mock.ExpectQuery(`(?s)SELECT .+ FROM trigger_actions\s+WHERE trigger_id = ANY\(\$1\)`).
		WillReturnRows(actionRows)

	matched, err := store.ListActive(context.Background(), "tenant-1", "form.submitted")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Len(t, matched[0].Conditions, 1)
	assert.Equal(t, OpEquals, matched[0].Conditions[0].Operator)
	require.Len(t, matched[0].Actions, 1)
	assert.Equal(t, 3, matched[0].Actions[0].RetryConfig.MaxAttempts)
	assert.True(t, matched[0].Actions[0].IsCritical)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetStatusRejectsEmptyActivation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM trigger_actions`).
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := store.SetStatus(context.Background(), "t-1", StatusActive)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteCascades(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM trigger_actions WHERE trigger_id = \$1`).
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM event_triggers WHERE id = \$1`).
		WithArgs("t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Delete(context.Background(), "t-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

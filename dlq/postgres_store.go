package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/trigger"
)

const entryColumns = `id, tenant_id, event_id, trigger_id, action_id, failure_reason,
	failure_count, last_error, event_snapshot, action_snapshot, status,
	retry_after, resolved_at, created_at, updated_at`

// PostgresStore is the production Store backed by the dead_letter_queue
// table. The (event_id, action_id) uniqueness lives in a database
// constraint so concurrent upserts cannot race into duplicate rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Upsert(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	lastError, err := json.Marshal(entry.LastError)
	if err != nil {
		return &core.DomainError{Op: "dlq.Upsert", Kind: core.KindValidation, ID: entry.ID, Err: err}
	}
	eventSnapshot, err := json.Marshal(entry.EventSnapshot)
	if err != nil {
		return &core.DomainError{Op: "dlq.Upsert", Kind: core.KindValidation, ID: entry.ID, Err: err}
	}
	actionSnapshot, err := json.Marshal(entry.ActionSnapshot)
	if err != nil {
		return &core.DomainError{Op: "dlq.Upsert", Kind: core.KindValidation, ID: entry.ID, Err: err}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO dead_letter_queue (id, tenant_id, event_id, trigger_id, action_id,
			failure_reason, failure_count, last_error, event_snapshot, action_snapshot,
			status, retry_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9, 'pending', $10, $11, $11)
		ON CONFLICT (event_id, action_id) DO UPDATE SET
			failure_count = dead_letter_queue.failure_count + 1,
			failure_reason = EXCLUDED.failure_reason,
			last_error = EXCLUDED.last_error,
			action_snapshot = EXCLUDED.action_snapshot,
			retry_after = EXCLUDED.retry_after,
			updated_at = EXCLUDED.updated_at
		RETURNING id, failure_count, status, created_at`,
		entry.ID, entry.TenantID, entry.EventID, entry.TriggerID, entry.ActionID,
		entry.FailureReason, lastError, eventSnapshot, actionSnapshot,
		entry.RetryAfter, now)
	if err := row.Scan(&entry.ID, &entry.FailureCount, &entry.Status, &entry.CreatedAt); err != nil {
		return &core.DomainError{Op: "dlq.Upsert", Kind: core.KindTransport, ID: entry.ID, Err: err}
	}
	entry.UpdatedAt = now
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM dead_letter_queue WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, notFound("dlq.Get", id)
	}
	if err != nil {
		return nil, &core.DomainError{Op: "dlq.Get", Kind: core.KindTransport, ID: id, Err: err}
	}
	return entry, nil
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET status = 'processing', updated_at = $2
		WHERE id = $1 AND status = 'pending'
			AND (retry_after IS NULL OR retry_after <= $2)`,
		id, time.Now().UTC())
	if err != nil {
		return &core.DomainError{Op: "dlq.MarkProcessing", Kind: core.KindTransport, ID: id, Err: err}
	}
	return s.checkAffected(ctx, "dlq.MarkProcessing", id, result)
}

func (s *PostgresStore) Resolve(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET status = 'resolved', resolved_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'processing'`,
		id, now)
	if err != nil {
		return &core.DomainError{Op: "dlq.Resolve", Kind: core.KindTransport, ID: id, Err: err}
	}
	return s.checkAffected(ctx, "dlq.Resolve", id, result)
}

func (s *PostgresStore) Revert(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET status = 'pending', failure_count = failure_count + 1, updated_at = $2
		WHERE id = $1 AND status = 'processing'`,
		id, time.Now().UTC())
	if err != nil {
		return &core.DomainError{Op: "dlq.Revert", Kind: core.KindTransport, ID: id, Err: err}
	}
	return s.checkAffected(ctx, "dlq.Revert", id, result)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1`,
		id, reason, time.Now().UTC())
	if err != nil {
		return &core.DomainError{Op: "dlq.MarkFailed", Kind: core.KindTransport, ID: id, Err: err}
	}
	return s.checkAffected(ctx, "dlq.MarkFailed", id, result)
}

func (s *PostgresStore) Ignore(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET status = 'ignored', updated_at = $2
		WHERE id = $1`,
		id, time.Now().UTC())
	if err != nil {
		return &core.DomainError{Op: "dlq.Ignore", Kind: core.KindTransport, ID: id, Err: err}
	}
	return s.checkAffected(ctx, "dlq.Ignore", id, result)
}

func (s *PostgresStore) Delete(ctx context.Context, id string, force bool) error {
	query := `DELETE FROM dead_letter_queue WHERE id = $1 AND status = 'resolved'`
	if force {
		query = `DELETE FROM dead_letter_queue WHERE id = $1`
	}
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return &core.DomainError{Op: "dlq.Delete", Kind: core.KindTransport, ID: id, Err: err}
	}
	return s.checkAffected(ctx, "dlq.Delete", id, result)
}

func (s *PostgresStore) Stats(ctx context.Context, filter StatsFilter) (*Stats, error) {
	query := `SELECT status, COUNT(*) FROM dead_letter_queue WHERE 1=1`
	var args []interface{}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.DomainError{Op: "dlq.Stats", Kind: core.KindTransport, Err: err}
	}
	defer rows.Close()

	stats := &Stats{ByStatus: make(map[string]int)}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, &core.DomainError{Op: "dlq.Stats", Kind: core.KindTransport, Err: err}
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (s *PostgresStore) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM dead_letter_queue
		WHERE status = 'resolved' AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, &core.DomainError{Op: "dlq.Cleanup", Kind: core.KindTransport, Err: err}
	}
	return result.RowsAffected()
}

func (s *PostgresStore) Pending(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM dead_letter_queue WHERE status = 'pending'`
	var args []interface{}
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_snapshot->>'event_type' = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.DomainError{Op: "dlq.Pending", Kind: core.KindTransport, Err: err}
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, &core.DomainError{Op: "dlq.Pending", Kind: core.KindTransport, Err: err}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// checkAffected distinguishes a missing row from one in the wrong state
// when a guarded update touched nothing.
func (s *PostgresStore) checkAffected(ctx context.Context, op, id string, result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM dead_letter_queue WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return notFound(op, id)
	}
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	return invalidState(op, id, "unexpected entry status")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry          Entry
		lastError      []byte
		eventSnapshot  []byte
		actionSnapshot []byte
		retryAfter     sql.NullTime
		resolvedAt     sql.NullTime
	)
	err := row.Scan(&entry.ID, &entry.TenantID, &entry.EventID, &entry.TriggerID,
		&entry.ActionID, &entry.FailureReason, &entry.FailureCount, &lastError,
		&eventSnapshot, &actionSnapshot, &entry.Status, &retryAfter, &resolvedAt,
		&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if retryAfter.Valid {
		entry.RetryAfter = &retryAfter.Time
	}
	if resolvedAt.Valid {
		entry.ResolvedAt = &resolvedAt.Time
	}
	if len(lastError) > 0 {
		if err := json.Unmarshal(lastError, &entry.LastError); err != nil {
			return nil, err
		}
	}
	if len(eventSnapshot) > 0 {
		entry.EventSnapshot = &eventbus.Event{}
		if err := json.Unmarshal(eventSnapshot, entry.EventSnapshot); err != nil {
			return nil, err
		}
	}
	if len(actionSnapshot) > 0 {
		entry.ActionSnapshot = &trigger.Action{}
		if err := json.Unmarshal(actionSnapshot, entry.ActionSnapshot); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

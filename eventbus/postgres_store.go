package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/flowhook/flowhook/core"
)

// PostgresEventStore is the production EventStore backed by the events
// table. Claims use FOR UPDATE SKIP LOCKED so concurrent pollers never
// hand out the same batch.
type PostgresEventStore struct {
	db     *sql.DB
	logger core.Logger
}

// NewPostgresEventStore wraps an open database handle.
func NewPostgresEventStore(db *sql.DB, logger core.Logger) *PostgresEventStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &PostgresEventStore{db: db, logger: logger}
}

var _ EventStore = (*PostgresEventStore)(nil)

const eventColumns = `id, tenant_id, event_type, entity_type, entity_id, actor_id, data,
	processing_mode, retry_count, next_retry_at, last_error, processed_at, created_at`

func (s *PostgresEventStore) Append(ctx context.Context, event *Event) error {
	event.normalize(time.Now().UTC())

	data, err := json.Marshal(event.Data)
	if err != nil {
		return &core.DomainError{Op: "eventbus.Append", Kind: core.KindValidation, ID: event.ID, Err: fmt.Errorf("encoding event data: %w", core.ErrValidation)}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, tenant_id, event_type, entity_type, entity_id, actor_id, data,
			processing_mode, retry_count, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, 0, NOW(), $9)`,
		event.ID, event.TenantID, event.EventType, event.EntityType, event.EntityID,
		event.ActorID, data, string(event.Mode), event.CreatedAt)
	if err != nil {
		return &core.DomainError{Op: "eventbus.Append", Kind: core.KindTransport, ID: event.ID, Err: err}
	}
	return nil
}

func (s *PostgresEventStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, &core.DomainError{Op: "eventbus.Get", Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	if err != nil {
		return nil, &core.DomainError{Op: "eventbus.Get", Kind: core.KindTransport, ID: id, Err: err}
	}
	return event, nil
}

func (s *PostgresEventStore) IsDuplicate(ctx context.Context, tenantID, eventType, entityID string, window time.Duration) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE tenant_id = $1 AND event_type = $2 AND entity_id = $3
			  AND created_at > NOW() - $4::interval
		)`,
		tenantID, eventType, entityID, fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&exists)
	if err != nil {
		return false, &core.DomainError{Op: "eventbus.IsDuplicate", Kind: core.KindTransport, Err: err}
	}
	return exists, nil
}

func (s *PostgresEventStore) MarkBroadcast(ctx context.Context, id string) error {
	return s.transition(ctx, "eventbus.MarkBroadcast", id, `
		UPDATE events SET processing_mode = 'broadcast'
		WHERE id = $1 AND processing_mode NOT IN ('completed', 'failed')`)
}

func (s *PostgresEventStore) MarkForPoll(ctx context.Context, id string) error {
	return s.transition(ctx, "eventbus.MarkForPoll", id, `
		UPDATE events SET processing_mode = 'poll', retry_count = 0, next_retry_at = NOW()
		WHERE id = $1 AND processing_mode NOT IN ('completed', 'failed')`)
}

func (s *PostgresEventStore) ClaimPending(ctx context.Context, batch int) ([]*Event, error) {
	if batch <= 0 {
		batch = DefaultClaimBatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &core.DomainError{Op: "eventbus.ClaimPending", Kind: core.KindTransport, Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE processing_mode = 'poll' AND next_retry_at <= NOW()
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, batch)
	if err != nil {
		return nil, &core.DomainError{Op: "eventbus.ClaimPending", Kind: core.KindTransport, Err: err}
	}
	defer rows.Close()

	var claimed []*Event
	var ids []string
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, &core.DomainError{Op: "eventbus.ClaimPending", Kind: core.KindTransport, Err: err}
		}
		claimed = append(claimed, event)
		ids = append(ids, event.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.DomainError{Op: "eventbus.ClaimPending", Kind: core.KindTransport, Err: err}
	}

	if len(ids) > 0 {
		// Claim lease: push next_retry_at forward so a crashed poller's
		// batch resurfaces instead of being lost.
		_, err = tx.ExecContext(ctx, `
			UPDATE events SET next_retry_at = NOW() + interval '30 seconds'
			WHERE id = ANY($1)`, pq.Array(ids))
		if err != nil {
			return nil, &core.DomainError{Op: "eventbus.ClaimPending", Kind: core.KindTransport, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &core.DomainError{Op: "eventbus.ClaimPending", Kind: core.KindTransport, Err: err}
	}
	return claimed, nil
}

func (s *PostgresEventStore) Complete(ctx context.Context, id string) error {
	return s.transition(ctx, "eventbus.Complete", id, `
		UPDATE events SET processing_mode = 'completed', processed_at = NOW()
		WHERE id = $1 AND processing_mode NOT IN ('completed', 'failed')`)
}

func (s *PostgresEventStore) FailAttempt(ctx context.Context, id string, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE events SET
			retry_count = retry_count + 1,
			last_error = $2,
			processing_mode = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE processing_mode END,
			next_retry_at = CASE
				WHEN retry_count + 1 >= $3 THEN NULL
				ELSE NOW() + make_interval(secs => POWER(2, LEAST(retry_count + 1, 8)))
			END
		WHERE id = $1 AND processing_mode NOT IN ('completed', 'failed')`,
		id, lastError, MaxPollRetries)
	if err != nil {
		return &core.DomainError{Op: "eventbus.FailAttempt", Kind: core.KindTransport, ID: id, Err: err}
	}
	return s.checkAffected(ctx, "eventbus.FailAttempt", id, result)
}

func (s *PostgresEventStore) ListByTenant(ctx context.Context, tenantID string, filter EventFilter) ([]*Event, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultClaimBatch * 5
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if filter.Mode != "" {
		args = append(args, string(filter.Mode))
		query += fmt.Sprintf(" AND processing_mode = $%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.DomainError{Op: "eventbus.ListByTenant", Kind: core.KindTransport, Err: err}
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, &core.DomainError{Op: "eventbus.ListByTenant", Kind: core.KindTransport, Err: err}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.DomainError{Op: "eventbus.ListByTenant", Kind: core.KindTransport, Err: err}
	}
	return events, nil
}

func (s *PostgresEventStore) transition(ctx context.Context, op, id, query string) error {
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	return s.checkAffected(ctx, op, id, result)
}

// checkAffected distinguishes a missing row from a terminal one when an
// UPDATE matched nothing.
func (s *PostgresEventStore) checkAffected(ctx context.Context, op, id string, result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	if n > 0 {
		return nil
	}

	var mode string
	err = s.db.QueryRowContext(ctx, `SELECT processing_mode FROM events WHERE id = $1`, id).Scan(&mode)
	if err == sql.ErrNoRows {
		return &core.DomainError{Op: op, Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	return &core.DomainError{Op: op, Kind: core.KindValidation, ID: id, Err: core.ErrEventTerminal}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		event     Event
		actorID   sql.NullString
		data      []byte
		nextRetry sql.NullTime
		lastError sql.NullString
		processed sql.NullTime
	)
	err := row.Scan(&event.ID, &event.TenantID, &event.EventType, &event.EntityType,
		&event.EntityID, &actorID, &data, (*string)(&event.Mode), &event.RetryCount,
		&nextRetry, &lastError, &processed, &event.CreatedAt)
	if err != nil {
		return nil, err
	}
	event.ActorID = actorID.String
	event.LastError = lastError.String
	if nextRetry.Valid {
		event.NextRetryAt = &nextRetry.Time
	}
	if processed.Valid {
		event.ProcessedAt = &processed.Time
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &event.Data); err != nil {
			return nil, fmt.Errorf("decoding event data: %w", err)
		}
	}
	return &event, nil
}

package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flowhook/flowhook/core"
)

// PostgresStore is the production Store backed by the event_triggers and
// trigger_actions tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Save(ctx context.Context, t *Trigger) error {
	op := "trigger.Save"
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	for _, action := range t.Actions {
		if action.ID == "" {
			action.ID = uuid.NewString()
		}
		action.TriggerID = t.ID
		if action.CreatedAt.IsZero() {
			action.CreatedAt = now
		}
	}
	if err := t.Validate(); err != nil {
		return err
	}

	conditions, err := json.Marshal(t.Conditions)
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Err: fmt.Errorf("encoding conditions: %w", core.ErrValidation)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_triggers (id, tenant_id, name, level, event_type, status, scope,
			form_ids, conditions, priority, error_handling, created_by, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, level = EXCLUDED.level, event_type = EXCLUDED.event_type,
			status = EXCLUDED.status, scope = EXCLUDED.scope, form_ids = EXCLUDED.form_ids,
			conditions = EXCLUDED.conditions, priority = EXCLUDED.priority,
			error_handling = EXCLUDED.error_handling, updated_at = EXCLUDED.updated_at`,
		t.ID, t.TenantID, t.Name, t.Level, t.EventType, t.Status, t.Scope,
		pq.Array(t.FormIDs), conditions, t.Priority, t.ErrorHandling, t.CreatedBy,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: t.ID, Err: err}
	}

	// Replace the action chain wholesale; actions have no identity
	// outside their trigger.
	if _, err := tx.ExecContext(ctx, `DELETE FROM trigger_actions WHERE trigger_id = $1`, t.ID); err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: t.ID, Err: err}
	}
	for _, action := range t.Actions {
		config, err := json.Marshal(action.Config)
		if err != nil {
			return &core.DomainError{Op: op, Kind: core.KindValidation, ID: action.ID, Err: fmt.Errorf("encoding action config: %w", core.ErrValidation)}
		}
		retryConfig, err := json.Marshal(action.RetryConfig)
		if err != nil {
			return &core.DomainError{Op: op, Kind: core.KindValidation, ID: action.ID, Err: fmt.Errorf("encoding retry config: %w", core.ErrValidation)}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trigger_actions (id, trigger_id, action_type, action_order, config,
				retry_config, timeout_ms, is_critical, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			action.ID, t.ID, action.ActionType, action.Order, config,
			retryConfig, action.TimeoutMS, action.IsCritical, action.CreatedAt)
		if err != nil {
			return &core.DomainError{Op: op, Kind: core.KindTransport, ID: action.ID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: t.ID, Err: err}
	}
	return nil
}

const triggerColumns = `id, COALESCE(tenant_id, ''), name, level, event_type, status, scope,
	form_ids, conditions, priority, error_handling, COALESCE(created_by, ''), created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM event_triggers WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, &core.DomainError{Op: "trigger.Get", Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	if err != nil {
		return nil, &core.DomainError{Op: "trigger.Get", Kind: core.KindTransport, ID: id, Err: err}
	}
	if err := s.loadActions(ctx, map[string]*Trigger{t.ID: t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, tenantID, eventType string) ([]*Trigger, error) {
	op := "trigger.ListActive"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+triggerColumns+` FROM event_triggers
		WHERE status = 'active' AND event_type = $2
		  AND (tenant_id = $1 OR tenant_id IS NULL)
		ORDER BY priority ASC, id ASC`, tenantID, eventType)
	if err != nil {
		return nil, &core.DomainError{Op: op, Kind: core.KindTransport, Err: err}
	}
	defer rows.Close()

	var triggers []*Trigger
	byID := make(map[string]*Trigger)
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, &core.DomainError{Op: op, Kind: core.KindTransport, Err: err}
		}
		triggers = append(triggers, t)
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, &core.DomainError{Op: op, Kind: core.KindTransport, Err: err}
	}
	if err := s.loadActions(ctx, byID); err != nil {
		return nil, err
	}
	return triggers, nil
}

func (s *PostgresStore) loadActions(ctx context.Context, triggers map[string]*Trigger) error {
	if len(triggers) == 0 {
		return nil
	}
	op := "trigger.loadActions"
	ids := make([]string, 0, len(triggers))
	for id := range triggers {
		ids = append(ids, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_id, action_type, action_order, config, retry_config,
			timeout_ms, is_critical, created_at
		FROM trigger_actions
		WHERE trigger_id = ANY($1)
		ORDER BY action_order ASC, id ASC`, pq.Array(ids))
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			action      Action
			config      []byte
			retryConfig []byte
		)
		err := rows.Scan(&action.ID, &action.TriggerID, &action.ActionType, &action.Order,
			&config, &retryConfig, &action.TimeoutMS, &action.IsCritical, &action.CreatedAt)
		if err != nil {
			return &core.DomainError{Op: op, Kind: core.KindTransport, Err: err}
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &action.Config); err != nil {
				return &core.DomainError{Op: op, Kind: core.KindInternal, ID: action.ID, Err: err}
			}
		}
		if len(retryConfig) > 0 {
			if err := json.Unmarshal(retryConfig, &action.RetryConfig); err != nil {
				return &core.DomainError{Op: op, Kind: core.KindInternal, ID: action.ID, Err: err}
			}
		}
		if t, ok := triggers[action.TriggerID]; ok {
			t.Actions = append(t.Actions, &action)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) SetStatus(ctx context.Context, id, status string) error {
	op := "trigger.SetStatus"
	if status == StatusActive {
		var actionCount int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM trigger_actions WHERE trigger_id = $1`, id).Scan(&actionCount)
		if err != nil {
			return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
		}
		if actionCount == 0 {
			return &core.DomainError{Op: op, Kind: core.KindValidation, ID: id,
				Message: "an active trigger must have at least one action", Err: core.ErrValidation}
		}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE event_triggers SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &core.DomainError{Op: op, Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	op := "trigger.Delete"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trigger_actions WHERE trigger_id = $1`, id); err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM event_triggers WHERE id = $1`, id)
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &core.DomainError{Op: op, Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var (
		t          Trigger
		conditions []byte
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Level, &t.EventType, &t.Status,
		&t.Scope, pq.Array(&t.FormIDs), &conditions, &t.Priority, &t.ErrorHandling,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &t.Conditions); err != nil {
			return nil, fmt.Errorf("decoding conditions: %w", err)
		}
	}
	return &t, nil
}

// Package executor runs matched triggers' action chains: ordered
// dispatch with per-action retries and timeouts, three error-handling
// strategies, compensation over critical actions, and dead-letter
// handoff for exhausted or permanent failures.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowhook/flowhook/core"
)

// Execution statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusRetrying  = "retrying"
	StatusCancelled = "cancelled"
)

// Execution is one attempt of one action for one event. Rows are
// append-only: every attempt gets its own record.
type Execution struct {
	ID          string                 `json:"id"`
	EventID     string                 `json:"event_id"`
	TriggerID   string                 `json:"trigger_id"`
	ActionID    string                 `json:"action_id"`
	Status      string                 `json:"status"`
	Attempt     int                    `json:"attempt"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Response    map[string]interface{} `json:"response,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ExecutionStore persists action execution attempts.
type ExecutionStore interface {
	Create(ctx context.Context, exec *Execution) error
	Update(ctx context.Context, exec *Execution) error

	// ListByEvent returns all attempts for an event ordered by creation.
	ListByEvent(ctx context.Context, eventID string) ([]*Execution, error)

	// ListByAction returns the attempts of one action for one event,
	// ordered by attempt ascending.
	ListByAction(ctx context.Context, eventID, actionID string) ([]*Execution, error)
}

// MemoryExecutionStore is the in-memory ExecutionStore used by tests.
type MemoryExecutionStore struct {
	mu    sync.Mutex
	order []string
	rows  map[string]*Execution
}

// NewMemoryExecutionStore creates an empty store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{rows: make(map[string]*Execution)}
}

var _ ExecutionStore = (*MemoryExecutionStore)(nil)

func (s *MemoryExecutionStore) Create(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	copied := *exec
	s.rows[exec.ID] = &copied
	s.order = append(s.order, exec.ID)
	return nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[exec.ID]; !ok {
		return &core.DomainError{Op: "executor.Update", Kind: core.KindNotFound, ID: exec.ID, Err: core.ErrNotFound}
	}
	copied := *exec
	s.rows[exec.ID] = &copied
	return nil
}

func (s *MemoryExecutionStore) ListByEvent(ctx context.Context, eventID string) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Execution
	for _, id := range s.order {
		row := s.rows[id]
		if row.EventID == eventID {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryExecutionStore) ListByAction(ctx context.Context, eventID, actionID string) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Execution
	for _, id := range s.order {
		row := s.rows[id]
		if row.EventID == eventID && row.ActionID == actionID {
			copied := *row
			out = append(out, &copied)
		}
	}
	return out, nil
}

// PostgresExecutionStore is the production ExecutionStore backed by the
// action_executions table.
type PostgresExecutionStore struct {
	db *sql.DB
}

// NewPostgresExecutionStore wraps an open database handle.
func NewPostgresExecutionStore(db *sql.DB) *PostgresExecutionStore {
	return &PostgresExecutionStore{db: db}
}

var _ ExecutionStore = (*PostgresExecutionStore)(nil)

func (s *PostgresExecutionStore) Create(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	response, err := json.Marshal(exec.Response)
	if err != nil {
		return &core.DomainError{Op: "executor.Create", Kind: core.KindValidation, ID: exec.ID, Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_executions (id, event_id, trigger_id, action_id, status, attempt,
			started_at, completed_at, response, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)`,
		exec.ID, exec.EventID, exec.TriggerID, exec.ActionID, exec.Status, exec.Attempt,
		exec.StartedAt, exec.CompletedAt, response, exec.Error, exec.CreatedAt)
	if err != nil {
		return &core.DomainError{Op: "executor.Create", Kind: core.KindTransport, ID: exec.ID, Err: err}
	}
	return nil
}

func (s *PostgresExecutionStore) Update(ctx context.Context, exec *Execution) error {
	response, err := json.Marshal(exec.Response)
	if err != nil {
		return &core.DomainError{Op: "executor.Update", Kind: core.KindValidation, ID: exec.ID, Err: err}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE action_executions
		SET status = $2, completed_at = $3, response = $4, error = NULLIF($5, '')
		WHERE id = $1`,
		exec.ID, exec.Status, exec.CompletedAt, response, exec.Error)
	if err != nil {
		return &core.DomainError{Op: "executor.Update", Kind: core.KindTransport, ID: exec.ID, Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &core.DomainError{Op: "executor.Update", Kind: core.KindNotFound, ID: exec.ID, Err: core.ErrNotFound}
	}
	return nil
}

func (s *PostgresExecutionStore) ListByEvent(ctx context.Context, eventID string) ([]*Execution, error) {
	return s.list(ctx, `
		SELECT id, event_id, trigger_id, action_id, status, attempt, started_at,
			completed_at, response, COALESCE(error, ''), created_at
		FROM action_executions WHERE event_id = $1
		ORDER BY created_at ASC`, eventID)
}

func (s *PostgresExecutionStore) ListByAction(ctx context.Context, eventID, actionID string) ([]*Execution, error) {
	return s.list(ctx, `
		SELECT id, event_id, trigger_id, action_id, status, attempt, started_at,
			completed_at, response, COALESCE(error, ''), created_at
		FROM action_executions WHERE event_id = $1 AND action_id = $2
		ORDER BY attempt ASC`, eventID, actionID)
}

func (s *PostgresExecutionStore) list(ctx context.Context, query string, args ...interface{}) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.DomainError{Op: "executor.list", Kind: core.KindTransport, Err: err}
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			exec      Execution
			completed sql.NullTime
			response  []byte
		)
		err := rows.Scan(&exec.ID, &exec.EventID, &exec.TriggerID, &exec.ActionID,
			&exec.Status, &exec.Attempt, &exec.StartedAt, &completed, &response,
			&exec.Error, &exec.CreatedAt)
		if err != nil {
			return nil, &core.DomainError{Op: "executor.list", Kind: core.KindTransport, Err: err}
		}
		if completed.Valid {
			exec.CompletedAt = &completed.Time
		}
		if len(response) > 0 {
			if err := json.Unmarshal(response, &exec.Response); err != nil {
				return nil, &core.DomainError{Op: "executor.list", Kind: core.KindInternal, ID: exec.ID, Err: err}
			}
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

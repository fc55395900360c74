package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/flowhook/flowhook/core"
)

const webhookColumns = `id, tenant_id, url, secret_ciphertext, events, COALESCE(form_id, ''),
	status, health_status, consecutive_failures, success_count, failure_count,
	average_latency_ms, last_success_at, deleted_at, created_at, updated_at`

// PostgresWebhookStore is the production WebhookStore backed by the
// inbound_webhooks table. Counter updates run as single relative
// UPDATEs so concurrent deliveries never lose increments.
type PostgresWebhookStore struct {
	db *sql.DB
}

// NewPostgresWebhookStore wraps an open database handle.
func NewPostgresWebhookStore(db *sql.DB) *PostgresWebhookStore {
	return &PostgresWebhookStore{db: db}
}

var _ WebhookStore = (*PostgresWebhookStore)(nil)

func (s *PostgresWebhookStore) Create(ctx context.Context, webhook *InboundWebhook) error {
	if webhook.ID == "" {
		webhook.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	if webhook.Status == "" {
		webhook.Status = StatusActive
	}
	if webhook.HealthStatus == "" {
		webhook.HealthStatus = HealthUnknown
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_webhooks (id, tenant_id, url, secret_ciphertext, events,
			form_id, status, health_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $9)`,
		webhook.ID, webhook.TenantID, webhook.URL, webhook.SecretCiphertext,
		pq.Array(webhook.Events), webhook.FormID, webhook.Status,
		webhook.HealthStatus, now)
	if err != nil {
		return &core.DomainError{Op: "webhook.Create", Kind: core.KindTransport, ID: webhook.ID, Err: err}
	}
	return nil
}

func (s *PostgresWebhookStore) Lookup(ctx context.Context, id string) (*InboundWebhook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+webhookColumns+`
		FROM inbound_webhooks WHERE id = $1 AND deleted_at IS NULL`, id)
	return s.scanOne("webhook.Lookup", id, row)
}

func (s *PostgresWebhookStore) Get(ctx context.Context, id, tenantID string) (*InboundWebhook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+webhookColumns+`
		FROM inbound_webhooks
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	return s.scanOne("webhook.Get", id, row)
}

func (s *PostgresWebhookStore) List(ctx context.Context, tenantID string, opts ListOptions) ([]*InboundWebhook, error) {
	query := `SELECT ` + webhookColumns + `
		FROM inbound_webhooks WHERE tenant_id = $1 AND deleted_at IS NULL`
	args := []interface{}{tenantID}
	if opts.Status != "" {
		args = append(args, opts.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if opts.FormID != "" {
		args = append(args, opts.FormID)
		query += fmt.Sprintf(" AND form_id = $%d", len(args))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &core.DomainError{Op: "webhook.List", Kind: core.KindTransport, Err: err}
	}
	defer rows.Close()

	var out []*InboundWebhook
	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, &core.DomainError{Op: "webhook.List", Kind: core.KindTransport, Err: err}
		}
		out = append(out, webhook)
	}
	return out, rows.Err()
}

func (s *PostgresWebhookStore) SoftDelete(ctx context.Context, id, tenantID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inbound_webhooks
		SET deleted_at = $3, updated_at = $3
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		id, tenantID, time.Now().UTC())
	if err != nil {
		return &core.DomainError{Op: "webhook.SoftDelete", Kind: core.KindTransport, ID: id, Err: err}
	}
	return affectedOrNotFound("webhook.SoftDelete", id, result)
}

func (s *PostgresWebhookStore) UpdateSecret(ctx context.Context, id, tenantID, ciphertext string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inbound_webhooks
		SET secret_ciphertext = $3, updated_at = $4
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		id, tenantID, ciphertext, time.Now().UTC())
	if err != nil {
		return &core.DomainError{Op: "webhook.UpdateSecret", Kind: core.KindTransport, ID: id, Err: err}
	}
	return affectedOrNotFound("webhook.UpdateSecret", id, result)
}

func (s *PostgresWebhookStore) RecordSuccess(ctx context.Context, id string, responseTimeMS int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inbound_webhooks
		SET average_latency_ms = (average_latency_ms * success_count + $2) / (success_count + 1),
			success_count = success_count + 1,
			consecutive_failures = 0,
			health_status = 'healthy',
			last_success_at = $3,
			updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL`,
		id, responseTimeMS, time.Now().UTC())
	if err != nil {
		return &core.DomainError{Op: "webhook.RecordSuccess", Kind: core.KindTransport, ID: id, Err: err}
	}
	return affectedOrNotFound("webhook.RecordSuccess", id, result)
}

func (s *PostgresWebhookStore) RecordFailure(ctx context.Context, id string) (*HealthState, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE inbound_webhooks
		SET failure_count = failure_count + 1,
			consecutive_failures = consecutive_failures + 1,
			health_status = CASE
				WHEN consecutive_failures + 1 >= $2 THEN 'unhealthy'
				WHEN consecutive_failures + 1 >= $3 THEN 'degraded'
				ELSE health_status
			END,
			status = CASE
				WHEN consecutive_failures + 1 >= $2 THEN 'disabled'
				ELSE status
			END,
			updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING consecutive_failures, health_status, status`,
		id, UnhealthyThreshold, DegradedThreshold, time.Now().UTC())

	var (
		state  HealthState
		status string
	)
	err := row.Scan(&state.ConsecutiveFailures, &state.HealthStatus, &status)
	if err == sql.ErrNoRows {
		return nil, webhookNotFound("webhook.RecordFailure", id)
	}
	if err != nil {
		return nil, &core.DomainError{Op: "webhook.RecordFailure", Kind: core.KindTransport, ID: id, Err: err}
	}
	state.Disabled = status == StatusDisabled
	return &state, nil
}

func (s *PostgresWebhookStore) scanOne(op, id string, row *sql.Row) (*InboundWebhook, error) {
	webhook, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, webhookNotFound(op, id)
	}
	if err != nil {
		return nil, &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	return webhook, nil
}

type webhookScanner interface {
	Scan(dest ...interface{}) error
}

func scanWebhook(row webhookScanner) (*InboundWebhook, error) {
	var (
		webhook       InboundWebhook
		events        pq.StringArray
		lastSuccessAt sql.NullTime
		deletedAt     sql.NullTime
	)
	err := row.Scan(&webhook.ID, &webhook.TenantID, &webhook.URL,
		&webhook.SecretCiphertext, &events, &webhook.FormID, &webhook.Status,
		&webhook.HealthStatus, &webhook.ConsecutiveFailures, &webhook.SuccessCount,
		&webhook.FailureCount, &webhook.AverageLatencyMS, &lastSuccessAt,
		&deletedAt, &webhook.CreatedAt, &webhook.UpdatedAt)
	if err != nil {
		return nil, err
	}
	webhook.Events = events
	if lastSuccessAt.Valid {
		webhook.LastSuccessAt = &lastSuccessAt.Time
	}
	if deletedAt.Valid {
		webhook.DeletedAt = &deletedAt.Time
	}
	return &webhook, nil
}

func affectedOrNotFound(op, id string, result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return &core.DomainError{Op: op, Kind: core.KindTransport, ID: id, Err: err}
	}
	if n == 0 {
		return webhookNotFound(op, id)
	}
	return nil
}

// PostgresDeliveryStore is the production DeliveryStore backed by the
// webhook_deliveries table.
type PostgresDeliveryStore struct {
	db *sql.DB
}

// NewPostgresDeliveryStore wraps an open database handle.
func NewPostgresDeliveryStore(db *sql.DB) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{db: db}
}

var _ DeliveryStore = (*PostgresDeliveryStore)(nil)

func (s *PostgresDeliveryStore) Record(ctx context.Context, delivery *Delivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_name, payload_hash,
			signature, status, status_code, error_message, response_time_ms,
			attempt, delivered_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12)`,
		delivery.ID, delivery.WebhookID, delivery.EventName, delivery.PayloadHash,
		delivery.Signature, delivery.Status, delivery.StatusCode,
		delivery.ErrorMessage, delivery.ResponseTimeMS, delivery.Attempt,
		delivery.DeliveredAt, delivery.CreatedAt)
	if err != nil {
		return &core.DomainError{Op: "webhook.RecordDelivery", Kind: core.KindTransport, ID: delivery.ID, Err: err}
	}
	return nil
}

func (s *PostgresDeliveryStore) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_name, payload_hash, signature, status,
			status_code, COALESCE(error_message, ''), response_time_ms, attempt,
			delivered_at, created_at
		FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY created_at DESC LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, &core.DomainError{Op: "webhook.ListDeliveries", Kind: core.KindTransport, Err: err}
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var (
			delivery    Delivery
			deliveredAt sql.NullTime
		)
		err := rows.Scan(&delivery.ID, &delivery.WebhookID, &delivery.EventName,
			&delivery.PayloadHash, &delivery.Signature, &delivery.Status,
			&delivery.StatusCode, &delivery.ErrorMessage, &delivery.ResponseTimeMS,
			&delivery.Attempt, &deliveredAt, &delivery.CreatedAt)
		if err != nil {
			return nil, &core.DomainError{Op: "webhook.ListDeliveries", Kind: core.KindTransport, Err: err}
		}
		if deliveredAt.Valid {
			delivery.DeliveredAt = &deliveredAt.Time
		}
		out = append(out, &delivery)
	}
	return out, rows.Err()
}

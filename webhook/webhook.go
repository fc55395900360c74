// Package webhook covers both directions of webhook traffic: tenant
// CRUD with URL safety checks, the signature-verified inbound HTTP
// receiver, and the outbound priority delivery queue with per-webhook
// health tracking.
package webhook

import (
	"time"

	"github.com/flowhook/flowhook/core"
)

// Webhook statuses.
const (
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusDisabled = "disabled"
)

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)

// Failure-streak thresholds driving health transitions. Ten consecutive
// failures also disable the webhook entirely.
const (
	DegradedThreshold  = 5
	UnhealthyThreshold = 10
)

// InboundWebhook is a tenant-registered endpoint. The secret is stored
// encrypted; reads never expose the plaintext.
type InboundWebhook struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	URL                 string     `json:"url"`
	SecretCiphertext    string     `json:"-"`
	Events              []string   `json:"events"`
	FormID              string     `json:"form_id,omitempty"`
	Status              string     `json:"status"`
	HealthStatus        string     `json:"health_status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessCount        int        `json:"success_count"`
	FailureCount        int        `json:"failure_count"`
	AverageLatencyMS    float64    `json:"average_latency_ms"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Validate checks the fields a caller controls.
func (w *InboundWebhook) Validate() error {
	if w.TenantID == "" {
		return &core.DomainError{
			Op:      "webhook.Validate",
			Kind:    core.KindValidation,
			Message: "tenant_id is required",
			Err:     core.ErrValidation,
		}
	}
	if w.URL == "" {
		return &core.DomainError{
			Op:      "webhook.Validate",
			Kind:    core.KindValidation,
			Message: "url is required",
			Err:     core.ErrValidation,
		}
	}
	return nil
}

// DeliveryPriority orders outbound jobs by current health. Lower runs
// earlier; unhealthy endpoints wait behind everyone else.
func DeliveryPriority(health string) int {
	switch health {
	case HealthHealthy:
		return 1
	case HealthUnknown:
		return 2
	case HealthDegraded:
		return 3
	case HealthUnhealthy:
		return 5
	default:
		return 2
	}
}

// Delivery statuses.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Delivery is one outbound delivery attempt, recorded for every outcome.
type Delivery struct {
	ID             string     `json:"id"`
	WebhookID      string     `json:"webhook_id"`
	EventName      string     `json:"event_name"`
	PayloadHash    string     `json:"payload_hash"`
	Signature      string     `json:"signature"`
	Status         string     `json:"status"`
	StatusCode     int        `json:"status_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	ResponseTimeMS int64      `json:"response_time_ms"`
	Attempt        int        `json:"attempt"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

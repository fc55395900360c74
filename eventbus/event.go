// Package eventbus implements the event pipeline: append-only event
// storage with a deduplication window, a dual-path publisher (pub/sub
// broadcast with a polling fallback), glob subscriptions and the
// background poller that provides at-least-once delivery.
package eventbus

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowhook/flowhook/core"
)

// ProcessingMode tracks how an event moves through the pipeline.
// completed and failed are terminal.
type ProcessingMode string

const (
	ModeBroadcast ProcessingMode = "broadcast"
	ModePoll      ProcessingMode = "poll"
	ModeCompleted ProcessingMode = "completed"
	ModeFailed    ProcessingMode = "failed"
)

// Terminal reports whether the mode allows no further transitions.
func (m ProcessingMode) Terminal() bool {
	return m == ModeCompleted || m == ModeFailed
}

// Symbolic event type names accepted by Publish.
const (
	EventFormCreated          = "form.created"
	EventFormUpdated          = "form.updated"
	EventFormDeleted          = "form.deleted"
	EventFormPublished        = "form.published"
	EventFormSubmitted        = "form.submitted"
	EventSubmissionCreated    = "submission.created"
	EventSubmissionUpdated    = "submission.updated"
	EventSubmissionDeleted    = "submission.deleted"
	EventSubmissionFlagged    = "submission.flagged"
	EventWebhookDelivered     = "webhook.delivered"
	EventWebhookFailed        = "webhook.failed"
	EventIntegrationConnected = "integration.connected"
)

var validEventTypes = map[string]struct{}{
	EventFormCreated:          {},
	EventFormUpdated:          {},
	EventFormDeleted:          {},
	EventFormPublished:        {},
	EventFormSubmitted:        {},
	EventSubmissionCreated:    {},
	EventSubmissionUpdated:    {},
	EventSubmissionDeleted:    {},
	EventSubmissionFlagged:    {},
	EventWebhookDelivered:     {},
	EventWebhookFailed:        {},
	EventIntegrationConnected: {},
}

// ValidEventType reports whether t is one of the symbolic event names.
func ValidEventType(t string) bool {
	_, ok := validEventTypes[t]
	return ok
}

// Event is the immutable record of something that happened. It is created
// by the Bus and mutated only by the Bus and the poller.
type Event struct {
	ID          string                 `json:"id"`
	TenantID    string                 `json:"tenant_id"`
	EventType   string                 `json:"event_type"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	ActorID     string                 `json:"actor_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Mode        ProcessingMode         `json:"processing_mode"`
	RetryCount  int                    `json:"retry_count"`
	NextRetryAt *time.Time             `json:"next_retry_at,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Validate checks the structural requirements for publishing.
func (e *Event) Validate() error {
	op := "eventbus.Event.Validate"
	if e.TenantID == "" {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "tenant_id is required", Err: core.ErrValidation}
	}
	if !ValidEventType(e.EventType) {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "unrecognized event_type", Err: core.ErrValidation}
	}
	if e.EntityID == "" {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "entity_id is required", Err: core.ErrValidation}
	}
	return nil
}

// normalize assigns defaults before persistence: a fresh id when absent,
// poll mode and a creation timestamp.
func (e *Event) normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Mode == "" {
		e.Mode = ModePoll
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
}

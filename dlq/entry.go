// Package dlq persists terminally failed actions for manual triage:
// upsert keyed by (event, action), single and bulk retry against stored
// snapshots, statistics, and retention cleanup.
package dlq

import (
	"time"

	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/trigger"
)

// Entry statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusResolved   = "resolved"
	StatusFailed     = "failed"
	StatusIgnored    = "ignored"
)

// LastError captures the terminal error of the failing attempt. The
// message is PII-redacted before it is stored.
type LastError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status,omitempty"`
}

// Entry is one dead-lettered action. At most one row exists per
// (event_id, action_id); repeat failures increment FailureCount. The
// snapshots make retries independent of later trigger or action edits.
type Entry struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	EventID        string          `json:"event_id"`
	TriggerID      string          `json:"trigger_id"`
	ActionID       string          `json:"action_id"`
	FailureReason  string          `json:"failure_reason"`
	FailureCount   int             `json:"failure_count"`
	LastError      LastError       `json:"last_error"`
	EventSnapshot  *eventbus.Event `json:"event_snapshot"`
	ActionSnapshot *trigger.Action `json:"action_snapshot"`
	Status         string          `json:"status"`
	RetryAfter     *time.Time      `json:"retry_after,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Retryable reports whether a retry may be attempted now. Only pending
// entries whose retry_after gate has passed qualify.
func (e *Entry) Retryable(now time.Time) bool {
	if e.Status != StatusPending {
		return false
	}
	return e.RetryAfter == nil || !e.RetryAfter.After(now)
}

// Stats is the per-status breakdown returned by the store.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// StatsFilter narrows a stats query. Zero values mean "all".
type StatsFilter struct {
	TenantID string
	From     *time.Time
	To       *time.Time
}

// ListFilter narrows and pages the pending listing.
type ListFilter struct {
	TenantID  string
	EventType string
	Limit     int
	Offset    int
}

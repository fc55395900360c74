package telemetry

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/flowhook/flowhook/core"
)

// Metric label values must come from fixed taxonomies so that no unbounded
// input (user-chosen event types, raw error text) ever reaches the metrics
// backend as a label.

// knownEventTypes is the fixed taxonomy of event type labels. Anything not
// in this set gets mapped to a bucket key by NormalizeEventType.
var knownEventTypes = map[string]struct{}{
	"form.created":          {},
	"form.updated":          {},
	"form.deleted":          {},
	"form.published":        {},
	"form.submitted":        {},
	"submission.created":    {},
	"submission.updated":    {},
	"submission.deleted":    {},
	"submission.flagged":    {},
	"webhook.created":       {},
	"webhook.updated":       {},
	"webhook.deleted":       {},
	"webhook.delivered":     {},
	"webhook.failed":        {},
	"trigger.created":       {},
	"trigger.updated":       {},
	"trigger.deleted":       {},
	"trigger.fired":         {},
	"user.created":          {},
	"user.updated":          {},
	"user.deleted":          {},
	"workflow.started":      {},
	"workflow.completed":    {},
	"workflow.failed":       {},
	"integration.connected": {},
}

// knownCategories are the prefixes that collapse to "{category}.other"
// when the full event type is not in the taxonomy.
var knownCategories = map[string]struct{}{
	"form":        {},
	"submission":  {},
	"webhook":     {},
	"trigger":     {},
	"user":        {},
	"workflow":    {},
	"integration": {},
}

var (
	uuidSegment   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	randomSegment = regexp.MustCompile(`[0-9a-fA-F]{16,}|\d{10,}`)
	digitSegment  = regexp.MustCompile(`\d`)
)

// NormalizeEventType maps an arbitrary event type string onto the bounded
// label taxonomy. Unknown values collapse to bucket keys rather than
// passing through verbatim.
func NormalizeEventType(raw string) string {
	eventType := strings.ToLower(strings.TrimSpace(raw))
	if eventType == "" {
		return "unknown_event"
	}
	if _, ok := knownEventTypes[eventType]; ok {
		return eventType
	}
	if uuidSegment.MatchString(eventType) {
		return "generic_uuid_event"
	}
	if randomSegment.MatchString(eventType) {
		return "generic_random_event"
	}
	if category, _, found := strings.Cut(eventType, "."); found {
		if _, ok := knownCategories[category]; ok {
			return category + ".other"
		}
	}
	if strings.HasPrefix(eventType, "custom.") || strings.HasPrefix(eventType, "custom_") {
		return "custom_event"
	}
	if digitSegment.MatchString(eventType) {
		return "dynamic_event"
	}
	return "unknown_event"
}

// Error name taxonomy. Every error collapses to one of these labels.
const (
	ErrNameNetworkTimeout    = "network_timeout"
	ErrNameConnectionRefused = "connection_refused"
	ErrNameConnectionReset   = "connection_reset"
	ErrNameDNSFailed         = "dns_resolution_failed"
	ErrNameValidation        = "validation_error"
	ErrNameDatabase          = "database_error"
	ErrNameUnauthorized      = "auth_unauthorized"
	ErrNameForbidden         = "auth_forbidden"
	ErrNameTimeout           = "timeout_error"
	ErrNameRateLimited       = "rate_limit_exceeded"
	ErrNameUnknown           = "unknown_error"
)

// NormalizeErrorName maps an error onto the bounded error label taxonomy.
func NormalizeErrorName(err error) string {
	if err == nil {
		return ErrNameUnknown
	}

	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return ErrNameUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return ErrNameForbidden
	case errors.Is(err, core.ErrValidation):
		return ErrNameValidation
	case errors.Is(err, core.ErrRateLimited):
		return ErrNameRateLimited
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrNameDNSFailed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrNameNetworkTimeout
	}
	if errors.Is(err, core.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrNameTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return ErrNameConnectionRefused
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return ErrNameConnectionReset
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"):
		return ErrNameDNSFailed
	case strings.Contains(msg, "sql"), strings.Contains(msg, "pq:"), strings.Contains(msg, "database"):
		return ErrNameDatabase
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrNameTimeout
	}
	return ErrNameUnknown
}

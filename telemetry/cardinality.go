package telemetry

import "sync"

// Per-label cardinality caps. Once a label has produced its cap of
// distinct values, further unseen values collapse to the overflow bucket.
const (
	DefaultEventTypeCardinality = 100
	DefaultErrorCardinality     = 50
	defaultLabelCardinality     = 100
)

// CardinalityLimiter bounds the number of distinct values any metric label
// can take. It is the last line of defense: values should already come
// from the normalization taxonomies, but nothing past this point may be
// unbounded.
type CardinalityLimiter struct {
	mu       sync.Mutex
	seen     map[string]map[string]struct{}
	limits   map[string]int
	overflow map[string]string
}

// NewCardinalityLimiter creates a limiter with the default per-label caps.
func NewCardinalityLimiter() *CardinalityLimiter {
	return &CardinalityLimiter{
		seen: make(map[string]map[string]struct{}),
		limits: map[string]int{
			"event_type": DefaultEventTypeCardinality,
			"error":      DefaultErrorCardinality,
			"error_type": DefaultErrorCardinality,
		},
		overflow: map[string]string{
			"event_type": "unknown_event",
			"error":      ErrNameUnknown,
			"error_type": ErrNameUnknown,
		},
	}
}

// Allow returns the label value to emit: the value itself while the label
// is under its cap, or the label's overflow bucket once the cap is hit.
// Values seen before the cap keep passing through afterwards.
func (l *CardinalityLimiter) Allow(label, value string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	values, ok := l.seen[label]
	if !ok {
		values = make(map[string]struct{})
		l.seen[label] = values
	}
	if _, ok := values[value]; ok {
		return value
	}

	limit, ok := l.limits[label]
	if !ok {
		limit = defaultLabelCardinality
	}
	if len(values) >= limit {
		return l.overflowValue(label)
	}
	values[value] = struct{}{}
	return value
}

func (l *CardinalityLimiter) overflowValue(label string) string {
	if v, ok := l.overflow[label]; ok {
		return v
	}
	return "other"
}

// Distinct reports how many values a label has admitted so far.
func (l *CardinalityLimiter) Distinct(label string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen[label])
}

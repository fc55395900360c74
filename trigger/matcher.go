package trigger

import (
	"context"
	"strconv"
	"strings"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/telemetry"
)

// Matcher selects the triggers that should fire for a published event.
type Matcher struct {
	store     Store
	logger    core.Logger
	telemetry core.Telemetry
}

// NewMatcher creates a matcher over a trigger store.
func NewMatcher(store Store, logger core.Logger, tel core.Telemetry) *Matcher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("trigger-matcher")
	}
	return &Matcher{store: store, logger: logger, telemetry: tel}
}

// Match returns the active triggers for the event's tenant and type whose
// scope and conditions all hold, sorted by priority ascending. The order
// fixes execution order when several triggers match.
func (m *Matcher) Match(ctx context.Context, event *eventbus.Event) ([]*Trigger, error) {
	ctx, span := m.telemetry.StartSpan(ctx, "trigger.match")
	defer span.End()
	span.SetAttribute("event_type", event.EventType)

	candidates, err := m.store.ListActive(ctx, event.TenantID, event.EventType)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	matched := make([]*Trigger, 0, len(candidates))
	for _, t := range candidates {
		if !matchesScope(t, event) {
			continue
		}
		if !EvaluateConditions(event, t.Conditions) {
			continue
		}
		matched = append(matched, t)
	}

	span.SetAttribute("candidates", len(candidates))
	span.SetAttribute("matched", len(matched))
	m.telemetry.RecordMetric(telemetry.MetricTriggerMatches, float64(len(matched)),
		map[string]string{"event_type": telemetry.NormalizeEventType(event.EventType)})
	m.logger.Debug("Trigger match completed", map[string]interface{}{
		"operation":  "match",
		"event_id":   event.ID,
		"event_type": event.EventType,
		"candidates": len(candidates),
		"matched":    len(matched),
	})
	return matched, nil
}

func matchesScope(t *Trigger, event *eventbus.Event) bool {
	switch t.Scope {
	case ScopeAllForms:
		return true
	case ScopeSpecificForms:
		for _, id := range t.FormIDs {
			if id == event.EntityID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// EvaluateConditions reports whether every condition holds for the event.
// An empty condition list always matches.
func EvaluateConditions(event *eventbus.Event, conditions []Condition) bool {
	if len(conditions) == 0 {
		return true
	}
	tree := eventTree(event)
	for _, c := range conditions {
		if !evaluateCondition(tree, c) {
			return false
		}
	}
	return true
}

// eventTree exposes the event as a value tree for dot-path resolution.
func eventTree(event *eventbus.Event) map[string]interface{} {
	return map[string]interface{}{
		"id":          event.ID,
		"tenant_id":   event.TenantID,
		"event_type":  event.EventType,
		"entity_type": event.EntityType,
		"entity_id":   event.EntityID,
		"actor_id":    event.ActorID,
		"data":        event.Data,
	}
}

func evaluateCondition(tree map[string]interface{}, c Condition) bool {
	value, found := core.LookupPath(tree, c.Field)
	if !found {
		value = nil
	}

	// Null semantics: only the null checks can hold on an absent value.
	switch c.Operator {
	case OpIsNull:
		return value == nil
	case OpIsNotNull:
		return value != nil
	}
	if value == nil {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(value, c.Value)
	case OpNotEquals:
		return !valuesEqual(value, c.Value)
	case OpContains:
		return containsValue(value, c.Value)
	case OpNotContains:
		return !containsValue(value, c.Value)
	case OpGreaterThan:
		return compareNumbers(value, c.Value, func(a, b float64) bool { return a > b })
	case OpLessThan:
		return compareNumbers(value, c.Value, func(a, b float64) bool { return a < b })
	case OpGreaterOrEqual:
		return compareNumbers(value, c.Value, func(a, b float64) bool { return a >= b })
	case OpLessOrEqual:
		return compareNumbers(value, c.Value, func(a, b float64) bool { return a <= b })
	case OpIn:
		return inList(value, c.Value)
	case OpNotIn:
		return !inList(value, c.Value)
	default:
		return false
	}
}

// valuesEqual compares two leaf values: numerically when both are
// numbers, with bidi controls stripped when both are strings.
func valuesEqual(actual, expected interface{}) bool {
	if a, aok := asNumber(actual); aok {
		if b, bok := asNumber(expected); bok {
			return a == b
		}
	}
	if a, aok := actual.(string); aok {
		if b, bok := expected.(string); bok {
			return core.StripBidi(a) == core.StripBidi(b)
		}
	}
	if a, aok := actual.(bool); aok {
		if b, bok := expected.(bool); bok {
			return a == b
		}
	}
	return false
}

// asNumber recognizes numeric leaf types without parsing strings;
// equality between "5" and 5 is not implied.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// coerceNumber additionally parses numeric strings. Used only by the
// ordering operators, which coerce both sides; coercion failure makes the
// condition false.
func coerceNumber(v interface{}) (float64, bool) {
	if n, ok := asNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(core.StripBidi(s)), 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

func compareNumbers(actual, expected interface{}, cmp func(a, b float64) bool) bool {
	a, aok := coerceNumber(actual)
	b, bok := coerceNumber(expected)
	if !aok || !bok {
		return false
	}
	return cmp(a, b)
}

// containsValue handles substring match on strings and membership on
// lists.
func containsValue(actual, expected interface{}) bool {
	switch a := actual.(type) {
	case string:
		e, ok := expected.(string)
		if !ok {
			return false
		}
		return strings.Contains(core.StripBidi(a), core.StripBidi(e))
	case []interface{}:
		for _, item := range a {
			if valuesEqual(item, expected) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// inList reports membership of the actual value in the expected list.
func inList(actual, expected interface{}) bool {
	switch list := expected.(type) {
	case []interface{}:
		for _, item := range list {
			if valuesEqual(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if valuesEqual(actual, item) {
				return true
			}
		}
	}
	return false
}

package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/eventbus"
)

var templatePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// InterpolateConfig resolves {{ path }} templates in every string leaf of
// an action config against the event. Missing paths become the empty
// string. Nested objects and arrays are walked; non-string leaves pass
// through unchanged.
func InterpolateConfig(config map[string]interface{}, event *eventbus.Event) map[string]interface{} {
	if len(config) == 0 {
		return config
	}
	tree := eventTree(event)
	visit := func(s string) string {
		return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
			path := strings.TrimSpace(match[2 : len(match)-2])
			value, ok := core.LookupPath(tree, path)
			if !ok || value == nil {
				return ""
			}
			if str, isString := value.(string); isString {
				return str
			}
			return fmt.Sprintf("%v", value)
		})
	}
	return core.WalkStrings(config, visit).(map[string]interface{})
}

// eventTree exposes the event as a value tree for template resolution.
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

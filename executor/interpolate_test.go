package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowhook/flowhook/eventbus"
)

func interpolationEvent() *eventbus.Event {
	return &eventbus.Event{
		ID:         "e-1",
		TenantID:   "tenant-1",
		EventType:  "form.submitted",
		EntityType: "form",
		EntityID:   "F1",
		Data: map[string]interface{}{
			"formId": "F1",
			"score":  float64(42),
			"submitter": map[string]interface{}{
				"email": "alice@example.com",
			},
		},
	}
}

func TestInterpolateConfig(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]interface{}
		want   map[string]interface{}
	}{
		{
			name:   "data path",
			config: map[string]interface{}{"url": "https://api.test/forms/{{data.formId}}"},
			want:   map[string]interface{}{"url": "https://api.test/forms/F1"},
		},
		{
			name:   "top-level fields",
			config: map[string]interface{}{"subject": "{{event_type}} for {{entity_id}}"},
			want:   map[string]interface{}{"subject": "form.submitted for F1"},
		},
		{
			name:   "nested data path",
			config: map[string]interface{}{"to": "{{data.submitter.email}}"},
			want:   map[string]interface{}{"to": "alice@example.com"},
		},
		{
			name:   "missing path becomes empty",
			config: map[string]interface{}{"ref": "id={{data.missing.path}}"},
			want:   map[string]interface{}{"ref": "id="},
		},
		{
			name:   "non-string leaf value stringified",
			config: map[string]interface{}{"body": "score is {{data.score}}"},
			want:   map[string]interface{}{"body": "score is 42"},
		},
		{
			name:   "whitespace inside braces tolerated",
			config: map[string]interface{}{"url": "{{ data.formId }}"},
			want:   map[string]interface{}{"url": "F1"},
		},
		{
			name: "nested config objects and arrays walked",
			config: map[string]interface{}{
				"headers": map[string]interface{}{"X-Form": "{{data.formId}}"},
				"tags":    []interface{}{"{{entity_type}}", "static"},
			},
			want: map[string]interface{}{
				"headers": map[string]interface{}{"X-Form": "F1"},
				"tags":    []interface{}{"form", "static"},
			},
		},
		{
			name:   "non-string leaves pass through",
			config: map[string]interface{}{"timeout": float64(30), "enabled": true},
			want:   map[string]interface{}{"timeout": float64(30), "enabled": true},
		},
	}

	event := interpolationEvent()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InterpolateConfig(tt.config, event))
		})
	}
}

func TestInterpolateConfigDoesNotMutateInput(t *testing.T) {
	config := map[string]interface{}{"url": "https://api.test/{{data.formId}}"}
	InterpolateConfig(config, interpolationEvent())
	assert.Equal(t, "https://api.test/{{data.formId}}", config["url"])
}

func TestInterpolateConfigEmpty(t *testing.T) {
	assert.Nil(t, InterpolateConfig(nil, interpolationEvent()))
}

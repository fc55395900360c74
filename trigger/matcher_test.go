package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowhook/flowhook/eventbus"
)

func matchEvent(data map[string]interface{}) *eventbus.Event {
	return &eventbus.Event{
		ID:         "e-1",
		TenantID:   "tenant-1",
		EventType:  "form.submitted",
		EntityType: "form",
		EntityID:   "F1",
		Data:       data,
	}
}

func TestMatcherScopeFiltering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	all := validTrigger()
	all.Name = "all forms"
	require.NoError(t, store.Save(ctx, all))

	specific := validTrigger()
	specific.Name = "specific hit"
	specific.Scope = ScopeSpecificForms
	specific.FormIDs = []string{"F1", "F2"}
	require.NoError(t, store.Save(ctx, specific))

	miss := validTrigger()
	miss.Name = "specific miss"
	miss.Scope = ScopeSpecificForms
	miss.FormIDs = []string{"F9"}
	require.NoError(t, store.Save(ctx, miss))

	empty := validTrigger()
	empty.Name = "specific empty"
	empty.Scope = ScopeSpecificForms
	require.NoError(t, store.Save(ctx, empty))

	matcher := NewMatcher(store, nil, nil)
	matched, err := matcher.Match(context.Background(), matchEvent(nil))
	require.NoError(t, err)

	names := make([]string, 0, len(matched))
	for _, m := range matched {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"all forms", "specific hit"}, names)
}

func TestMatcherPriorityOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for name, priority := range map[string]int{"second": 5, "first": 1, "third": 9} {
		tr := validTrigger()
		tr.Name = name
		tr.Priority = priority
		require.NoError(t, store.Save(ctx, tr))
	}

	matcher := NewMatcher(store, nil, nil)
	matched, err := matcher.Match(context.Background(), matchEvent(nil))
	require.NoError(t, err)
	require.Len(t, matched, 3)
	assert.Equal(t, "first", matched[0].Name)
	assert.Equal(t, "second", matched[1].Name)
	assert.Equal(t, "third", matched[2].Name)
}

func evalOne(t *testing.T, data map[string]interface{}, c Condition) bool {
	t.Helper()
	return EvaluateConditions(matchEvent(data), []Condition{c})
}

func TestConditionOperators(t *testing.T) {
	data := map[string]interface{}{
		"form": map[string]interface{}{
			"name":  "Contact Form",
			"score": float64(42),
			"tags":  []interface{}{"sales", "priority"},
		},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Field: "data.form.name", Operator: OpEquals, Value: "Contact Form"}, true},
		{"equals mismatch", Condition{Field: "data.form.name", Operator: OpEquals, Value: "Other"}, false},
		{"equals number", Condition{Field: "data.form.score", Operator: OpEquals, Value: 42}, true},
		{"equals no string-number coercion", Condition{Field: "data.form.score", Operator: OpEquals, Value: "42"}, false},
		{"not_equals", Condition{Field: "data.form.name", Operator: OpNotEquals, Value: "Other"}, true},
		{"contains substring", Condition{Field: "data.form.name", Operator: OpContains, Value: "Contact"}, true},
		{"contains list member", Condition{Field: "data.form.tags", Operator: OpContains, Value: "sales"}, true},
		{"not_contains", Condition{Field: "data.form.name", Operator: OpNotContains, Value: "zzz"}, true},
		{"greater_than", Condition{Field: "data.form.score", Operator: OpGreaterThan, Value: 40}, true},
		{"greater_than false", Condition{Field: "data.form.score", Operator: OpGreaterThan, Value: 42}, false},
		{"less_than", Condition{Field: "data.form.score", Operator: OpLessThan, Value: 43}, true},
		{"greater_or_equal", Condition{Field: "data.form.score", Operator: OpGreaterOrEqual, Value: 42}, true},
		{"less_or_equal", Condition{Field: "data.form.score", Operator: OpLessOrEqual, Value: 42}, true},
		{"ordering coerces numeric strings", Condition{Field: "data.form.score", Operator: OpGreaterThan, Value: "40"}, true},
		{"coercion failure is false", Condition{Field: "data.form.name", Operator: OpGreaterThan, Value: 1}, false},
		{"in", Condition{Field: "data.form.name", Operator: OpIn, Value: []interface{}{"Contact Form", "Other"}}, true},
		{"in miss", Condition{Field: "data.form.name", Operator: OpIn, Value: []interface{}{"Other"}}, false},
		{"not_in", Condition{Field: "data.form.name", Operator: OpNotIn, Value: []interface{}{"Other"}}, true},
		{"is_not_null", Condition{Field: "data.form.name", Operator: OpIsNotNull}, true},
		{"is_null on present", Condition{Field: "data.form.name", Operator: OpIsNull}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalOne(t, data, tt.cond))
		})
	}
}

func TestConditionNullSemantics(t *testing.T) {
	data := map[string]interface{}{"present": "x", "explicit": nil}

	assert.True(t, evalOne(t, data, Condition{Field: "data.missing", Operator: OpIsNull}))
	assert.True(t, evalOne(t, data, Condition{Field: "data.explicit", Operator: OpIsNull}))
	assert.False(t, evalOne(t, data, Condition{Field: "data.missing", Operator: OpIsNotNull}))

	// Every other operator is false on null/absent values.
	for _, op := range []string{OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual, OpIn, OpNotIn} {
		assert.False(t, evalOne(t, data, Condition{Field: "data.missing", Operator: op, Value: "x"}),
			"operator %s must be false on absent value", op)
	}
}

func TestConditionStripsBidiBeforeCompare(t *testing.T) {
	data := map[string]interface{}{"name": "Con‮tact"}
	assert.True(t, evalOne(t, data, Condition{Field: "data.name", Operator: OpEquals, Value: "Contact"}))
	assert.True(t, evalOne(t, data, Condition{Field: "data.name", Operator: OpContains, Value: "Cont⁦act"}))
}

func TestConditionsAreConjunctive(t *testing.T) {
	data := map[string]interface{}{"a": float64(1), "b": float64(2)}
	conds := []Condition{
		{Field: "data.a", Operator: OpEquals, Value: 1},
		{Field: "data.b", Operator: OpEquals, Value: 2},
	}
	assert.True(t, EvaluateConditions(matchEvent(data), conds))

	conds[1].Value = 3
	assert.False(t, EvaluateConditions(matchEvent(data), conds))

	assert.True(t, EvaluateConditions(matchEvent(nil), nil), "empty condition list matches")
}

package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowhook/flowhook/core"
)

func validTrigger() *Trigger {
	return &Trigger{
		Name:          "notify on submit",
		TenantID:      "tenant-1",
		Level:         LevelUserDefined,
		EventType:     "form.submitted",
		Status:        StatusActive,
		Scope:         ScopeAllForms,
		ErrorHandling: StopOnFirstError,
		Actions: []*Action{{
			ID:          "a-1",
			ActionType:  ActionSendWebhook,
			Config:      map[string]interface{}{"url": "http://example.test/w"},
			RetryConfig: DefaultRetryConfig(),
			TimeoutMS:   5000,
		}},
	}
}

func TestTriggerValidate(t *testing.T) {
	assert.NoError(t, validTrigger().Validate())

	noName := validTrigger()
	noName.Name = ""
	assert.ErrorIs(t, noName.Validate(), core.ErrValidation)

	badStatus := validTrigger()
	badStatus.Status = "enabled"
	assert.ErrorIs(t, badStatus.Validate(), core.ErrValidation)

	badScope := validTrigger()
	badScope.Scope = "everything"
	assert.ErrorIs(t, badScope.Validate(), core.ErrValidation)

	badStrategy := validTrigger()
	badStrategy.ErrorHandling = "panic"
	assert.ErrorIs(t, badStrategy.Validate(), core.ErrValidation)
}

func TestActiveTriggerRequiresActions(t *testing.T) {
	active := validTrigger()
	active.Actions = nil
	err := active.Validate()
	assert.ErrorIs(t, err, core.ErrValidation)

	// Draft and inactive triggers may have empty chains.
	draft := validTrigger()
	draft.Status = StatusDraft
	draft.Actions = nil
	assert.NoError(t, draft.Validate())

	inactive := validTrigger()
	inactive.Status = StatusInactive
	inactive.Actions = nil
	assert.NoError(t, inactive.Validate())
}

func TestConditionValidate(t *testing.T) {
	assert.NoError(t, Condition{Field: "data.x", Operator: OpEquals, Value: 1}.Validate())
	assert.ErrorIs(t, Condition{Operator: OpEquals}.Validate(), core.ErrValidation)
	assert.ErrorIs(t, Condition{Field: "data.x", Operator: "matches"}.Validate(), core.ErrValidation)
}

func TestActionValidate(t *testing.T) {
	ok := &Action{ActionType: ActionSendEmail, TimeoutMS: 1000, RetryConfig: DefaultRetryConfig()}
	assert.NoError(t, ok.Validate())

	noTimeout := &Action{ActionType: ActionSendEmail, RetryConfig: DefaultRetryConfig()}
	assert.ErrorIs(t, noTimeout.Validate(), core.ErrValidation)

	negativeOrder := &Action{ActionType: ActionSendEmail, TimeoutMS: 1000, Order: -1, RetryConfig: DefaultRetryConfig()}
	assert.ErrorIs(t, negativeOrder.Validate(), core.ErrValidation)

	badRetry := &Action{ActionType: ActionSendEmail, TimeoutMS: 1000, RetryConfig: RetryConfig{MaxAttempts: 0, BackoffMultiplier: 2}}
	assert.ErrorIs(t, badRetry.Validate(), core.ErrValidation)
}

func TestSortActionsStableOnOrderTies(t *testing.T) {
	actions := []*Action{
		{ID: "c", Order: 1},
		{ID: "a", Order: 0},
		{ID: "b", Order: 1},
	}
	SortActions(actions)
	assert.Equal(t, "a", actions[0].ID)
	assert.Equal(t, "b", actions[1].ID)
	assert.Equal(t, "c", actions[2].ID)
}

func TestRetryConfigDelay(t *testing.T) {
	r := RetryConfig{MaxAttempts: 3, BackoffMultiplier: 2, InitialDelayMS: 10}
	assert.Equal(t, 10*time.Millisecond, r.Delay(1))
	assert.Equal(t, 20*time.Millisecond, r.Delay(2))
	assert.Equal(t, 40*time.Millisecond, r.Delay(3))
}

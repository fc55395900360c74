// Package trigger holds the declarative trigger model and the matcher
// that selects triggers for a published event: tenant and event-type
// lookup, scope filtering and conjunctive condition evaluation.
package trigger

import (
	"sort"
	"time"

	"github.com/flowhook/flowhook/core"
)

// Trigger levels.
const (
	LevelPlatform     = "platform"
	LevelOrganization = "organization"
	LevelUserDefined  = "user_defined"
)

// Trigger statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusDraft    = "draft"
)

// Trigger scopes.
const (
	ScopeAllForms      = "all_forms"
	ScopeSpecificForms = "specific_forms"
)

// Error-handling strategies for the action chain.
const (
	StopOnFirstError = "stop_on_first_error"
	ContinueOnError  = "continue_on_error"
	RollbackOnError  = "rollback_on_error"
)

// Condition operators.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpIn             = "in"
	OpNotIn          = "not_in"
	OpIsNull         = "is_null"
	OpIsNotNull      = "is_not_null"
)

var validOperators = map[string]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpContains: {}, OpNotContains: {},
	OpGreaterThan: {}, OpLessThan: {}, OpGreaterOrEqual: {}, OpLessOrEqual: {},
	OpIn: {}, OpNotIn: {}, OpIsNull: {}, OpIsNotNull: {},
}

// Condition is one predicate over the event. Field is a dot-notation
// path, typically under "data.".
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// Validate checks the condition's structure.
func (c Condition) Validate() error {
	op := "trigger.Condition.Validate"
	if c.Field == "" {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "condition field is required", Err: core.ErrValidation}
	}
	if _, ok := validOperators[c.Operator]; !ok {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "unrecognized condition operator", Err: core.ErrValidation}
	}
	return nil
}

// RetryConfig governs per-action retry behavior.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	InitialDelayMS    int     `json:"initial_delay_ms"`
}

// DefaultRetryConfig is applied when an action carries none.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffMultiplier: 2, InitialDelayMS: 1000}
}

// Validate enforces the retry bounds.
func (r RetryConfig) Validate() error {
	op := "trigger.RetryConfig.Validate"
	if r.MaxAttempts < 1 {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "max_attempts must be at least 1", Err: core.ErrValidation}
	}
	if r.BackoffMultiplier < 1 {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "backoff_multiplier must be at least 1", Err: core.ErrValidation}
	}
	if r.InitialDelayMS < 0 {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "initial_delay_ms must not be negative", Err: core.ErrValidation}
	}
	return nil
}

// Delay returns the sleep before retrying after the given 1-based attempt:
// initial_delay_ms * backoff_multiplier^(attempt-1).
func (r RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(r.InitialDelayMS)
	for i := 1; i < attempt; i++ {
		delay *= r.BackoffMultiplier
	}
	return time.Duration(delay) * time.Millisecond
}

// Action types.
const (
	ActionSendWebhook     = "send_webhook"
	ActionSendEmail       = "send_email"
	ActionSendSMS         = "send_sms"
	ActionUpdateCRM       = "update_crm"
	ActionCreateTask      = "create_task"
	ActionTriggerWorkflow = "trigger_workflow"
	ActionCustom          = "custom"

	// ActionRollback is the synthetic type compensation dispatches with.
	ActionRollback = "rollback"
)

// Action is one step in a trigger's chain.
type Action struct {
	ID          string                 `json:"id"`
	TriggerID   string                 `json:"trigger_id"`
	ActionType  string                 `json:"action_type"`
	Order       int                    `json:"order"`
	Config      map[string]interface{} `json:"config,omitempty"`
	RetryConfig RetryConfig            `json:"retry_config"`
	TimeoutMS   int                    `json:"timeout_ms"`
	IsCritical  bool                   `json:"is_critical"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Timeout returns the per-attempt timeout as a duration.
func (a *Action) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// Validate checks the action's structure.
func (a *Action) Validate() error {
	op := "trigger.Action.Validate"
	if a.ActionType == "" {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "action_type is required", Err: core.ErrValidation}
	}
	if a.Order < 0 {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "order must not be negative", Err: core.ErrValidation}
	}
	if a.TimeoutMS <= 0 {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "timeout_ms must be positive", Err: core.ErrValidation}
	}
	return a.RetryConfig.Validate()
}

// SortActions orders a chain for execution: by order, ties broken by id
// so execution order is stable.
func SortActions(actions []*Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Order != actions[j].Order {
			return actions[i].Order < actions[j].Order
		}
		return actions[i].ID < actions[j].ID
	})
}

// Trigger is a declarative rule mapping a tenant's event to an ordered
// action chain. An empty TenantID denotes a platform-global rule.
type Trigger struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id,omitempty"`
	Name          string      `json:"name"`
	Level         string      `json:"level"`
	EventType     string      `json:"event_type"`
	Status        string      `json:"status"`
	Scope         string      `json:"scope"`
	FormIDs       []string    `json:"form_ids,omitempty"`
	Conditions    []Condition `json:"conditions,omitempty"`
	Priority      int         `json:"priority"`
	ErrorHandling string      `json:"error_handling"`
	Actions       []*Action   `json:"actions,omitempty"`
	CreatedBy     string      `json:"created_by,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Validate checks the trigger's structure, including the invariant that
// an active trigger must have at least one action.
func (t *Trigger) Validate() error {
	op := "trigger.Validate"
	if t.Name == "" {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "trigger name is required", Err: core.ErrValidation}
	}
	if t.EventType == "" {
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "event_type is required", Err: core.ErrValidation}
	}
	switch t.Status {
	case StatusActive, StatusInactive, StatusDraft:
	default:
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "unrecognized trigger status", Err: core.ErrValidation}
	}
	switch t.Scope {
	case ScopeAllForms, ScopeSpecificForms:
	default:
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "unrecognized trigger scope", Err: core.ErrValidation}
	}
	switch t.ErrorHandling {
	case StopOnFirstError, ContinueOnError, RollbackOnError:
	default:
		return &core.DomainError{Op: op, Kind: core.KindValidation, Message: "unrecognized error handling strategy", Err: core.ErrValidation}
	}
	if t.Status == StatusActive && len(t.Actions) == 0 {
		return &core.DomainError{Op: op, Kind: core.KindValidation, ID: t.ID,
			Message: "an active trigger must have at least one action", Err: core.ErrValidation}
	}
	for _, c := range t.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for _, a := range t.Actions {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

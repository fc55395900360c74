package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/telemetry"
	"github.com/flowhook/flowhook/trigger"
)

// defaultActionTimeout guards against actions persisted without one.
const defaultActionTimeout = 30 * time.Second

// Options configures a ChainExecutor.
type Options struct {
	Executions ExecutionStore
	Handlers   *Registry
	DLQ        DeadLetterSink // optional
	Refresher  TokenRefresher // optional; enables the token-expired replay
	Logger     core.Logger
	Telemetry  core.Telemetry
}

// ChainExecutor runs a trigger's ordered action chain for an event.
type ChainExecutor struct {
	executions ExecutionStore
	handlers   *Registry
	dlq        DeadLetterSink
	refresher  TokenRefresher
	logger     core.Logger
	telemetry  core.Telemetry
	sleep      func(ctx context.Context, d time.Duration) error
}

// executedStep pairs a completed action with its result for compensation.
type executedStep struct {
	action *trigger.Action
	result *Result
}

// NewChainExecutor creates an executor.
func NewChainExecutor(opts Options) (*ChainExecutor, error) {
	if opts.Executions == nil || opts.Handlers == nil {
		return nil, fmt.Errorf("execution store and handler registry are required: %w", core.ErrMissingConfiguration)
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &core.NoOpTelemetry{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("action-executor")
	}
	return &ChainExecutor{
		executions: opts.Executions,
		handlers:   opts.Handlers,
		dlq:        opts.DLQ,
		refresher:  opts.Refresher,
		logger:     opts.Logger,
		telemetry:  opts.Telemetry,
		sleep:      sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExecuteChain runs the trigger's actions in (order, id) order, applying
// the trigger's error-handling strategy on failure.
func (e *ChainExecutor) ExecuteChain(ctx context.Context, event *eventbus.Event, trig *trigger.Trigger) error {
	ctx, span := e.telemetry.StartSpan(ctx, "action_chain_execution")
	defer span.End()
	span.SetAttribute("trigger_id", trig.ID)
	span.SetAttribute("event_id", event.ID)
	span.SetAttribute("action_count", len(trig.Actions))

	actions := make([]*trigger.Action, len(trig.Actions))
	copy(actions, trig.Actions)
	trigger.SortActions(actions)

	var executed []executedStep
	for _, action := range actions {
		result, err := e.ExecuteAction(ctx, event, trig, action)
		if err == nil {
			executed = append(executed, executedStep{action: action, result: result})
			continue
		}

		switch trig.ErrorHandling {
		case trigger.ContinueOnError:
			e.logger.Warn("Action failed, continuing chain", map[string]interface{}{
				"operation":   "execute_chain",
				"trigger_id":  trig.ID,
				"event_id":    event.ID,
				"action_id":   action.ID,
				"action_type": action.ActionType,
				"error":       err.Error(),
			})
			continue
		case trigger.RollbackOnError:
			e.compensate(ctx, event, trig, executed)
			span.RecordError(err)
			return err
		default: // stop_on_first_error
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// ExecuteAction runs one action with retries and timeouts. Every attempt
// gets an append-only execution record with a contiguous attempt number.
func (e *ChainExecutor) ExecuteAction(ctx context.Context, event *eventbus.Event, trig *trigger.Trigger, action *trigger.Action) (*Result, error) {
	handler, err := e.handlers.Get(action.ActionType)
	if err != nil {
		e.deadLetter(ctx, event, trig, action, "No handler registered for action type", err)
		return nil, err
	}

	retry := action.RetryConfig
	if retry.MaxAttempts < 1 {
		retry = trigger.DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		result, err := e.runAttempt(ctx, handler, event, trig, action, attempt)
		if err == nil {
			e.telemetry.RecordMetric(telemetry.MetricActionExecutions, 1,
				map[string]string{"type": action.ActionType, "status": StatusSuccess})
			return result, nil
		}
		lastErr = err
		e.telemetry.RecordMetric(telemetry.MetricActionExecutions, 1,
			map[string]string{"type": action.ActionType, "status": StatusFailed})

		if permanentFailure(err) {
			e.deadLetter(ctx, event, trig, action, "Non-retryable action failure", err)
			return nil, err
		}
		if attempt < retry.MaxAttempts {
			e.telemetry.RecordMetric(telemetry.MetricActionRetries, 1,
				map[string]string{"type": action.ActionType})
			if sleepErr := e.sleep(ctx, retry.Delay(attempt)); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	reason := fmt.Sprintf("Max retry attempts (%d) exceeded", retry.MaxAttempts)
	e.deadLetter(ctx, event, trig, action, reason, lastErr)
	return nil, lastErr
}

// runAttempt records one execution row and dispatches the handler inside
// the action's timeout. An expired integration token is refreshed once
// and the same attempt replayed without counting it.
func (e *ChainExecutor) runAttempt(ctx context.Context, handler Handler, event *eventbus.Event, trig *trigger.Trigger, action *trigger.Action, attempt int) (*Result, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "action.execute")
	defer span.End()
	span.SetAttribute("action_type", action.ActionType)
	span.SetAttribute("attempt", attempt)

	now := time.Now()
	exec := &Execution{
		EventID:   event.ID,
		TriggerID: trig.ID,
		ActionID:  action.ID,
		Status:    StatusRunning,
		Attempt:   attempt,
		StartedAt: now,
	}
	if err := e.executions.Create(ctx, exec); err != nil {
		span.RecordError(err)
		return nil, err
	}

	work := *action
	work.Config = InterpolateConfig(action.Config, event)

	result, err := e.dispatch(ctx, handler, &work, event)
	if err != nil && errors.Is(err, core.ErrTokenExpired) && e.refresher != nil {
		if refreshErr := e.refresher.Refresh(ctx, action); refreshErr != nil {
			err = refreshErr
		} else {
			e.logger.Info("Integration token refreshed, replaying attempt", map[string]interface{}{
				"operation": "run_attempt",
				"action_id": action.ID,
				"attempt":   attempt,
			})
			result, err = e.dispatch(ctx, handler, &work, event)
		}
	}

	completed := time.Now()
	exec.CompletedAt = &completed
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		span.RecordError(err)
	} else {
		exec.Status = StatusSuccess
		if result != nil {
			exec.Response = result.Data
		}
	}
	if updateErr := e.executions.Update(ctx, exec); updateErr != nil {
		e.logger.Error("Failed to update execution record", map[string]interface{}{
			"operation":    "run_attempt",
			"execution_id": exec.ID,
			"error":        updateErr.Error(),
		})
	}
	return result, err
}

// dispatch invokes the handler inside the per-attempt timeout, containing
// panics and turning timeout expiry into a timeout-kind error.
func (e *ChainExecutor) dispatch(ctx context.Context, handler Handler, action *trigger.Action, event *eventbus.Event) (*Result, error) {
	timeout := action.Timeout()
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("action handler panic: %v", r)}
			}
		}()
		result, err := handler.Execute(ctx, action, event)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, &core.DomainError{
			Op:   "executor.dispatch",
			Kind: core.KindTimeout,
			ID:   action.ID,
			Err:  fmt.Errorf("action timed out after %s: %w", timeout, core.ErrTimeout),
		}
	case o := <-done:
		if o.err == nil && o.result != nil && !o.result.Success {
			return nil, &core.DomainError{
				Op:      "executor.dispatch",
				Kind:    core.KindInternal,
				ID:      action.ID,
				Message: "action handler reported failure",
				Err:     core.ErrInternal,
			}
		}
		return o.result, o.err
	}
}

// compensate walks the executed steps in reverse, invoking each critical
// action's handler with a synthetic rollback action. Compensation errors
// go to the DLQ for manual triage but never abort the remaining walk.
func (e *ChainExecutor) compensate(ctx context.Context, event *eventbus.Event, trig *trigger.Trigger, executed []executedStep) {
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if !step.action.IsCritical {
			continue
		}

		rollback := buildRollbackAction(step)
		e.telemetry.RecordMetric(telemetry.MetricActionCompensation, 1,
			map[string]string{"type": step.action.ActionType})

		handler, err := e.handlers.Get(step.action.ActionType)
		if err == nil {
			_, err = e.dispatch(ctx, handler, rollback, event)
		}
		if err != nil {
			e.logger.Error("Compensation failed", map[string]interface{}{
				"operation":   "compensate",
				"trigger_id":  trig.ID,
				"event_id":    event.ID,
				"action_id":   step.action.ID,
				"action_type": step.action.ActionType,
				"error":       err.Error(),
			})
			e.deadLetter(ctx, event, trig, step.action, "Compensation failed", err)
		}
	}
}

// buildRollbackAction derives the synthetic compensation action: the
// original config with operation swapped to rollback_operation and the
// forward step's rollback_data merged in.
func buildRollbackAction(step executedStep) *trigger.Action {
	rollback := *step.action
	rollback.ActionType = trigger.ActionRollback

	config := make(map[string]interface{}, len(step.action.Config)+1)
	for k, v := range step.action.Config {
		config[k] = v
	}
	if op, ok := config["rollback_operation"]; ok {
		config["operation"] = op
	}
	if step.result != nil {
		for k, v := range step.result.RollbackData {
			config[k] = v
		}
	}
	rollback.Config = config
	return &rollback
}

// deadLetter hands a failure to the DLQ when one is configured.
func (e *ChainExecutor) deadLetter(ctx context.Context, event *eventbus.Event, trig *trigger.Trigger, action *trigger.Action, reason string, lastErr error) {
	if e.dlq == nil {
		return
	}
	if err := e.dlq.Add(ctx, event, trig, action, reason, lastErr); err != nil {
		e.logger.Error("Failed to record dead-letter entry", map[string]interface{}{
			"operation": "dead_letter",
			"event_id":  event.ID,
			"action_id": action.ID,
			"error":     err.Error(),
		})
	}
	e.telemetry.RecordMetric(telemetry.MetricDLQEntries, 1,
		map[string]string{"type": action.ActionType})
}

// permanentFailure reports whether retrying cannot help: structural
// errors and remote 4xx rejections stay broken no matter how long we
// wait. Everything else is worth another attempt.
func permanentFailure(err error) bool {
	switch core.Kind(err) {
	case core.KindValidation, core.KindAuth, core.KindIntegration,
		core.KindNotFound, core.KindPayloadTooLarge:
		return true
	default:
		return false
	}
}

package dlq

import (
	"context"
	"sync"
	"time"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/telemetry"
	"github.com/flowhook/flowhook/trigger"
)

// DefaultBulkConcurrency bounds how many retries run at once during a
// bulk retry.
const DefaultBulkConcurrency = 3

// ActionRunner replays a dead-lettered action from its snapshots. The
// chain executor is adapted to this at wiring time.
type ActionRunner interface {
	Run(ctx context.Context, event *eventbus.Event, triggerID string, action *trigger.Action) error
}

// RunnerFunc adapts a function to the ActionRunner interface.
type RunnerFunc func(ctx context.Context, event *eventbus.Event, triggerID string, action *trigger.Action) error

func (f RunnerFunc) Run(ctx context.Context, event *eventbus.Event, triggerID string, action *trigger.Action) error {
	return f(ctx, event, triggerID, action)
}

// BulkFailure is one failed id from a bulk retry.
type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult summarizes a bulk retry.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store     Store
	Runner    ActionRunner // optional until retries are wired
	Logger    core.Logger
	Telemetry core.Telemetry
}

// Service fronts the dead-letter store: it receives failures from the
// executor and drives manual and bulk retries against the snapshots.
type Service struct {
	store     Store
	runner    ActionRunner
	logger    core.Logger
	telemetry core.Telemetry
}

// NewService creates a Service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, &core.DomainError{
			Op:      "dlq.NewService",
			Kind:    core.KindValidation,
			Message: "store is required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &core.NoOpTelemetry{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("dlq")
	}
	return &Service{
		store:     opts.Store,
		runner:    opts.Runner,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
	}, nil
}

// Add records a failure, incrementing the failure count when the
// (event, action) pair is already dead-lettered. The error message is
// redacted before storage. Satisfies the executor's dead-letter sink.
func (s *Service) Add(ctx context.Context, event *eventbus.Event, trig *trigger.Trigger, action *trigger.Action, reason string, lastErr error) error {
	entry := &Entry{
		TenantID:       event.TenantID,
		EventID:        event.ID,
		TriggerID:      trig.ID,
		ActionID:       action.ID,
		FailureReason:  reason,
		EventSnapshot:  event,
		ActionSnapshot: action,
	}
	if lastErr != nil {
		entry.LastError = LastError{
			Message: core.RedactString(lastErr.Error()),
			Code:    core.Kind(lastErr),
		}
	}
	if err := s.store.Upsert(ctx, entry); err != nil {
		return err
	}
	s.logger.Warn("Action dead-lettered", map[string]interface{}{
		"operation":     "dlq_add",
		"dlq_id":        entry.ID,
		"event_id":      event.ID,
		"action_id":     action.ID,
		"reason":        reason,
		"failure_count": entry.FailureCount,
	})
	return nil
}

// Retry replays one pending entry through the runner. On success the
// entry is resolved; on failure it reverts to pending with its failure
// count incremented.
func (s *Service) Retry(ctx context.Context, id string) error {
	if s.runner == nil {
		return &core.DomainError{
			Op:      "dlq.Retry",
			Kind:    core.KindInternal,
			Message: "no action runner configured",
			Err:     core.ErrMissingConfiguration,
		}
	}

	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != StatusPending {
		return invalidState("dlq.Retry", id, "only pending entries can be retried")
	}
	if entry.RetryAfter != nil && entry.RetryAfter.After(time.Now()) {
		return invalidState("dlq.Retry", id, "entry is not yet due for retry")
	}
	if err := s.store.MarkProcessing(ctx, id); err != nil {
		return err
	}

	runErr := s.runner.Run(ctx, entry.EventSnapshot, entry.TriggerID, entry.ActionSnapshot)
	if runErr != nil {
		s.telemetry.RecordMetric(telemetry.MetricDLQRetries, 1, map[string]string{"status": StatusFailed})
		s.logger.Warn("Dead-letter retry failed", map[string]interface{}{
			"operation": "dlq_retry",
			"dlq_id":    id,
			"error":     runErr.Error(),
		})
		if revertErr := s.store.Revert(ctx, id); revertErr != nil {
			s.logger.Error("Failed to revert dead-letter entry", map[string]interface{}{
				"operation": "dlq_retry",
				"dlq_id":    id,
				"error":     revertErr.Error(),
			})
		}
		return runErr
	}

	if err := s.store.Resolve(ctx, id); err != nil {
		return err
	}
	s.telemetry.RecordMetric(telemetry.MetricDLQRetries, 1, map[string]string{"status": StatusResolved})
	s.logger.Info("Dead-letter entry resolved", map[string]interface{}{
		"operation": "dlq_retry",
		"dlq_id":    id,
	})
	return nil
}

// BulkRetry retries many entries with bounded concurrency, reporting
// per-id outcomes instead of failing fast.
func (s *Service) BulkRetry(ctx context.Context, ids []string, maxConcurrent int) (*BulkResult, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultBulkConcurrency
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result BulkResult
	)
	sem := make(chan struct{}, maxConcurrent)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := s.Retry(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, BulkFailure{ID: id, Error: err.Error()})
				return
			}
			result.Succeeded = append(result.Succeeded, id)
		}(id)
	}
	wg.Wait()
	return &result, nil
}

// MarkFailed records the terminal human decision that an entry will
// never be retried.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	return s.store.MarkFailed(ctx, id, reason)
}

// Ignore parks an entry without resolving it.
func (s *Service) Ignore(ctx context.Context, id string) error {
	return s.store.Ignore(ctx, id)
}

// Delete removes an entry; non-resolved entries require force.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	return s.store.Delete(ctx, id, force)
}

// Stats returns the per-status breakdown.
func (s *Service) Stats(ctx context.Context, filter StatsFilter) (*Stats, error) {
	return s.store.Stats(ctx, filter)
}

// Pending lists pending entries, oldest first.
func (s *Service) Pending(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	return s.store.Pending(ctx, filter)
}

// Cleanup evicts resolved entries older than the retention window.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	removed, err := s.store.Cleanup(ctx, retentionDays)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("Dead-letter cleanup complete", map[string]interface{}{
			"operation":      "dlq_cleanup",
			"removed":        removed,
			"retention_days": retentionDays,
		})
	}
	return removed, nil
}

package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/resilience"
)

// claimRetry bounds the in-pass retries against transient claim errors.
// Giving up here only defers the batch to the next poll interval.
var claimRetry = &resilience.RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      time.Second,
	BackoffFactor: 2.0,
}

// PollerOptions configures the background poller.
type PollerOptions struct {
	Store     EventStore
	Bus       *Bus
	Logger    core.Logger
	Interval  time.Duration // defaults to 5s
	BatchSize int           // defaults to DefaultClaimBatch
}

// Poller is the recovery path when broadcast is unavailable: it claims
// pending poll-mode events, fans them out to local subscribers, and
// completes or retries them. Delivery is at-least-once.
type Poller struct {
	store     EventStore
	bus       *Bus
	logger    core.Logger
	interval  time.Duration
	batchSize int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller bound to a bus.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Store == nil || opts.Bus == nil {
		return nil, core.ErrMissingConfiguration
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("event-poller")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultClaimBatch
	}
	return &Poller{
		store:     opts.Store,
		bus:       opts.Bus,
		logger:    opts.Logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}, nil
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	}()
	p.logger.Info("Event poller started", map[string]interface{}{
		"operation": "start",
		"interval":  p.interval.String(),
		"batch":     p.batchSize,
	})
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Poll runs a single claim-dispatch-complete pass. Exposed for tests and
// for callers that drive their own schedule.
func (p *Poller) Poll(ctx context.Context) {
	var events []*Event
	err := resilience.Retry(ctx, claimRetry, func() error {
		var claimErr error
		events, claimErr = p.store.ClaimPending(ctx, p.batchSize)
		return claimErr
	})
	if err != nil {
		p.logger.Error("Failed to claim pending events", map[string]interface{}{
			"operation": "poll",
			"error":     err.Error(),
		})
		return
	}

	for _, event := range events {
		if err := p.bus.Dispatch(ctx, event); err != nil {
			if failErr := p.store.FailAttempt(ctx, event.ID, err); failErr != nil {
				p.logger.Error("Failed to record event failure", map[string]interface{}{
					"operation": "poll",
					"event_id":  event.ID,
					"error":     failErr.Error(),
				})
			}
			continue
		}
		if err := p.store.Complete(ctx, event.ID); err != nil {
			p.logger.Error("Failed to complete event", map[string]interface{}{
				"operation": "poll",
				"event_id":  event.ID,
				"error":     err.Error(),
			})
		}
	}
}

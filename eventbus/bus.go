package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/resilience"
	"github.com/flowhook/flowhook/telemetry"
)

// DefaultChannel is the pub/sub channel carrying broadcast events.
const DefaultChannel = "events"

// Handler consumes a matched event. Handler errors are logged and counted
// but never abort fan-out to other subscribers.
type Handler func(ctx context.Context, event *Event) error

type subscription struct {
	pattern string
	re      *regexp.Regexp
	handler Handler
}

// BusOptions configures the event bus.
type BusOptions struct {
	Store        EventStore
	Redis        *core.RedisClient           // optional; nil means in-process only
	Breaker      *resilience.CircuitBreaker  // optional; guards broadcast
	Logger       core.Logger                 // optional
	Telemetry    core.Telemetry              // optional
	Channel      string                      // defaults to DefaultChannel
	DedupeWindow time.Duration               // defaults to DedupeWindow
}

// Bus orchestrates event publication: sanitize, deduplicate, persist,
// then broadcast through the circuit breaker with a polling fallback.
// The caller always sees success once the event is persisted.
type Bus struct {
	id           string
	store        EventStore
	redis        *core.RedisClient
	breaker      *resilience.CircuitBreaker
	logger       core.Logger
	telemetry    core.Telemetry
	channel      string
	dedupeWindow time.Duration

	mu   sync.RWMutex
	subs []subscription

	pubsubCancel context.CancelFunc
	done         chan struct{}
}

// envelope wraps an event on the wire so a process can skip messages it
// published itself (those were already fanned out locally).
type envelope struct {
	Origin string `json:"origin"`
	Event  *Event `json:"event"`
}

// NewBus creates an event bus.
func NewBus(opts BusOptions) (*Bus, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("event store is required: %w", core.ErrMissingConfiguration)
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &core.NoOpTelemetry{}
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DedupeWindow
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("eventbus")
	}
	return &Bus{
		id:           uuid.NewString(),
		store:        opts.Store,
		redis:        opts.Redis,
		breaker:      opts.Breaker,
		logger:       opts.Logger,
		telemetry:    opts.Telemetry,
		channel:      opts.Channel,
		dedupeWindow: opts.DedupeWindow,
	}, nil
}

// Publish runs the event through the pipeline. The returned event carries
// its assigned id and processing mode. A duplicate within the dedupe
// window returns a duplicate-kind error that callers should treat as
// idempotent success.
func (b *Bus) Publish(ctx context.Context, event *Event) (*Event, error) {
	ctx, span := b.telemetry.StartSpan(ctx, "event.emit")
	defer span.End()

	if err := event.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttribute("event_type", event.EventType)
	span.SetAttribute("tenant_id", event.TenantID)

	// Strip bidi controls from every string leaf before anything is
	// persisted or logged.
	if event.Data != nil {
		event.Data = core.SanitizeTree(event.Data).(map[string]interface{})
	}
	event.EntityID = core.StripBidi(event.EntityID)
	event.EntityType = core.StripBidi(event.EntityType)

	duplicate, err := b.store.IsDuplicate(ctx, event.TenantID, event.EventType, event.EntityID, b.dedupeWindow)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if duplicate {
		b.telemetry.RecordMetric(telemetry.MetricEventsDeduplicated, 1,
			map[string]string{"event_type": telemetry.NormalizeEventType(event.EventType)})
		return nil, &core.DomainError{
			Op:   "eventbus.Publish",
			Kind: core.KindDuplicateEvent,
			ID:   event.EntityID,
			Err:  core.ErrDuplicateEvent,
		}
	}

	if err := b.store.Append(ctx, event); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttribute("event_id", event.ID)
	b.telemetry.RecordMetric(telemetry.MetricEventsEmitted, 1,
		map[string]string{"event_type": telemetry.NormalizeEventType(event.EventType)})

	// Broadcast is best-effort: any breaker or transport failure falls
	// back to poll mode, and the caller still sees success.
	if err := b.broadcast(ctx, event); err != nil {
		b.logger.Warn("Broadcast failed, falling back to polling", map[string]interface{}{
			"operation":  "publish",
			"event_id":   event.ID,
			"event_type": event.EventType,
			"error":      err.Error(),
		})
		b.telemetry.RecordMetric(telemetry.MetricBroadcastFallbacks, 1,
			map[string]string{"event_type": telemetry.NormalizeEventType(event.EventType)})
		if markErr := b.store.MarkForPoll(ctx, event.ID); markErr != nil {
			b.logger.Error("Failed to mark event for polling", map[string]interface{}{
				"operation": "publish",
				"event_id":  event.ID,
				"error":     markErr.Error(),
			})
		}
		event.Mode = ModePoll
		return event, nil
	}

	if err := b.store.MarkBroadcast(ctx, event.ID); err != nil {
		b.logger.Error("Failed to mark event broadcast", map[string]interface{}{
			"operation": "publish",
			"event_id":  event.ID,
			"error":     err.Error(),
		})
	} else {
		event.Mode = ModeBroadcast
	}
	b.Dispatch(ctx, event)
	return event, nil
}

// broadcast publishes the event on the pub/sub channel, guarded by the
// circuit breaker when one is configured.
func (b *Bus) broadcast(ctx context.Context, event *Event) error {
	publish := func(ctx context.Context) error {
		if b.redis == nil {
			return nil
		}
		payload, err := json.Marshal(envelope{Origin: b.id, Event: event})
		if err != nil {
			return err
		}
		if _, err := b.redis.Publish(ctx, b.channel, payload); err != nil {
			return &core.DomainError{Op: "eventbus.broadcast", Kind: core.KindTransport, ID: event.ID, Err: err}
		}
		return nil
	}
	if b.breaker != nil {
		return b.breaker.Execute(ctx, publish)
	}
	return publish(ctx)
}

// Subscribe registers a handler for an event type pattern: an exact name
// or a glob where "*" matches any run of characters.
func (b *Bus) Subscribe(pattern string, handler Handler) error {
	if pattern == "" {
		return fmt.Errorf("subscription pattern is required: %w", core.ErrValidation)
	}
	if handler == nil {
		return fmt.Errorf("subscription handler is required: %w", core.ErrValidation)
	}
	re, err := compilePattern(pattern)
	if err != nil {
		return fmt.Errorf("invalid subscription pattern %q: %w", pattern, core.ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, re: re, handler: handler})
	return nil
}

// compilePattern turns a glob into an anchored regular expression.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// Dispatch fans the event out to matching local subscribers. Every
// handler runs even when earlier ones fail; the joined error is returned
// for the poller's retry accounting.
func (b *Bus) Dispatch(ctx context.Context, event *Event) error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if !sub.re.MatchString(event.EventType) {
			continue
		}
		if err := b.invoke(ctx, sub, event); err != nil {
			b.logger.Error("Subscriber handler failed", map[string]interface{}{
				"operation":  "dispatch",
				"event_id":   event.ID,
				"event_type": event.EventType,
				"pattern":    sub.pattern,
				"error":      err.Error(),
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// invoke runs one handler with panic containment.
func (b *Bus) invoke(ctx context.Context, sub subscription, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// Start begins consuming cross-process broadcasts from the pub/sub
// channel. Safe to call when no Redis client is configured.
func (b *Bus) Start(ctx context.Context) error {
	if b.redis == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	b.pubsubCancel = cancel
	b.done = make(chan struct{})

	pubsub := b.redis.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation so no broadcast published
	// after Start returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		cancel()
		close(b.done)
		return &core.DomainError{Op: "eventbus.Start", Kind: core.KindTransport, Err: err}
	}
	go func() {
		defer close(b.done)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.handleRemote(ctx, []byte(msg.Payload))
			}
		}
	}()

	b.logger.Info("Event bus subscribed to broadcast channel", map[string]interface{}{
		"operation": "start",
		"channel":   b.channel,
	})
	return nil
}

func (b *Bus) handleRemote(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Event == nil {
		b.logger.Warn("Dropping malformed broadcast message", map[string]interface{}{
			"operation": "handle_remote",
		})
		return
	}
	if env.Origin == b.id {
		// Already fanned out locally at publish time.
		return
	}
	_ = b.Dispatch(ctx, env.Event)
}

// Stop shuts down the broadcast consumer.
func (b *Bus) Stop() {
	if b.pubsubCancel != nil {
		b.pubsubCancel()
		<-b.done
	}
}

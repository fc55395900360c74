package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowhook/flowhook/core"
)

const (
	// DedupeWindow is how long an identical (tenant, event_type,
	// entity_id) triple suppresses re-publication.
	DedupeWindow = 5 * time.Minute

	// MaxPollRetries is the number of failed polling attempts after which
	// an event is marked failed.
	MaxPollRetries = 10

	// DefaultClaimBatch is the poller's claim size.
	DefaultClaimBatch = 10
)

// EventStore persists events and drives their processing-mode lifecycle.
type EventStore interface {
	// Append persists the event, assigning an id and timestamps when
	// absent. New events start in poll mode.
	Append(ctx context.Context, event *Event) error

	// Get returns the event or core.ErrNotFound.
	Get(ctx context.Context, id string) (*Event, error)

	// IsDuplicate reports whether an event with the same (tenant,
	// event_type, entity_id) was appended within the window.
	IsDuplicate(ctx context.Context, tenantID, eventType, entityID string, window time.Duration) (bool, error)

	// MarkBroadcast records that the event reached subscribers via
	// broadcast.
	MarkBroadcast(ctx context.Context, id string) error

	// MarkForPoll queues the event for the polling fallback, resetting
	// its retry state.
	MarkForPoll(ctx context.Context, id string) error

	// ClaimPending returns up to batch poll-mode events whose
	// next_retry_at has passed, oldest first.
	ClaimPending(ctx context.Context, batch int) ([]*Event, error)

	// Complete transitions the event to its terminal completed state.
	Complete(ctx context.Context, id string) error

	// FailAttempt records a processing failure: increments retry_count,
	// schedules the next attempt with exponential backoff, and marks the
	// event failed once MaxPollRetries is reached.
	FailAttempt(ctx context.Context, id string, cause error) error

	// ListByTenant returns the tenant's events newest first, optionally
	// filtered to one processing mode. Used by operator surfaces to
	// inspect stuck events.
	ListByTenant(ctx context.Context, tenantID string, filter EventFilter) ([]*Event, error)
}

// EventFilter narrows ListByTenant results.
type EventFilter struct {
	Mode   ProcessingMode // zero value matches all modes
	Limit  int            // defaults to DefaultClaimBatch * 5
	Offset int
}

// pollBackoff returns the delay before retry n (1-based): 2^n seconds,
// capped at five minutes.
func pollBackoff(retryCount int) time.Duration {
	if retryCount > 8 {
		return 5 * time.Minute
	}
	return time.Duration(1<<uint(retryCount)) * time.Second
}

// MemoryEventStore is the in-memory EventStore used by tests and
// single-process deployments.
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]*Event
	now    func() time.Time
}

// NewMemoryEventStore creates an empty in-memory store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		events: make(map[string]*Event),
		now:    time.Now,
	}
}

var _ EventStore = (*MemoryEventStore)(nil)

func (s *MemoryEventStore) Append(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	event.normalize(now)
	if event.NextRetryAt == nil {
		t := now
		event.NextRetryAt = &t
	}
	copied := *event
	s.events[event.ID] = &copied
	return nil
}

func (s *MemoryEventStore) Get(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return nil, &core.DomainError{Op: "eventbus.Get", Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	copied := *event
	return &copied, nil
}

func (s *MemoryEventStore) IsDuplicate(ctx context.Context, tenantID, eventType, entityID string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	for _, event := range s.events {
		if event.TenantID == tenantID &&
			event.EventType == eventType &&
			event.EntityID == entityID &&
			event.CreatedAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryEventStore) MarkBroadcast(ctx context.Context, id string) error {
	return s.transition(id, "eventbus.MarkBroadcast", func(event *Event) {
		event.Mode = ModeBroadcast
	})
}

func (s *MemoryEventStore) MarkForPoll(ctx context.Context, id string) error {
	return s.transition(id, "eventbus.MarkForPoll", func(event *Event) {
		now := s.now()
		event.Mode = ModePoll
		event.RetryCount = 0
		event.NextRetryAt = &now
	})
}

func (s *MemoryEventStore) ClaimPending(ctx context.Context, batch int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch <= 0 {
		batch = DefaultClaimBatch
	}
	now := s.now()

	var pending []*Event
	for _, event := range s.events {
		if event.Mode == ModePoll && event.NextRetryAt != nil && !event.NextRetryAt.After(now) {
			pending = append(pending, event)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > batch {
		pending = pending[:batch]
	}

	// Push next_retry_at forward as a claim lease so a concurrent claim
	// does not hand out the same events.
	claimed := make([]*Event, len(pending))
	for i, event := range pending {
		lease := now.Add(30 * time.Second)
		event.NextRetryAt = &lease
		copied := *event
		claimed[i] = &copied
	}
	return claimed, nil
}

func (s *MemoryEventStore) Complete(ctx context.Context, id string) error {
	return s.transition(id, "eventbus.Complete", func(event *Event) {
		now := s.now()
		event.Mode = ModeCompleted
		event.ProcessedAt = &now
	})
}

func (s *MemoryEventStore) FailAttempt(ctx context.Context, id string, cause error) error {
	return s.transition(id, "eventbus.FailAttempt", func(event *Event) {
		event.RetryCount++
		if cause != nil {
			event.LastError = cause.Error()
		}
		if event.RetryCount >= MaxPollRetries {
			event.Mode = ModeFailed
			event.NextRetryAt = nil
			return
		}
		next := s.now().Add(pollBackoff(event.RetryCount))
		event.NextRetryAt = &next
	})
}

func (s *MemoryEventStore) ListByTenant(ctx context.Context, tenantID string, filter EventFilter) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if filter.Limit <= 0 {
		filter.Limit = DefaultClaimBatch * 5
	}

	var matched []*Event
	for _, event := range s.events {
		if event.TenantID != tenantID {
			continue
		}
		if filter.Mode != "" && event.Mode != filter.Mode {
			continue
		}
		matched = append(matched, event)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*Event, len(matched))
	for i, event := range matched {
		copied := *event
		out[i] = &copied
	}
	return out, nil
}

func (s *MemoryEventStore) transition(id, op string, mutate func(*Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[id]
	if !ok {
		return &core.DomainError{Op: op, Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
	}
	if event.Mode.Terminal() {
		return &core.DomainError{Op: op, Kind: core.KindValidation, ID: id, Err: core.ErrEventTerminal}
	}
	mutate(event)
	return nil
}

package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowhook/flowhook/core"
)

// DefaultListLimit bounds the pending listing when no limit is given.
const DefaultListLimit = 50

// Store persists dead-letter entries.
type Store interface {
	// Upsert inserts a pending entry with failure_count=1, or, when a row
	// for (event_id, action_id) already exists, increments its
	// failure_count and refreshes reason, last error and action snapshot.
	Upsert(ctx context.Context, entry *Entry) error

	Get(ctx context.Context, id string) (*Entry, error)

	// MarkProcessing flips a pending entry whose retry_after gate has
	// passed to processing. Any other state is a validation error.
	MarkProcessing(ctx context.Context, id string) error

	// Resolve marks a processing entry resolved and stamps resolved_at.
	Resolve(ctx context.Context, id string) error

	// Revert returns a processing entry to pending after a failed retry,
	// incrementing failure_count.
	Revert(ctx context.Context, id string) error

	// MarkFailed is the terminal human decision; the entry can no longer
	// be retried.
	MarkFailed(ctx context.Context, id, reason string) error

	// Ignore parks an entry without resolving it.
	Ignore(ctx context.Context, id string) error

	// Delete removes an entry. Only resolved entries may be deleted
	// without force.
	Delete(ctx context.Context, id string, force bool) error

	Stats(ctx context.Context, filter StatsFilter) (*Stats, error)

	// Cleanup deletes resolved entries older than the retention cutoff
	// and returns how many were removed.
	Cleanup(ctx context.Context, retentionDays int) (int64, error)

	// Pending lists pending entries oldest first.
	Pending(ctx context.Context, filter ListFilter) ([]*Entry, error)
}

// MemoryStore is the in-memory Store used by tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	byPair  map[string]string // eventID+actionID -> entry id
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		byPair:  make(map[string]string),
		now:     time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func pairKey(eventID, actionID string) string {
	return eventID + "\x00" + actionID
}

func notFound(op, id string) error {
	return &core.DomainError{Op: op, Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
}

func invalidState(op, id, message string) error {
	return &core.DomainError{Op: op, Kind: core.KindValidation, ID: id, Message: message, Err: core.ErrValidation}
}

func (s *MemoryStore) Upsert(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := pairKey(entry.EventID, entry.ActionID)
	if id, ok := s.byPair[key]; ok {
		existing := s.entries[id]
		existing.FailureCount++
		existing.FailureReason = entry.FailureReason
		existing.LastError = entry.LastError
		existing.ActionSnapshot = entry.ActionSnapshot
		existing.RetryAfter = entry.RetryAfter
		existing.UpdatedAt = now
		*entry = *existing
		return nil
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Status = StatusPending
	entry.FailureCount = 1
	entry.CreatedAt = now
	entry.UpdatedAt = now
	copied := *entry
	s.entries[entry.ID] = &copied
	s.byPair[key] = entry.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, notFound("dlq.Get", id)
	}
	copied := *entry
	return &copied, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return notFound("dlq.MarkProcessing", id)
	}
	if !entry.Retryable(s.now()) {
		return invalidState("dlq.MarkProcessing", id, "entry is not retryable")
	}
	entry.Status = StatusProcessing
	entry.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id string) error {
	return s.transition(id, StatusProcessing, func(entry *Entry, now time.Time) {
		entry.Status = StatusResolved
		entry.ResolvedAt = &now
	})
}

func (s *MemoryStore) Revert(ctx context.Context, id string) error {
	return s.transition(id, StatusProcessing, func(entry *Entry, now time.Time) {
		entry.Status = StatusPending
		entry.FailureCount++
	})
}

func (s *MemoryStore) transition(id, from string, apply func(*Entry, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return notFound("dlq.transition", id)
	}
	if entry.Status != from {
		return invalidState("dlq.transition", id, "unexpected entry status")
	}
	now := s.now()
	apply(entry, now)
	entry.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return notFound("dlq.MarkFailed", id)
	}
	entry.Status = StatusFailed
	entry.FailureReason = reason
	entry.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Ignore(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return notFound("dlq.Ignore", id)
	}
	entry.Status = StatusIgnored
	entry.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return notFound("dlq.Delete", id)
	}
	if !force && entry.Status != StatusResolved {
		return invalidState("dlq.Delete", id, "only resolved entries may be deleted without force")
	}
	delete(s.entries, id)
	delete(s.byPair, pairKey(entry.EventID, entry.ActionID))
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context, filter StatsFilter) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{ByStatus: make(map[string]int)}
	for _, entry := range s.entries {
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.From != nil && entry.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && entry.CreatedAt.After(*filter.To) {
			continue
		}
		stats.Total++
		stats.ByStatus[entry.Status]++
	}
	return stats, nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	var removed int64
	for id, entry := range s.entries {
		if entry.Status != StatusResolved || entry.ResolvedAt == nil || !entry.ResolvedAt.Before(cutoff) {
			continue
		}
		delete(s.entries, id)
		delete(s.byPair, pairKey(entry.EventID, entry.ActionID))
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) Pending(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Entry
	for _, entry := range s.entries {
		if entry.Status != StatusPending {
			continue
		}
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.EventType != "" && (entry.EventSnapshot == nil || entry.EventSnapshot.EventType != filter.EventType) {
			continue
		}
		copied := *entry
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

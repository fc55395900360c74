package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowhook/flowhook/core"
)

// ListOptions filters a tenant's webhook listing.
type ListOptions struct {
	Status string
	FormID string
}

// HealthState is what RecordFailure reports back so callers can react
// to transitions without re-reading the row.
type HealthState struct {
	ConsecutiveFailures int
	HealthStatus        string
	Disabled            bool
}

// WebhookStore persists inbound webhook registrations. Soft-deleted
// rows are invisible to every method here.
type WebhookStore interface {
	Create(ctx context.Context, webhook *InboundWebhook) error

	// Lookup fetches by id without tenant scoping. The inbound receiver
	// uses it to distinguish unknown webhooks from tenant mismatches.
	Lookup(ctx context.Context, id string) (*InboundWebhook, error)

	// Get fetches a tenant's webhook.
	Get(ctx context.Context, id, tenantID string) (*InboundWebhook, error)

	List(ctx context.Context, tenantID string, opts ListOptions) ([]*InboundWebhook, error)

	// SoftDelete stamps deleted_at, hiding the row from reads.
	SoftDelete(ctx context.Context, id, tenantID string) error

	// UpdateSecret swaps the stored ciphertext during rotation.
	UpdateSecret(ctx context.Context, id, tenantID, ciphertext string) error

	// RecordSuccess resets the failure streak, marks the webhook healthy
	// and folds the response time into the running average.
	RecordSuccess(ctx context.Context, id string, responseTimeMS int64) error

	// RecordFailure increments the failure counters and applies the
	// degraded/unhealthy transitions, disabling the webhook at the
	// unhealthy threshold.
	RecordFailure(ctx context.Context, id string) (*HealthState, error)
}

// DeliveryStore persists outbound delivery attempts.
type DeliveryStore interface {
	Record(ctx context.Context, delivery *Delivery) error
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*Delivery, error)
}

// MemoryWebhookStore is the in-memory WebhookStore used by tests.
type MemoryWebhookStore struct {
	mu       sync.Mutex
	webhooks map[string]*InboundWebhook
	now      func() time.Time
}

// NewMemoryWebhookStore creates an empty store.
func NewMemoryWebhookStore() *MemoryWebhookStore {
	return &MemoryWebhookStore{
		webhooks: make(map[string]*InboundWebhook),
		now:      time.Now,
	}
}

var _ WebhookStore = (*MemoryWebhookStore)(nil)

func webhookNotFound(op, id string) error {
	return &core.DomainError{Op: op, Kind: core.KindNotFound, ID: id, Err: core.ErrNotFound}
}

func (s *MemoryWebhookStore) Create(ctx context.Context, webhook *InboundWebhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if webhook.ID == "" {
		webhook.ID = uuid.NewString()
	}
	now := s.now()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	if webhook.Status == "" {
		webhook.Status = StatusActive
	}
	if webhook.HealthStatus == "" {
		webhook.HealthStatus = HealthUnknown
	}
	copied := *webhook
	s.webhooks[webhook.ID] = &copied
	return nil
}

func (s *MemoryWebhookStore) Lookup(ctx context.Context, id string) (*InboundWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible("webhook.Lookup", id)
}

func (s *MemoryWebhookStore) Get(ctx context.Context, id, tenantID string) (*InboundWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, err := s.visible("webhook.Get", id)
	if err != nil {
		return nil, err
	}
	if webhook.TenantID != tenantID {
		return nil, webhookNotFound("webhook.Get", id)
	}
	return webhook, nil
}

// visible returns a copy of a non-deleted row. Callers hold the lock.
func (s *MemoryWebhookStore) visible(op, id string) (*InboundWebhook, error) {
	webhook, ok := s.webhooks[id]
	if !ok || webhook.DeletedAt != nil {
		return nil, webhookNotFound(op, id)
	}
	copied := *webhook
	return &copied, nil
}

func (s *MemoryWebhookStore) List(ctx context.Context, tenantID string, opts ListOptions) ([]*InboundWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*InboundWebhook
	for _, webhook := range s.webhooks {
		if webhook.DeletedAt != nil || webhook.TenantID != tenantID {
			continue
		}
		if opts.Status != "" && webhook.Status != opts.Status {
			continue
		}
		if opts.FormID != "" && webhook.FormID != opts.FormID {
			continue
		}
		copied := *webhook
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryWebhookStore) SoftDelete(ctx context.Context, id, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, ok := s.webhooks[id]
	if !ok || webhook.DeletedAt != nil || webhook.TenantID != tenantID {
		return webhookNotFound("webhook.SoftDelete", id)
	}
	now := s.now()
	webhook.DeletedAt = &now
	webhook.UpdatedAt = now
	return nil
}

func (s *MemoryWebhookStore) UpdateSecret(ctx context.Context, id, tenantID, ciphertext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, ok := s.webhooks[id]
	if !ok || webhook.DeletedAt != nil || webhook.TenantID != tenantID {
		return webhookNotFound("webhook.UpdateSecret", id)
	}
	webhook.SecretCiphertext = ciphertext
	webhook.UpdatedAt = s.now()
	return nil
}

func (s *MemoryWebhookStore) RecordSuccess(ctx context.Context, id string, responseTimeMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, ok := s.webhooks[id]
	if !ok || webhook.DeletedAt != nil {
		return webhookNotFound("webhook.RecordSuccess", id)
	}
	total := webhook.AverageLatencyMS*float64(webhook.SuccessCount) + float64(responseTimeMS)
	webhook.SuccessCount++
	webhook.AverageLatencyMS = total / float64(webhook.SuccessCount)
	webhook.ConsecutiveFailures = 0
	webhook.HealthStatus = HealthHealthy
	now := s.now()
	webhook.LastSuccessAt = &now
	webhook.UpdatedAt = now
	return nil
}

func (s *MemoryWebhookStore) RecordFailure(ctx context.Context, id string) (*HealthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, ok := s.webhooks[id]
	if !ok || webhook.DeletedAt != nil {
		return nil, webhookNotFound("webhook.RecordFailure", id)
	}
	webhook.FailureCount++
	webhook.ConsecutiveFailures++
	state := &HealthState{ConsecutiveFailures: webhook.ConsecutiveFailures}
	switch {
	case webhook.ConsecutiveFailures >= UnhealthyThreshold:
		webhook.HealthStatus = HealthUnhealthy
		webhook.Status = StatusDisabled
		state.Disabled = true
	case webhook.ConsecutiveFailures >= DegradedThreshold:
		webhook.HealthStatus = HealthDegraded
	}
	state.HealthStatus = webhook.HealthStatus
	webhook.UpdatedAt = s.now()
	return state, nil
}

// MemoryDeliveryStore is the in-memory DeliveryStore used by tests.
type MemoryDeliveryStore struct {
	mu         sync.Mutex
	deliveries []*Delivery
}

// NewMemoryDeliveryStore creates an empty store.
func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{}
}

var _ DeliveryStore = (*MemoryDeliveryStore)(nil)

func (s *MemoryDeliveryStore) Record(ctx context.Context, delivery *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now()
	}
	copied := *delivery
	s.deliveries = append(s.deliveries, &copied)
	return nil
}

func (s *MemoryDeliveryStore) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Delivery
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		if s.deliveries[i].WebhookID != webhookID {
			continue
		}
		copied := *s.deliveries[i]
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

package webhook

import (
	"context"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/secrets"
)

// CreateRequest carries the caller-controlled fields of a new webhook.
type CreateRequest struct {
	TenantID string
	URL      string
	Events   []string
	FormID   string
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store           WebhookStore
	Cipher          *secrets.Cipher
	PlatformDomains []string
	Logger          core.Logger
}

// Service implements tenant-scoped webhook CRUD. The plaintext secret
// is returned exactly once, by Create and RotateSecret; reads only ever
// see the ciphertext field, which is excluded from JSON anyway.
type Service struct {
	store           WebhookStore
	cipher          *secrets.Cipher
	platformDomains []string
	logger          core.Logger
}

// NewService creates a Service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil || opts.Cipher == nil {
		return nil, &core.DomainError{
			Op:      "webhook.NewService",
			Kind:    core.KindValidation,
			Message: "store and cipher are required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("webhook-service")
	}
	return &Service{
		store:           opts.Store,
		cipher:          opts.Cipher,
		platformDomains: opts.PlatformDomains,
		logger:          opts.Logger,
	}, nil
}

// Create registers a webhook after the URL guard passes and returns the
// webhook together with its plaintext secret. This is the only time the
// secret leaves the service.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*InboundWebhook, string, error) {
	webhook := &InboundWebhook{
		TenantID: req.TenantID,
		URL:      req.URL,
		Events:   req.Events,
		FormID:   req.FormID,
	}
	if err := webhook.Validate(); err != nil {
		return nil, "", err
	}
	if err := GuardURL(req.URL, s.platformDomains); err != nil {
		return nil, "", err
	}

	secret, err := secrets.GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	ciphertext, err := s.cipher.Encrypt(secret)
	if err != nil {
		return nil, "", err
	}
	webhook.SecretCiphertext = ciphertext

	if err := s.store.Create(ctx, webhook); err != nil {
		return nil, "", err
	}
	s.logger.Info("Webhook created", map[string]interface{}{
		"operation":  "create_webhook",
		"webhook_id": webhook.ID,
		"tenant_id":  webhook.TenantID,
	})
	return webhook, secret, nil
}

// Get fetches a tenant's webhook.
func (s *Service) Get(ctx context.Context, id, tenantID string) (*InboundWebhook, error) {
	return s.store.Get(ctx, id, tenantID)
}

// List returns a tenant's webhooks, oldest first.
func (s *Service) List(ctx context.Context, tenantID string, opts ListOptions) ([]*InboundWebhook, error) {
	return s.store.List(ctx, tenantID, opts)
}

// Delete soft-deletes a webhook; the row survives for audit but is
// hidden from all reads.
func (s *Service) Delete(ctx context.Context, id, tenantID string) error {
	if err := s.store.SoftDelete(ctx, id, tenantID); err != nil {
		return err
	}
	s.logger.Info("Webhook deleted", map[string]interface{}{
		"operation":  "delete_webhook",
		"webhook_id": id,
		"tenant_id":  tenantID,
	})
	return nil
}

// RotateSecret generates and stores a fresh secret, returning the new
// plaintext once. The previous secret stops verifying immediately.
func (s *Service) RotateSecret(ctx context.Context, id, tenantID string) (string, error) {
	if _, err := s.store.Get(ctx, id, tenantID); err != nil {
		return "", err
	}
	secret, err := secrets.GenerateSecret()
	if err != nil {
		return "", err
	}
	ciphertext, err := s.cipher.Encrypt(secret)
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateSecret(ctx, id, tenantID, ciphertext); err != nil {
		return "", err
	}
	s.logger.Info("Webhook secret rotated", map[string]interface{}{
		"operation":  "rotate_secret",
		"webhook_id": id,
		"tenant_id":  tenantID,
	})
	return secret, nil
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowhook/flowhook/core"
	"github.com/flowhook/flowhook/eventbus"
	"github.com/flowhook/flowhook/secrets"
	"github.com/flowhook/flowhook/telemetry"
)

// Inbound body limits.
const (
	MaxBodyBytes  = 10 << 20 // 10 MB hard reject
	MaxCacheBytes = 1 << 20  // bodies above this skip the payload cache
	MaxBodyDepth  = 64
	cacheTTL      = 24 * time.Hour
)

// InboundPathPrefix is where the receiver is mounted.
const InboundPathPrefix = "/webhooks/inbound/"

// EventEmitter publishes an inbound payload onto the event bus.
type EventEmitter interface {
	Publish(ctx context.Context, event *eventbus.Event) error
}

// InboundOptions configures an InboundHandler.
type InboundOptions struct {
	Webhooks  WebhookStore
	Cipher    *secrets.Cipher
	Limiter   *RateLimiter
	Cache     core.Cache
	Emitter   EventEmitter
	Logger    core.Logger
	Telemetry core.Telemetry
}

// InboundHandler receives tenant webhook traffic at
// POST /webhooks/inbound/{tenant_id}/{webhook_id}. Every response body
// is a short constant string or a fixed JSON shape; inbound payload
// content never appears in a response.
type InboundHandler struct {
	webhooks  WebhookStore
	cipher    *secrets.Cipher
	limiter   *RateLimiter
	cache     core.Cache
	emitter   EventEmitter
	logger    core.Logger
	telemetry core.Telemetry
}

// NewInboundHandler creates the receiver.
func NewInboundHandler(opts InboundOptions) (*InboundHandler, error) {
	if opts.Webhooks == nil || opts.Cipher == nil || opts.Limiter == nil || opts.Cache == nil || opts.Emitter == nil {
		return nil, &core.DomainError{
			Op:      "webhook.NewInboundHandler",
			Kind:    core.KindValidation,
			Message: "webhooks, cipher, limiter, cache and emitter are required",
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
		opts.Logger = cl.WithComponent("inbound-webhook")
	}
	return &InboundHandler{
		webhooks:  opts.Webhooks,
		cipher:    opts.Cipher,
		limiter:   opts.Limiter,
		cache:     opts.Cache,
		emitter:   opts.Emitter,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
	}, nil
}

var _ http.Handler = (*InboundHandler)(nil)

func (h *InboundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tenantID, webhookID, ok := splitInboundPath(r.URL.Path)
	if !ok {
		h.respondError(w, http.StatusNotFound, "not found")
		return
	}
	h.handle(w, r, tenantID, webhookID)
}

func splitInboundPath(path string) (tenantID, webhookID string, ok bool) {
	rest, found := strings.CutPrefix(path, InboundPathPrefix)
	if !found {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (h *InboundHandler) handle(w http.ResponseWriter, r *http.Request, tenantID, webhookID string) {
	ctx := r.Context()

	if _, err := uuid.Parse(webhookID); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid UUID")
		return
	}

	hook, err := h.webhooks.Lookup(ctx, webhookID)
	if err != nil {
		if core.IsNotFound(err) {
			h.respondError(w, http.StatusNotFound, "webhook not found")
			return
		}
		h.internalError(w, webhookID, "lookup", err)
		return
	}
	if hook.TenantID != tenantID {
		h.respondError(w, http.StatusForbidden, "organization mismatch")
		return
	}
	if hook.Status != StatusActive {
		h.respondError(w, http.StatusForbidden, "webhook is "+hook.Status)
		return
	}

	allowed, retryAfter, err := h.limiter.Allow(ctx, webhookID)
	if err != nil {
		h.internalError(w, webhookID, "rate_limit", err)
		return
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		h.respondError(w, http.StatusUnauthorized, "missing signature")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	secret, err := h.cipher.Decrypt(hook.SecretCiphertext)
	if err != nil {
		h.internalError(w, webhookID, "decrypt_secret", err)
		return
	}
	if !secrets.Verify(body, signature, secret) {
		h.respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		h.respondError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	if core.MaxDepth(payload, MaxBodyDepth+1) > MaxBodyDepth {
		h.respondError(w, http.StatusBadRequest, "payload nesting too deep")
		return
	}
	eventName, _ := payload["event"].(string)
	if eventName == "" {
		h.respondError(w, http.StatusBadRequest, "missing event field")
		return
	}

	if len(body) <= MaxCacheBytes {
		timestamp, _ := payload["timestamp"].(string)
		if timestamp == "" {
			timestamp = time.Now().UTC().Format(time.RFC3339)
		}
		key := "inbound:" + tenantID + ":" + webhookID + ":" + timestamp
		if err := h.cache.Set(ctx, key, string(body), cacheTTL); err != nil {
			h.logger.Error("Inbound payload cache write failed", map[string]interface{}{
				"operation":  "inbound_cache",
				"webhook_id": webhookID,
				"error":      err.Error(),
			})
			h.respondError(w, http.StatusServiceUnavailable, "cache unavailable")
			return
		}
	}

	event := &eventbus.Event{
		TenantID:   tenantID,
		EventType:  eventName,
		EntityType: "webhook",
		EntityID:   webhookID,
		Data:       payload,
	}
	if err := h.emitter.Publish(ctx, event); err != nil {
		switch {
		case core.IsDuplicate(err):
			// Idempotent redelivery; the caller sees success.
		case core.IsValidation(err):
			h.respondError(w, http.StatusBadRequest, "unrecognized event type")
			return
		default:
			h.internalError(w, webhookID, "emit", err)
			return
		}
	}

	h.count(http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"webhook_id": webhookID,
		"status":     "processed",
	})
}

func (h *InboundHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.count(status)
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// internalError logs the cause and answers with a generic 500; details
// never reach the response.
func (h *InboundHandler) internalError(w http.ResponseWriter, webhookID, operation string, err error) {
	h.logger.Error("Inbound request failed", map[string]interface{}{
		"operation":  operation,
		"webhook_id": webhookID,
		"error":      err.Error(),
	})
	h.respondError(w, http.StatusInternalServerError, "internal error")
}

func (h *InboundHandler) count(status int) {
	h.telemetry.RecordMetric(telemetry.MetricInboundRequests, 1,
		map[string]string{"status": strconv.Itoa(status)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

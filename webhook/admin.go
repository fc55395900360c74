package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/flowhook/flowhook/core"
)

// AdminPathPrefix is where the management API is mounted.
const AdminPathPrefix = "/api/webhooks/"

// TenantHeader carries the caller's tenant on management requests.
// Authentication happens upstream; the handler only scopes by it.
const TenantHeader = "X-Tenant-ID"

// AdminOptions configures an AdminHandler.
type AdminOptions struct {
	Service *Service
	Logger  core.Logger
}

// AdminHandler exposes tenant-scoped webhook management:
//
//	POST   /api/webhooks/             create (returns the secret once)
//	GET    /api/webhooks/             list, filterable by status and form_id
//	GET    /api/webhooks/{id}         fetch one
//	DELETE /api/webhooks/{id}         soft delete
//	POST   /api/webhooks/{id}/secret  rotate (returns the new secret once)
type AdminHandler struct {
	service *Service
	logger  core.Logger
}

// NewAdminHandler creates the management handler.
func NewAdminHandler(opts AdminOptions) (*AdminHandler, error) {
	if opts.Service == nil {
		return nil, &core.DomainError{
			Op:      "webhook.NewAdminHandler",
			Kind:    core.KindValidation,
			Message: "service is required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cl, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cl.WithComponent("webhook-admin")
	}
	return &AdminHandler{service: opts.Service, logger: opts.Logger}, nil
}

var _ http.Handler = (*AdminHandler)(nil)

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		h.respondError(w, http.StatusBadRequest, "missing tenant header")
		return
	}

	rest, found := strings.CutPrefix(r.URL.Path, AdminPathPrefix)
	if !found {
		rest, found = strings.CutPrefix(r.URL.Path, strings.TrimSuffix(AdminPathPrefix, "/"))
		if !found {
			h.respondError(w, http.StatusNotFound, "not found")
			return
		}
	}
	rest = strings.Trim(rest, "/")

	switch {
	case rest == "":
		h.collection(w, r, tenantID)
	case strings.HasSuffix(rest, "/secret"):
		id := strings.TrimSuffix(rest, "/secret")
		if r.Method != http.MethodPost || strings.Contains(id, "/") {
			h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.rotate(w, r, id, tenantID)
	case strings.Contains(rest, "/"):
		h.respondError(w, http.StatusNotFound, "not found")
	default:
		h.item(w, r, rest, tenantID)
	}
}

func (h *AdminHandler) collection(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r, tenantID)
	case http.MethodGet:
		h.list(w, r, tenantID)
	default:
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *AdminHandler) item(w http.ResponseWriter, r *http.Request, id, tenantID string) {
	switch r.Method {
	case http.MethodGet:
		hook, err := h.service.Get(r.Context(), id, tenantID)
		if err != nil {
			h.respondServiceError(w, "get_webhook", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "webhook": hook})
	case http.MethodDelete:
		if err := h.service.Delete(r.Context(), id, tenantID); err != nil {
			h.respondServiceError(w, "delete_webhook", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	default:
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type createWebhookBody struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	FormID string   `json:"form_id"`
}

func (h *AdminHandler) create(w http.ResponseWriter, r *http.Request, tenantID string) {
	var body createWebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	hook, secret, err := h.service.Create(r.Context(), CreateRequest{
		TenantID: tenantID,
		URL:      body.URL,
		Events:   body.Events,
		FormID:   body.FormID,
	})
	if err != nil {
		h.respondServiceError(w, "create_webhook", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"webhook": hook,
		"secret":  secret,
	})
}

func (h *AdminHandler) list(w http.ResponseWriter, r *http.Request, tenantID string) {
	hooks, err := h.service.List(r.Context(), tenantID, ListOptions{
		Status: r.URL.Query().Get("status"),
		FormID: r.URL.Query().Get("form_id"),
	})
	if err != nil {
		h.respondServiceError(w, "list_webhooks", err)
		return
	}
	if hooks == nil {
		hooks = []*InboundWebhook{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "webhooks": hooks})
}

func (h *AdminHandler) rotate(w http.ResponseWriter, r *http.Request, id, tenantID string) {
	secret, err := h.service.RotateSecret(r.Context(), id, tenantID)
	if err != nil {
		h.respondServiceError(w, "rotate_secret", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "secret": secret})
}

// respondServiceError maps the error taxonomy onto status codes without
// leaking error internals to the caller.
func (h *AdminHandler) respondServiceError(w http.ResponseWriter, operation string, err error) {
	switch {
	case core.IsNotFound(err):
		h.respondError(w, http.StatusNotFound, "webhook not found")
	case core.IsValidation(err):
		message := "invalid request"
		var domainErr *core.DomainError
		if errors.As(err, &domainErr) && domainErr.Message != "" {
			message = domainErr.Message
		}
		h.respondError(w, http.StatusBadRequest, message)
	default:
		h.logger.Error("Webhook management request failed", map[string]interface{}{
			"operation": operation,
			"error":     err.Error(),
		})
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

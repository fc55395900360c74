package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type adminFixture struct {
	handler *AdminHandler
	store   *MemoryWebhookStore
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	svc, store, _ := newTestService(t)
	handler, err := NewAdminHandler(AdminOptions{Service: svc})
	require.NoError(t, err)
	return &adminFixture{handler: handler, store: store}
}

func (f *adminFixture) do(t *testing.T, method, path, tenantID string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if tenantID != "" {
		req.Header.Set(TenantHeader, tenantID)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAdminCreateWebhook(t *testing.T) {
	f := newAdminFixture(t)
	body := bytes.NewBufferString(`{"url":"https://hooks.example.com/a","events":["form.submitted"],"form_id":"F1"}`)

	rec := f.do(t, http.MethodPost, AdminPathPrefix, "tenant-1", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, true, resp["success"])
	secret, _ := resp["secret"].(string)
	assert.True(t, strings.HasPrefix(secret, "whsec_"), "the secret is returned once at creation")

	hook, _ := resp["webhook"].(map[string]interface{})
	require.NotNil(t, hook)
	assert.Equal(t, "tenant-1", hook["tenant_id"])
	assert.Equal(t, StatusActive, hook["status"])
	assert.NotContains(t, rec.Body.String(), "secret_ciphertext")
}

func TestAdminCreateRejectsGuardedURL(t *testing.T) {
	f := newAdminFixture(t)
	body := bytes.NewBufferString(`{"url":"http://192.168.0.1/hook"}`)

	rec := f.do(t, http.MethodPost, AdminPathPrefix, "tenant-1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "private address")
}

func TestAdminGetAndDelete(t *testing.T) {
	f := newAdminFixture(t)
	created := decodeBody(t, f.do(t, http.MethodPost, AdminPathPrefix, "tenant-1",
		bytes.NewBufferString(`{"url":"https://hooks.example.com/a"}`)))
	hook, _ := created["webhook"].(map[string]interface{})
	id, _ := hook["id"].(string)
	require.NotEmpty(t, id)

	rec := f.do(t, http.MethodGet, AdminPathPrefix+id, "tenant-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, AdminPathPrefix+id, "tenant-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "cross-tenant reads are refused")

	rec = f.do(t, http.MethodDelete, AdminPathPrefix+id, "tenant-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, AdminPathPrefix+id, "tenant-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "deleted webhooks are hidden")
}

func TestAdminListFilters(t *testing.T) {
	f := newAdminFixture(t)
	created := decodeBody(t, f.do(t, http.MethodPost, AdminPathPrefix, "tenant-1",
		bytes.NewBufferString(`{"url":"https://hooks.example.com/a","form_id":"F1"}`)))
	f.do(t, http.MethodPost, AdminPathPrefix, "tenant-1",
		bytes.NewBufferString(`{"url":"https://hooks.example.com/b"}`))

	rec := f.do(t, http.MethodGet, AdminPathPrefix, "tenant-1", nil)
	resp := decodeBody(t, rec)
	hooks, _ := resp["webhooks"].([]interface{})
	assert.Len(t, hooks, 2)

	rec = f.do(t, http.MethodGet, AdminPathPrefix+"?form_id=F1", "tenant-1", nil)
	resp = decodeBody(t, rec)
	hooks, _ = resp["webhooks"].([]interface{})
	require.Len(t, hooks, 1)
	first, _ := hooks[0].(map[string]interface{})
	wantHook, _ := created["webhook"].(map[string]interface{})
	assert.Equal(t, wantHook["id"], first["id"])

	rec = f.do(t, http.MethodGet, AdminPathPrefix, "tenant-2", nil)
	resp = decodeBody(t, rec)
	hooks, _ = resp["webhooks"].([]interface{})
	assert.Empty(t, hooks)
}

func TestAdminRotateSecret(t *testing.T) {
	f := newAdminFixture(t)
	created := decodeBody(t, f.do(t, http.MethodPost, AdminPathPrefix, "tenant-1",
		bytes.NewBufferString(`{"url":"https://hooks.example.com/a"}`)))
	hook, _ := created["webhook"].(map[string]interface{})
	id, _ := hook["id"].(string)

	rec := f.do(t, http.MethodPost, AdminPathPrefix+id+"/secret", "tenant-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	rotated, _ := resp["secret"].(string)
	assert.True(t, strings.HasPrefix(rotated, "whsec_"))
	assert.NotEqual(t, created["secret"], rotated)

	rec = f.do(t, http.MethodPost, AdminPathPrefix+id+"/secret", "tenant-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRequestValidation(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodPost, AdminPathPrefix, "", bytes.NewBufferString(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "tenant header is required")

	rec = f.do(t, http.MethodPost, AdminPathPrefix, "tenant-1", bytes.NewBufferString(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, AdminPathPrefix, "tenant-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = f.do(t, http.MethodGet, AdminPathPrefix+"w-1/secret", "tenant-1", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "rotation is POST only")

	rec = f.do(t, http.MethodGet, AdminPathPrefix+"a/b/c", "tenant-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

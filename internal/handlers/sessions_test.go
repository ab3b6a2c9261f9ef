package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waporthq/waport/internal/channel"
	"github.com/waporthq/waport/internal/healthcheck"
	"github.com/waporthq/waport/internal/session"
)

type scriptedHandle struct {
	events chan channel.Event
}

func (h *scriptedHandle) Events() <-chan channel.Event { return h.events }

func (h *scriptedHandle) Send(ctx context.Context, address, text string) error { return nil }

func (h *scriptedHandle) Logout(ctx context.Context) error { return nil }

func (h *scriptedHandle) Destroy(ctx context.Context) error {
	close(h.events)
	return nil
}

// scriptedAdapter emits the given events after each open.
type scriptedAdapter struct {
	script []channel.Event
}

func (a *scriptedAdapter) Open(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
	h := &scriptedHandle{events: make(chan channel.Event, 8)}
	for _, ev := range a.script {
		h.events <- ev
	}
	return h, nil
}

type fakeStatusReader struct {
	docs map[string]map[string]any
}

func (f *fakeStatusReader) GetStatus(ctx context.Context, tenantID string) (map[string]any, error) {
	return f.docs[tenantID], nil
}

func newTestServer(t *testing.T, adapter channel.Adapter, statuses StatusReader, timeout time.Duration) (*echo.Echo, *session.Manager) {
	t.Helper()
	manager := session.NewManager(nil, adapter, session.NewRegistry(), nil,
		session.NewStatusHub(), t.TempDir(), timeout)
	if statuses == nil {
		statuses = &fakeStatusReader{}
	}

	e := echo.New()
	NewSessionsHandler(nil, manager, statuses).Register(e)
	NewHealthHandler(nil, manager, healthcheck.NewRunner(
		healthcheck.NewSessionsChecker(manager),
	)).Register(e)
	return e, manager
}

func doRequest(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStartSessionActive(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{script: []channel.Event{
		{Kind: channel.EventQR, QRToken: "qr-1"},
		{Kind: channel.EventReady, Identity: "557199998888"},
	}}
	e, _ := newTestServer(t, adapter, nil, time.Second)

	rec := doRequest(e, http.MethodPost, "/sessions/tenant-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "tenant-1", body["tenant_id"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, "557199998888", body["phone_identity"])
}

func TestStartSessionTimeout(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{script: []channel.Event{
		{Kind: channel.EventQR, QRToken: "qr-1"},
	}}
	e, _ := newTestServer(t, adapter, nil, 30*time.Millisecond)

	rec := doRequest(e, http.MethodPost, "/sessions/tenant-1")
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
}

func TestStartSessionAuthFailure(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{script: []channel.Event{
		{Kind: channel.EventAuthFailure, Reason: "expired credentials"},
	}}
	e, _ := newTestServer(t, adapter, nil, time.Second)

	rec := doRequest(e, http.MethodPost, "/sessions/tenant-1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestStartSessionBadTenant(t *testing.T) {
	t.Parallel()

	e, _ := newTestServer(t, &scriptedAdapter{}, nil, time.Second)

	rec := doRequest(e, http.MethodPost, "/sessions/%20")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopSession(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{script: []channel.Event{
		{Kind: channel.EventReady, Identity: "557199998888"},
	}}
	e, manager := newTestServer(t, adapter, nil, time.Second)

	require.Equal(t, http.StatusCreated, doRequest(e, http.MethodPost, "/sessions/tenant-1").Code)
	require.Equal(t, 1, manager.ActiveCount())

	rec := doRequest(e, http.MethodDelete, "/sessions/tenant-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, manager.ActiveCount())

	// Stopping an absent session is not an error.
	rec = doRequest(e, http.MethodDelete, "/sessions/tenant-1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGetSessionFallsBackToStore(t *testing.T) {
	t.Parallel()

	statuses := &fakeStatusReader{docs: map[string]map[string]any{
		"tenant-1": {"status": "disconnected", "connected": false},
	}}
	e, _ := newTestServer(t, &scriptedAdapter{}, statuses, time.Second)

	rec := doRequest(e, http.MethodGet, "/sessions/tenant-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "disconnected", body["status"])

	rec = doRequest(e, http.MethodGet, "/sessions/tenant-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{script: []channel.Event{
		{Kind: channel.EventReady, Identity: "557199998888"},
	}}
	e, _ := newTestServer(t, adapter, nil, time.Second)

	require.Equal(t, http.StatusCreated, doRequest(e, http.MethodPost, "/sessions/tenant-1").Code)
	require.Equal(t, http.StatusCreated, doRequest(e, http.MethodPost, "/sessions/tenant-2").Code)

	rec := doRequest(e, http.MethodGet, "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 2)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	adapter := &scriptedAdapter{script: []channel.Event{
		{Kind: channel.EventReady, Identity: "557199998888"},
	}}
	e, _ := newTestServer(t, adapter, nil, time.Second)

	require.Equal(t, http.StatusCreated, doRequest(e, http.MethodPost, "/sessions/tenant-1").Code)

	rec := doRequest(e, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["active_sessions"])

	rec = doRequest(e, http.MethodGet, "/health/checks")
	require.Equal(t, http.StatusOK, rec.Code)

	var checks map[string][]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checks))
	require.Len(t, checks["checks"], 1)
	assert.Equal(t, "sessions.active", checks["checks"][0]["id"])
}

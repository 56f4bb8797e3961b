package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpoverride-go/internal/catalog"
	"mcpoverride-go/internal/metrics"
	"mcpoverride-go/internal/override"
	"mcpoverride-go/internal/session"
	"mcpoverride-go/internal/storage"
)

// newTestAPIServer wires a Server around fakes and returns it with its
// admin router mounted for httptest.
func newTestAPIServer(t *testing.T, withHistory bool) (*Server, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	cat := catalog.NewManager(logger)
	require.NoError(t, cat.Load(context.Background(), func(_ context.Context) (session.Conn, error) {
		return &fakeConn{tools: testTools}, nil
	}))

	var store *storage.Manager
	if withHistory {
		var err error
		store, err = storage.NewManager(t.TempDir(), 100, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
	}

	s := &Server{
		logger:    logger,
		registry:  session.NewRegistry(func(_ context.Context) (session.Conn, error) { return &fakeConn{}, nil }, logger),
		catalog:   cat,
		overrides: override.NewTable(logger),
		storage:   store,
		metrics:   metrics.New(),
	}

	router := chi.NewRouter()
	router.Route("/api/v1", s.registerAdminRoutes)
	return s, router
}

func doRequest(t *testing.T, handler http.Handler, method, path string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	handler.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestListToolsEndpoint(t *testing.T) {
	s, router := newTestAPIServer(t, false)
	s.catalog.Disable("fetch")
	s.overrides.Register("search", func(_ context.Context, _ string, _ map[string]interface{}, _ session.Conn) (override.Result, error) {
		return override.Result{Text: "x"}, nil
	})

	rec, resp := doRequest(t, router, http.MethodGet, "/api/v1/tools")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	tools := data["tools"].([]interface{})
	require.Len(t, tools, 2)

	search := tools[0].(map[string]interface{})
	assert.Equal(t, "search", search["name"])
	assert.Equal(t, true, search["servable"])
	assert.Equal(t, true, search["overridden"])

	fetch := tools[1].(map[string]interface{})
	assert.Equal(t, "fetch", fetch["name"])
	assert.Equal(t, false, fetch["servable"])
	assert.Equal(t, false, fetch["overridden"])
}

func TestDisableAndEnableToolEndpoints(t *testing.T) {
	s, router := newTestAPIServer(t, false)

	rec, resp := doRequest(t, router, http.MethodPost, "/api/v1/tools/fetch/disable")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	assert.False(t, s.catalog.IsServable("fetch"))

	rec, resp = doRequest(t, router, http.MethodPost, "/api/v1/tools/fetch/enable")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)
	assert.True(t, s.catalog.IsServable("fetch"))
}

func TestEnableUnknownToolReturnsNotFound(t *testing.T) {
	s, router := newTestAPIServer(t, false)

	rec, resp := doRequest(t, router, http.MethodPost, "/api/v1/tools/ghost/enable")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
	assert.False(t, s.catalog.IsServable("ghost"))
}

func TestListSessionsEndpoint(t *testing.T) {
	s, router := newTestAPIServer(t, false)
	_, _, err := s.registry.GetOrCreate(context.Background(), "sess-b")
	require.NoError(t, err)
	_, _, err = s.registry.GetOrCreate(context.Background(), "sess-a")
	require.NoError(t, err)

	rec, resp := doRequest(t, router, http.MethodGet, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["count"])
	sessions := data["sessions"].([]interface{})
	assert.Equal(t, []interface{}{"sess-a", "sess-b"}, sessions)
}

func TestListCallsEndpoint(t *testing.T) {
	s, router := newTestAPIServer(t, true)

	base := time.Now()
	for i, tool := range []string{"search", "fetch"} {
		require.NoError(t, s.storage.RecordToolCall(&storage.CallRecord{
			SessionID: "sess-1",
			Tool:      tool,
			Outcome:   metrics.OutcomeForwarded,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	rec, resp := doRequest(t, router, http.MethodGet, "/api/v1/calls?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
	calls := data["calls"].([]interface{})
	first := calls[0].(map[string]interface{})
	assert.Equal(t, "fetch", first["tool"])
}

func TestListCallsRejectsBadLimit(t *testing.T) {
	_, router := newTestAPIServer(t, true)

	rec, resp := doRequest(t, router, http.MethodGet, "/api/v1/calls?limit=nope")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
}

func TestListCallsWithHistoryDisabled(t *testing.T) {
	_, router := newTestAPIServer(t, false)

	rec, resp := doRequest(t, router, http.MethodGet, "/api/v1/calls")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
}

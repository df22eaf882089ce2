package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindline-server/pkg/analysis"
	"mindline-server/pkg/calls"
	"mindline-server/pkg/conversation"
	"mindline-server/pkg/escalation"
	"mindline-server/pkg/hub"
	"mindline-server/pkg/presence"
	"mindline-server/pkg/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	registry := presence.NewRegistry(logger)
	sessions := session.NewManager(session.NewMemoryStore(), nil, logger)
	t.Cleanup(func() { _ = sessions.Shutdown() })

	analyzer := analysis.NewAnalyzer(logger)
	engine := conversation.NewEngine(logger, analyzer)
	relay := calls.NewRelay(registry, logger)
	users := escalation.NewMemoryUserStore()
	coordinator := escalation.NewCoordinator(analyzer, sessions, users, registry, nil, logger)
	eventHub := hub.NewHub(registry, sessions, analyzer, engine, relay, coordinator, users, logger)

	return NewServer(DefaultConfig(), eventHub, registry, sessions, analyzer, logger)
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadinessEndpoint(t *testing.T) {
	server := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	server := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connections"])
	assert.Equal(t, float64(0), body["active_sessions"])
}

func TestAnalyzeEndpoint(t *testing.T) {
	server := newTestServer(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/analyze",
		strings.NewReader(`{"text":"I am happy and hopeful today"}`))
	server.mux.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	var result analysis.Result
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result))
	assert.Equal(t, "positive", result.Sentiment.Label)
	assert.False(t, result.Crisis.IsCrisis)
}

func TestAnalyzeEndpointRejectsGet(t *testing.T) {
	server := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/analyze", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestAnalyzeEndpointRejectsBadJSON(t *testing.T) {
	server := newTestServer(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader("not json"))
	server.mux.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestWebSocketEndpointRequiresUserID(t *testing.T) {
	server := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

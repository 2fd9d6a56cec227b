package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/preauthagent/internal/adapters/database"
	"github.com/zatekoja/preauthagent/internal/adapters/storage"
	"github.com/zatekoja/preauthagent/internal/api/handlers"
	"github.com/zatekoja/preauthagent/internal/application/services"
	"github.com/zatekoja/preauthagent/internal/domain/entities"
	"github.com/zatekoja/preauthagent/internal/realtime"
)

type emptyKnowledgeBase struct{}

func (emptyKnowledgeBase) Retrieve(_ context.Context, _, _ string, _ *entities.MetadataFilter) entities.RetrievalResult {
	return entities.RetrievalResult{}
}

func (emptyKnowledgeBase) EnsureSource(context.Context, string) error { return nil }

func (emptyKnowledgeBase) Index(context.Context, string, []entities.KnowledgeDocument) error { return nil }

type noopAnalyzer struct{}

func (noopAnalyzer) Analyze(context.Context, string, string, string) entities.AnalysisResult {
	return entities.NewAgentErrorResult("unused")
}

func newTestServer(t *testing.T) (*httptest.Server, *realtime.Registry, *database.MemoryCaseAdapter) {
	t.Helper()
	repo := database.NewMemoryCaseAdapter()
	registry := realtime.NewRegistry()
	caseService := services.NewCaseService(repo, emptyKnowledgeBase{}, noopAnalyzer{}, services.NewRegistryNotifier(registry), services.CaseServiceConfig{})

	router := NewRouter(
		handlers.NewCaseHandler(caseService),
		handlers.NewUploadHandler(services.NewRecordUploadService(storage.NewMemoryStore(), nil, "")),
		handlers.NewWebSocketHandler(registry),
		[]string{"https://portal.example"},
		nil,
	)
	srv := httptest.NewServer(router.SetupRoutes())
	t.Cleanup(srv.Close)
	return srv, registry, repo
}

func TestRouter_StatusAndHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_UnconfiguredKnowledgeBaseIs404(t *testing.T) {
	srv, _, repo := newTestServer(t)

	resp, err := http.Post(srv.URL+"/create-pre-auth", "application/json",
		strings.NewReader(`{"patient_id":"P1","provider_id":"DR1","procedure_code":"27447"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cases, err := repo.ListByPatient(context.Background(), "P1")
	require.NoError(t, err)
	assert.Empty(t, cases)
}

func TestRouter_CORS(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/create-pre-auth", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://portal.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://portal.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRouter_WebSocketThroughMiddleware(t *testing.T) {
	srv, registry, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/insurer-queue"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return registry.ConnectionCount("insurer-queue") == 1 }, time.Second, 10*time.Millisecond)
}

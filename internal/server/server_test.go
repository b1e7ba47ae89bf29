package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/tributary-ai/crew-core/internal/catalog"
	"github.com/tributary-ai/crew-core/internal/crew"
	"github.com/tributary-ai/crew-core/internal/dispatch"
	"github.com/tributary-ai/crew-core/internal/facade"
	"github.com/tributary-ai/crew-core/internal/middleware"
	"github.com/tributary-ai/crew-core/internal/routing"
	"github.com/tributary-ai/crew-core/internal/security"
	"github.com/tributary-ai/crew-core/internal/store"
	"github.com/tributary-ai/crew-core/internal/types"
)

type testEnv struct {
	server *Server
	routes http.Handler
	engine *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(engine.Close)

	cat, err := catalog.New(catalog.DefaultOptions(), logger)
	if err != nil {
		t.Fatalf("Failed to build catalog: %v", err)
	}
	router := routing.NewRouter(cat, routing.DefaultConfig(), logger)
	orch, err := crew.NewOrchestrator(nil, router, cat, logger)
	if err != nil {
		t.Fatalf("Failed to build orchestrator: %v", err)
	}

	st := store.NewMemStore()
	engineClient := dispatch.NewEngineClient(dispatch.EngineConfig{URL: engine.URL, Timeout: time.Second}, logger)
	dispatcher := dispatch.NewService(dispatch.Config{
		PollInterval:     10 * time.Millisecond,
		MaxPolls:         1000,
		AdmissionBackoff: 5 * time.Millisecond,
		RequestTTL:       time.Hour,
	}, st, engineClient, logger)
	t.Cleanup(dispatcher.Shutdown)

	sec, err := middleware.NewSecurityMiddleware(&middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys: []security.APIKeyEntry{
				{Key: "server-test-key-12345", UserID: "u1", CrewID: "crew-a", Role: types.RoleOwner},
				{Key: "viewer-test-key-12345", UserID: "u2", CrewID: "crew-a", Role: types.RoleViewer},
			},
			RequireAuth: true,
		},
	}, logger)
	if err != nil {
		t.Fatalf("Failed to build security middleware: %v", err)
	}
	t.Cleanup(sec.Stop)

	memories := facade.New(st, nil, logger)

	srv, err := NewServer(Deps{
		Router:       router,
		Orchestrator: orch,
		Dispatcher:   dispatcher,
		Memories:     memories,
		Catalog:      cat,
		Security:     sec,
	}, &ServerConfig{Port: "0"}, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	return &testEnv{server: srv, routes: srv.setupRoutes(), engine: engine}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, req)
	return rec
}

const ownerKey = "server-test-key-12345"
const viewerKey = "viewer-test-key-12345"

func TestServer_Route(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/v1/route", map[string]interface{}{
		"task":             "classify the ticket",
		"quality_required": "low",
		"speed_required":   "fast",
	}, ownerKey)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var decision types.RoutingDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if decision.Selected.ModelID == "" {
		t.Error("Expected a selected model")
	}
	if len(decision.Reasoning) == 0 {
		t.Error("Expected reasoning in the decision")
	}
}

func TestServer_Route_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	t.Run("validation error is 400", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/route", map[string]interface{}{}, ownerKey)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})

	t.Run("impossible budget is 422", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/route", map[string]interface{}{
			"task":   "anything",
			"budget": 0.00001,
		}, ownerKey)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("Expected 422, got %d", rec.Code)
		}
	})

	t.Run("unknown provider is 422", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/route", map[string]interface{}{
			"task":               "anything",
			"preferred_provider": "nonexistent",
		}, ownerKey)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("Expected 422, got %d", rec.Code)
		}
	})

	t.Run("missing credentials is 401", func(t *testing.T) {
		rec := env.request(t, http.MethodPost, "/v1/route", map[string]interface{}{"task": "x"}, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rec.Code)
		}
	})
}

func TestServer_Orchestrate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/v1/orchestrate", map[string]interface{}{
		"task": "analyze the data and draft a summary",
	}, ownerKey)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result types.OrchestrationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if len(result.ActivatedParticipants) == 0 {
		t.Error("Expected activated participants")
	}
	if result.LeadReasoning == "" {
		t.Error("Expected lead reasoning")
	}
}

func TestServer_Catalog(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/v1/catalog", nil, ownerKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var payload struct {
		Models []types.ModelOption `json:"models"`
		Count  int                 `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if payload.Count != 5 || len(payload.Models) != 5 {
		t.Errorf("Expected the 5 default models, got %d", payload.Count)
	}
}

func TestServer_DispatchAndCallback(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/v1/dispatch", map[string]interface{}{
		"input": "run the workflow",
	}, ownerKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var tracked types.TrackedRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &tracked); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if tracked.Status != types.StatusPending {
		t.Errorf("Expected pending, got %s", tracked.Status)
	}

	// Engine pushes completion through the callback.
	rec = env.request(t, http.MethodPost, "/v1/callbacks/"+tracked.ID, map[string]interface{}{
		"status":      "success",
		"response":    "workflow done",
		"duration_ms": 420,
		"actual_cost": 0.003,
	}, ownerKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("Callback failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.request(t, http.MethodGet, "/v1/requests/"+tracked.ID, nil, ownerKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var final types.TrackedRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &final); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if final.Status != types.StatusSuccess || final.Response != "workflow done" {
		t.Errorf("Callback not applied: %s %q", final.Status, final.Response)
	}
}

func TestServer_CancelRequest(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/v1/dispatch", map[string]interface{}{"input": "to cancel"}, ownerKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Dispatch failed: %d", rec.Code)
	}
	var tracked types.TrackedRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &tracked); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}

	rec = env.request(t, http.MethodDelete, "/v1/requests/"+tracked.ID, nil, ownerKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("Cancel failed: %d %s", rec.Code, rec.Body.String())
	}
	var cancelled types.TrackedRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
}

func TestServer_UnknownRequestIs404(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/v1/requests/no-such-id", nil, ownerKey)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodDelete, "/v1/memories/no-such-id", nil, ownerKey)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestServer_Memories(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodPost, "/v1/memories", map[string]interface{}{
		"content": "kickoff notes",
		"tags":    []string{"kickoff"},
	}, ownerKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created facade.MemoryResult
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}

	rec = env.request(t, http.MethodGet, "/v1/memories?tag=kickoff&limit=5", nil, ownerKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var listed facade.MemoriesResult
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if len(listed.Memories) != 1 {
		t.Fatalf("Expected 1 memory, got %d", len(listed.Memories))
	}

	// A viewer may read but not delete.
	rec = env.request(t, http.MethodGet, "/v1/memories", nil, viewerKey)
	if rec.Code != http.StatusOK {
		t.Errorf("Viewer read should succeed, got %d", rec.Code)
	}
	rec = env.request(t, http.MethodDelete, "/v1/memories/"+created.Memory.ID, nil, viewerKey)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Viewer delete should be 403, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodDelete, "/v1/memories/"+created.Memory.ID, nil, ownerKey)
	if rec.Code != http.StatusOK {
		t.Errorf("Owner delete should succeed, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_HealthCheck(t *testing.T) {
	env := newTestEnv(t)

	// Health is reachable without credentials.
	rec := env.request(t, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if payload["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", payload["status"])
	}
}

func TestServer_ContentTypeRejected(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/route", bytes.NewBufferString("task=x"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-API-Key", ownerKey)
	rec := httptest.NewRecorder()
	env.routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected 415, got %d", rec.Code)
	}
}

func TestOpenAPISpecEncodesToJSON(t *testing.T) {
	// yaml.v2 decodes mappings with interface{} keys, and numeric status
	// codes stay integers; the document must still encode as JSON.
	doc := []byte("paths:\n  /route:\n    post:\n      responses:\n        200:\n          description: ok\n")

	var spec interface{}
	if err := yaml.Unmarshal(doc, &spec); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	out, err := json.Marshal(stringifyKeys(spec))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(out), `"200"`) {
		t.Errorf("Expected stringified status code key, got %s", out)
	}
}

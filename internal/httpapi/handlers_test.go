package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/invoke"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/policy"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/vault"
)

const testPolicies = `{
	"routing_policies": [
		{
			"tenant_id": "acme",
			"feature": "qa",
			"selection_chain": {"primary": "gpt-4o", "fallback": "gpt-4o-mini", "budget_fallback": "gpt-35-turbo"},
			"budget": {"monthly_ceiling": 100, "downshift_threshold": 0.8, "auto_downshift": true},
			"flags": {"quality_priority": true}
		},
		{
			"tenant_id": "acme",
			"feature": "search",
			"selection_chain": {"primary": "text-embedding-3"},
			"budget": {"monthly_ceiling": 10, "downshift_threshold": 0.9, "auto_downshift": true},
			"flags": {"quality_priority": false}
		}
	]
}`

func testCatalogJSON(endpoint string) string {
	return fmt.Sprintf(`{
		"deployments": [
			{
				"name": "gpt-4o",
				"endpoint": %q,
				"api_version": "2024-06-01",
				"capabilities": ["chat"],
				"performance": {"latency": "medium", "quality": "high", "context_length": 128000},
				"cost_per_token": {"input": 0.00001, "output": 0.00003}
			},
			{
				"name": "gpt-4o-mini",
				"endpoint": %q,
				"api_version": "2024-06-01",
				"capabilities": ["chat"],
				"performance": {"latency": "low", "quality": "medium", "context_length": 128000},
				"cost_per_token": {"input": 0.00000015, "output": 0.0000006}
			},
			{
				"name": "gpt-35-turbo",
				"endpoint": %q,
				"api_version": "2024-02-01",
				"capabilities": ["chat"],
				"performance": {"latency": "low", "quality": "basic", "context_length": 16000},
				"cost_per_token": {"input": 0.0000005, "output": 0.0000015}
			},
			{
				"name": "text-embedding-3",
				"endpoint": %q,
				"api_version": "2024-02-01",
				"capabilities": ["embeddings"],
				"performance": {"latency": "very_low", "quality": "high", "context_length": 8191},
				"cost_per_token": {"input": 0.0000001, "output": 0}
			}
		]
	}`, endpoint, endpoint, endpoint, endpoint)
}

type testServer struct {
	deps   Dependencies
	router chi.Router
}

func newTestServer(t *testing.T, backend string) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dir := catalog.NewDirectory(nil, logger)
	if err := dir.Load([]byte(testCatalogJSON(backend))); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	ps := policy.NewStore(policy.NewMemoryLedger(), logger)
	if err := ps.Load([]byte(testPolicies)); err != nil {
		t.Fatalf("load policies: %v", err)
	}
	v, err := vault.New(false)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	collector := stats.NewCollector()
	reg := metrics.New()
	deps := Dependencies{
		Engine:    router.NewEngine(dir, ps, logger, router.WithStats(collector)),
		Directory: dir,
		Policies:  ps,
		Invoker:   invoke.NewClient(dir, ps, "secret", logger),
		Vault:     v,
		Metrics:   reg,
		Stats:     collector,
		Reload: func(context.Context) error {
			return dir.Load([]byte(testCatalogJSON(backend)))
		},
	}

	r := chi.NewRouter()
	MountRoutes(r, deps)
	return &testServer{deps: deps, router: r}
}

func (ts *testServer) do(t *testing.T, method, path, tenantID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			_ = json.NewEncoder(w).Encode(invoke.ChatResponse{
				ID:    "chatcmpl-1",
				Model: "gpt-4o",
				Choices: []invoke.Choice{{
					Message:      invoke.Message{Role: "assistant", Content: "hello"},
					FinishReason: "stop",
				}},
				Usage: invoke.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			})
		case strings.HasSuffix(r.URL.Path, "/embeddings"):
			_ = json.NewEncoder(w).Encode(invoke.EmbeddingResponse{
				Model: "text-embedding-3",
				Data:  []invoke.Embedding{{Index: 0, Embedding: []float64{0.1}}},
				Usage: invoke.Usage{PromptTokens: 3, TotalTokens: 3},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestHealthz(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRouteEndpoint(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodPost, "/v1/route", "acme", `{"feature": "qa"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var d router.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.SelectedDeployment != "gpt-4o" || d.Reason != router.ReasonPrimary {
		t.Errorf("decision = %+v", d)
	}
}

func TestRouteEndpointNoPolicy(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodPost, "/v1/route", "acme", `{"feature": "translate"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var d router.Decision
	_ = json.Unmarshal(w.Body.Bytes(), &d)
	if d.Routed() || d.Reason != router.ReasonNoPolicy {
		t.Errorf("decision = %+v", d)
	}
}

func TestRouteEndpointMissingFeature(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodPost, "/v1/route", "acme", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestChatCompletionsProxy(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodPost, "/v1/chat/completions", "acme",
		`{"feature": "qa", "messages": [{"role": "user", "content": "hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ChatProxyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SelectedDeployment != "gpt-4o" || resp.Reason != router.ReasonPrimary {
		t.Errorf("response = %+v", resp)
	}
	if resp.Response == nil || resp.Response.Choices[0].Message.Content != "hello" {
		t.Errorf("backend response = %+v", resp.Response)
	}

	// Actual spend lands in the tenant ledger.
	st, err := ts.deps.Policies.Status(context.Background(), "acme")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CurrentSpend == 0 {
		t.Error("expected spend recorded after proxied call")
	}
}

func TestChatCompletionsNoMessages(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodPost, "/v1/chat/completions", "acme", `{"feature": "qa"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestChatCompletionsNoPolicyIs404(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodPost, "/v1/chat/completions", "globex",
		`{"feature": "qa", "messages": [{"role": "user", "content": "hi"}]}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestEmbeddingsProxy(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodPost, "/v1/embeddings", "acme",
		`{"feature": "search", "input": ["hello"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp EmbeddingsProxyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SelectedDeployment != "text-embedding-3" {
		t.Errorf("deployment = %s", resp.SelectedDeployment)
	}
}

func TestBudgetEndpoint(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	_ = ts.deps.Policies.RecordSpend(context.Background(), "acme", 30)

	w := ts.do(t, http.MethodGet, "/v1/budget/acme", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st policy.BudgetStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.CurrentSpend != 30 || st.MonthlyCeiling != 110 {
		t.Errorf("status = %+v", st)
	}
}

func TestDeploymentsAdminEndpoints(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodGet, "/admin/v1/deployments", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var deps []catalog.Deployment
	_ = json.Unmarshal(w.Body.Bytes(), &deps)
	if len(deps) != 4 {
		t.Errorf("got %d deployments, want 4", len(deps))
	}

	w = ts.do(t, http.MethodGet, "/admin/v1/deployments?capability=embeddings", "", "")
	deps = nil
	_ = json.Unmarshal(w.Body.Bytes(), &deps)
	if len(deps) != 1 || deps[0].Name != "text-embedding-3" {
		t.Errorf("capability filter = %+v", deps)
	}

	w = ts.do(t, http.MethodGet, "/admin/v1/deployments/gpt-4o", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/admin/v1/deployments/claude-x", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown deployment status = %d, want 404", w.Code)
	}
}

func TestReloadEndpoint(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodPost, "/admin/v1/reload", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	// Generate one decision so the windows are non-empty.
	_ = ts.do(t, http.MethodPost, "/v1/route", "acme", `{"feature": "qa"}`)

	w := ts.do(t, http.MethodGet, "/admin/v1/stats", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"global", "by_deployment", "by_tenant"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %s section", key)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	w := ts.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestVaultEndpoints(t *testing.T) {
	srv := fakeBackend(t)
	defer srv.Close()
	ts := newTestServer(t, srv.URL)

	// Vault disabled: unlock succeeds trivially.
	w := ts.do(t, http.MethodPost, "/admin/v1/vault/unlock", "", `{"password": "a-strong-password"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("unlock status = %d, body = %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodPost, "/admin/v1/vault/lock", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("lock status = %d", w.Code)
	}
}

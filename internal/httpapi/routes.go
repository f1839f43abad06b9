// Package httpapi exposes the routing, invocation, and admin HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/idempotency"
	"github.com/modelmux/modelmux/internal/invoke"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/policy"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/tenant"
	"github.com/modelmux/modelmux/internal/vault"
)

// DecisionLister reads back persisted decisions for the admin API.
type DecisionLister interface {
	ListDecisionLogs(ctx context.Context, limit, offset int) ([]store.DecisionLog, error)
}

type Dependencies struct {
	Engine    *router.Engine
	Directory *catalog.Directory
	Policies  *policy.Store
	Invoker   *invoke.Client
	Vault     *vault.Vault
	Metrics   *metrics.Registry
	EventBus  *events.Bus
	Stats     *stats.Collector

	// Idempotency enables Idempotency-Key replay on the invocation
	// endpoints when non-nil.
	Idempotency *idempotency.Cache

	// Decisions is nil when the audit log is not persisted.
	Decisions DecisionLister

	// Reload re-reads the catalog and policy files. Nil disables the
	// admin reload endpoint.
	Reload func(ctx context.Context) error
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		// Verify the system can actually route requests.
		summary := d.Directory.Summarize()
		policies := len(d.Policies.List())
		status := http.StatusOK
		text := "ok"
		if summary.Healthy == 0 || policies == 0 {
			status = http.StatusServiceUnavailable
			text = "unhealthy"
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      text,
			"deployments": summary.TotalDeployments,
			"healthy":     summary.Healthy,
			"policies":    policies,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(tenant.Middleware)
		if d.Idempotency != nil {
			r.Use(idempotency.Middleware(d.Idempotency))
		}
		r.Post("/route", RouteHandler(d))
		r.Post("/chat/completions", ChatHandler(d))
		r.Post("/embeddings", EmbeddingsHandler(d))
		r.Get("/budget/{tenant}", BudgetHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/deployments", DeploymentsListHandler(d))
		r.Get("/deployments/{name}", DeploymentGetHandler(d))
		r.Get("/catalog/summary", CatalogSummaryHandler(d))
		r.Get("/policies", PoliciesListHandler(d))
		r.Post("/reload", ReloadHandler(d))
		r.Get("/decisions", DecisionsHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	r.Handle("/metrics", d.Metrics.Handler())
}

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

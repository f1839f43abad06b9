package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/policy"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
)

// ErrBadRequest marks requests the engine cannot evaluate at all (missing
// tenant or feature). Everything else resolves to a Decision.
var ErrBadRequest = errors.New("invalid routing request")

// Default token counts for cost estimation when the request does not carry
// an estimate.
const (
	defaultInputTokens  = 1000
	defaultOutputTokens = 500
)

// AuditLog persists decisions for later inspection. Implemented by the
// SQLite store; nil disables auditing.
type AuditLog interface {
	LogDecision(ctx context.Context, entry store.DecisionLog) error
}

// Engine makes routing decisions against the deployment catalog and the
// policy store. It is safe for concurrent use.
type Engine struct {
	dir      *catalog.Directory
	policies *policy.Store
	logger   *slog.Logger

	bus     *events.Bus
	stats   *stats.Collector
	metrics *metrics.Registry
	audit   AuditLog
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithBus publishes decision and downshift events to the given bus.
func WithBus(b *events.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithStats records a snapshot per decision for the rolling-window stats.
func WithStats(c *stats.Collector) Option { return func(e *Engine) { e.stats = c } }

// WithMetrics increments decision counters.
func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }

// WithAudit persists every decision to the audit log.
func WithAudit(a AuditLog) Option { return func(e *Engine) { e.audit = a } }

// NewEngine creates a routing engine.
func NewEngine(dir *catalog.Directory, policies *policy.Store, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{dir: dir, policies: policies, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Route resolves a single request to a deployment. The selection order is:
// user override (validated), then the policy chain gated by budget, then
// preference ordering. Failures to find a policy or a suitable deployment
// are decisions, not errors.
func (e *Engine) Route(ctx context.Context, req Request) (Decision, error) {
	if req.TenantID == "" || req.Feature == "" {
		return Decision{}, fmt.Errorf("%w: tenant_id and feature are required", ErrBadRequest)
	}

	d := e.decide(ctx, req)
	d.ID = uuid.NewString()

	e.record(ctx, req, d)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, req Request) Decision {
	pol, havePolicy := e.policies.Get(req.TenantID, req.Feature)
	if !havePolicy {
		pol, havePolicy = e.policies.GetDefault(req.Feature)
	}

	// A valid user override wins over everything, including the budget gate.
	// The caller asked for this deployment: it is never a fallback, and only
	// existence, health, and capabilities are checked.
	if req.UserOverride != "" {
		if dep, ok := e.capable(req.UserOverride, req); ok {
			return e.selected(req, dep, ReasonUserOverride, 1.0, false)
		}
		e.logger.Warn("user override not suitable, falling through to policy",
			slog.String("tenant", req.TenantID),
			slog.String("override", req.UserOverride),
		)
	}

	if !havePolicy {
		return Decision{Reason: ReasonNoPolicy}
	}

	// Budget gate: over the downshift threshold, prefer the budget fallback.
	// Like an override, the downshift target skips the performance fit: a
	// cramped cheap deployment is still the intended downshift.
	under := e.underBudget(ctx, req, pol)
	if !under && pol.Chain.BudgetFallback != "" {
		if dep, ok := e.capable(pol.Chain.BudgetFallback, req); ok {
			return e.selected(req, dep, ReasonBudgetFallback, 0.7, true)
		}
		// Budget fallback unusable: fall through to the normal chain rather
		// than refuse service.
	}

	// Preference ordering. Quality walks primary first; cost prefers the
	// cheaper fallback when one exists.
	quality := pol.Flags.QualityPriority
	if req.QualityPriority != nil {
		quality = *req.QualityPriority
	}
	order := []string{pol.Chain.Primary, pol.Chain.Fallback, pol.Chain.BudgetFallback}
	if !quality && pol.Chain.Fallback != "" {
		order = []string{pol.Chain.Fallback, pol.Chain.Primary, pol.Chain.BudgetFallback}
	}

	for _, name := range order {
		if name == "" {
			continue
		}
		dep, ok := e.suitable(name, req)
		if !ok {
			continue
		}
		if dep.Name == pol.Chain.Primary {
			return e.selected(req, dep, ReasonPrimary, 0.9, false)
		}
		return e.selected(req, dep, ReasonFallback, 0.7, true)
	}

	return Decision{Reason: ReasonNoSuitableModel}
}

// capable checks the baseline candidate requirements: the deployment must
// exist, be healthy, and cover the required capabilities. Overrides and the
// budget fallback are validated against this alone.
func (e *Engine) capable(name string, req Request) (catalog.Deployment, bool) {
	dep, ok := e.dir.Get(name)
	if !ok || dep.Health != catalog.HealthHealthy {
		return catalog.Deployment{}, false
	}
	for _, c := range req.RequiredCapabilities {
		if !dep.HasCapability(c) {
			return catalog.Deployment{}, false
		}
	}
	return dep, true
}

// suitable adds the performance fit on top of capable: latency class and
// context window. Only chain candidates in preference order must pass both.
func (e *Engine) suitable(name string, req Request) (catalog.Deployment, bool) {
	dep, ok := e.capable(name, req)
	if !ok {
		return catalog.Deployment{}, false
	}
	if req.LatencyRequirement != "" && !dep.Performance.Latency.AtLeastAsFast(req.LatencyRequirement) {
		return catalog.Deployment{}, false
	}
	if req.EstimatedContextTokens > 0 && dep.Performance.ContextLength > 0 &&
		req.EstimatedContextTokens > dep.Performance.ContextLength {
		return catalog.Deployment{}, false
	}
	return dep, true
}

func (e *Engine) underBudget(ctx context.Context, req Request, pol policy.RoutingPolicy) bool {
	var override float64
	if req.BudgetOverride != nil {
		override = *req.BudgetOverride
	}
	under, err := e.policies.UnderBudget(ctx, req.TenantID, pol, override)
	if err != nil {
		// Accounting unavailable: honor the stated preference rather than
		// silently downshift.
		e.logger.Error("budget check failed, assuming under budget",
			slog.String("tenant", req.TenantID),
			slog.String("error", err.Error()),
		)
		return true
	}
	return under
}

func (e *Engine) selected(req Request, dep catalog.Deployment, reason string, confidence float64, usedFallback bool) Decision {
	inputTokens := req.EstimatedContextTokens
	if inputTokens <= 0 {
		inputTokens = defaultInputTokens
	}
	return Decision{
		SelectedDeployment: dep.Name,
		Reason:             reason,
		UsedFallback:       usedFallback,
		EstimatedCost:      e.dir.EstimateCost(dep.Name, inputTokens, defaultOutputTokens),
		EstimatedLatency:   string(dep.Performance.Latency),
		Confidence:         confidence,
	}
}

func (e *Engine) record(ctx context.Context, req Request, d Decision) {
	e.logger.Info("routing decision",
		slog.String("decision_id", d.ID),
		slog.String("tenant", req.TenantID),
		slog.String("feature", req.Feature),
		slog.String("deployment", d.SelectedDeployment),
		slog.String("reason", d.Reason),
		slog.Bool("used_fallback", d.UsedFallback),
		slog.Float64("confidence", d.Confidence),
	)

	if e.metrics != nil {
		e.metrics.DecisionsTotal.WithLabelValues(req.TenantID, req.Feature, d.Reason).Inc()
	}
	if e.stats != nil {
		e.stats.Record(stats.Snapshot{
			Tenant:       req.TenantID,
			Feature:      req.Feature,
			Deployment:   d.SelectedDeployment,
			Reason:       d.Reason,
			UsedFallback: d.UsedFallback,
			CostUSD:      d.EstimatedCost,
			Success:      d.Routed(),
		})
	}
	if e.bus != nil {
		typ := events.EventDecision
		if d.Reason == ReasonBudgetFallback {
			typ = events.EventBudgetDownshift
		}
		e.bus.Publish(events.Event{
			Type:         typ,
			DecisionID:   d.ID,
			Tenant:       req.TenantID,
			Feature:      req.Feature,
			Deployment:   d.SelectedDeployment,
			Reason:       d.Reason,
			UsedFallback: d.UsedFallback,
			CostUSD:      d.EstimatedCost,
		})
	}
	if e.audit != nil {
		entry := store.DecisionLog{
			Timestamp:     time.Now().UTC(),
			DecisionID:    d.ID,
			TenantID:      req.TenantID,
			Feature:       req.Feature,
			Deployment:    d.SelectedDeployment,
			Reason:        d.Reason,
			UsedFallback:  d.UsedFallback,
			EstimatedCost: d.EstimatedCost,
			Confidence:    d.Confidence,
		}
		if err := e.audit.LogDecision(ctx, entry); err != nil {
			e.logger.Error("audit log write failed", slog.String("error", err.Error()))
		}
	}
}

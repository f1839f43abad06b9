// Package catalog holds the directory of model deployments: capabilities,
// performance class, per-token cost, health, and cumulative usage. It is a
// pure data store; routing policy lives in internal/policy and the decision
// logic in internal/router.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LatencyClass orders deployments from fastest to slowest.
type LatencyClass string

const (
	LatencyVeryLow LatencyClass = "very_low"
	LatencyLow     LatencyClass = "low"
	LatencyMedium  LatencyClass = "medium"
	LatencyHigh    LatencyClass = "high"
)

// rank maps a latency class to its position in the total order
// very_low < low < medium < high. Unknown classes rank slowest.
func (l LatencyClass) rank() int {
	switch l {
	case LatencyVeryLow:
		return 0
	case LatencyLow:
		return 1
	case LatencyMedium:
		return 2
	default:
		return 3
	}
}

// AtLeastAsFast reports whether l meets a required latency class.
func (l LatencyClass) AtLeastAsFast(required LatencyClass) bool {
	return l.rank() <= required.rank()
}

// HealthStatus is the live health of a deployment.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Performance describes a deployment's latency/quality class and context window.
type Performance struct {
	Latency       LatencyClass `json:"latency"`
	Quality       string       `json:"quality"`
	ContextLength int          `json:"context_length"`
}

// RateLimits are advisory; the directory records them but does not enforce them.
type RateLimits struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute"`
}

// CostPerToken is the price in currency units per input/output token.
type CostPerToken struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Deployment is one backend model deployment and its live attributes.
type Deployment struct {
	Name         string       `json:"name"`
	Endpoint     string       `json:"endpoint"`
	APIVersion   string       `json:"api_version"`
	Capabilities []string     `json:"capabilities"`
	Performance  Performance  `json:"performance"`
	RateLimits   RateLimits   `json:"rate_limits"`
	CostPerToken CostPerToken `json:"cost_per_token"`
	Tags         []string     `json:"tags"`

	Health          HealthStatus `json:"health_status"`
	LastHealthCheck *time.Time   `json:"last_health_check,omitempty"`
	ErrorCount      int          `json:"error_count"`

	TotalRequests int64 `json:"total_requests"`
	TotalTokens   int64 `json:"total_tokens"`
}

// HasCapability reports whether the deployment supports the given capability.
func (d Deployment) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasTag reports whether the deployment carries the given tag.
func (d Deployment) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Directory is the shared catalog of deployments. Load replaces the whole
// catalog atomically; readers see either the old or the new snapshot, never
// a mix. Health and usage mutations are guarded by the same lock.
type Directory struct {
	resolver Resolver
	logger   *slog.Logger

	mu          sync.RWMutex
	deployments map[string]*Deployment
	loadedAt    time.Time
}

// NewDirectory creates an empty directory. The resolver is consulted for
// $NAME indirections during Load; pass nil to disable resolution.
func NewDirectory(resolver Resolver, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		resolver:    resolver,
		logger:      logger,
		deployments: make(map[string]*Deployment),
	}
}

type catalogFile struct {
	Deployments []Deployment `json:"deployments"`
}

// Load parses a deployment catalog and atomically replaces the current
// snapshot. Endpoint and API-version fields may be indirections of the form
// "$NAME"; unresolved references keep the literal placeholder and the
// deployment is marked unhealthy instead of failing the load. On parse error
// the previous snapshot is kept.
func (dir *Directory) Load(data []byte) error {
	var cfg catalogFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	next := make(map[string]*Deployment, len(cfg.Deployments))
	for i := range cfg.Deployments {
		d := cfg.Deployments[i]
		if d.Name == "" {
			return fmt.Errorf("parse catalog: deployment %d has no name", i)
		}
		if _, dup := next[d.Name]; dup {
			return fmt.Errorf("parse catalog: duplicate deployment name %q", d.Name)
		}

		d.Endpoint = dir.resolve(d.Name, "endpoint", d.Endpoint)
		d.APIVersion = dir.resolve(d.Name, "api_version", d.APIVersion)

		if d.Health == "" {
			d.Health = HealthHealthy
		}
		// A deployment with an unresolved or missing endpoint must still
		// load, but never receive traffic until an operator fixes it.
		if d.Endpoint == "" || strings.HasPrefix(d.Endpoint, "$") {
			if d.Health == HealthHealthy {
				dir.logger.Warn("deployment endpoint unresolved, marking unhealthy",
					slog.String("deployment", d.Name),
					slog.String("endpoint", d.Endpoint),
				)
			}
			d.Health = HealthUnhealthy
		}
		next[d.Name] = &d
	}

	dir.mu.Lock()
	dir.deployments = next
	dir.loadedAt = time.Now().UTC()
	dir.mu.Unlock()

	dir.logger.Info("catalog loaded", slog.Int("deployments", len(next)))
	return nil
}

// resolve substitutes a "$NAME" indirection via the resolver. Unresolved
// references are logged and kept as literal placeholders.
func (dir *Directory) resolve(deployment, field, value string) string {
	if !strings.HasPrefix(value, "$") {
		return value
	}
	name := strings.TrimPrefix(value, "$")
	if dir.resolver != nil {
		if resolved, ok := dir.resolver.Resolve(name); ok {
			return resolved
		}
	}
	dir.logger.Warn("config reference unresolved, keeping placeholder",
		slog.String("deployment", deployment),
		slog.String("field", field),
		slog.String("ref", name),
	)
	return value
}

// Get returns a copy of the named deployment. The second return value is
// false when the name is unknown.
func (dir *Directory) Get(name string) (Deployment, bool) {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	d, ok := dir.deployments[name]
	if !ok {
		return Deployment{}, false
	}
	return *d, true
}

// List returns copies of all deployments. Order is unspecified.
func (dir *Directory) List() []Deployment {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	out := make([]Deployment, 0, len(dir.deployments))
	for _, d := range dir.deployments {
		out = append(out, *d)
	}
	return out
}

// ByCapability returns all deployments supporting a capability. Order is unspecified.
func (dir *Directory) ByCapability(cap string) []Deployment {
	return dir.filter(func(d *Deployment) bool { return d.HasCapability(cap) })
}

// ByTag returns all deployments carrying a tag. Order is unspecified.
func (dir *Directory) ByTag(tag string) []Deployment {
	return dir.filter(func(d *Deployment) bool { return d.HasTag(tag) })
}

// Healthy returns all deployments currently marked healthy. Order is unspecified.
func (dir *Directory) Healthy() []Deployment {
	return dir.filter(func(d *Deployment) bool { return d.Health == HealthHealthy })
}

func (dir *Directory) filter(keep func(*Deployment) bool) []Deployment {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	var out []Deployment
	for _, d := range dir.deployments {
		if keep(d) {
			out = append(out, *d)
		}
	}
	return out
}

// ReportHealth sets a deployment's health fields and stamps the check time.
// Unknown names are logged and ignored.
func (dir *Directory) ReportHealth(name string, status HealthStatus, errorCount int) {
	dir.mu.Lock()
	d, ok := dir.deployments[name]
	if ok {
		now := time.Now().UTC()
		d.Health = status
		d.LastHealthCheck = &now
		d.ErrorCount = errorCount
	}
	dir.mu.Unlock()

	if !ok {
		dir.logger.Warn("health report for unknown deployment", slog.String("deployment", name))
		return
	}
	dir.logger.Info("deployment health updated",
		slog.String("deployment", name),
		slog.String("status", string(status)),
		slog.Int("error_count", errorCount),
	)
}

// RecordUsage increments a deployment's usage counters. Unknown names are
// logged and ignored.
func (dir *Directory) RecordUsage(name string, requests, tokens int64) {
	dir.mu.Lock()
	d, ok := dir.deployments[name]
	if ok {
		d.TotalRequests += requests
		d.TotalTokens += tokens
	}
	dir.mu.Unlock()

	if !ok {
		dir.logger.Warn("usage report for unknown deployment", slog.String("deployment", name))
	}
}

// EstimateCost returns the advisory cost for the given token counts, or 0
// when the deployment is unknown. It never fails: cost estimation is used
// for reporting, not gating.
func (dir *Directory) EstimateCost(name string, inputTokens, outputTokens int) float64 {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	d, ok := dir.deployments[name]
	if !ok {
		return 0
	}
	return float64(inputTokens)*d.CostPerToken.Input + float64(outputTokens)*d.CostPerToken.Output
}

// Summary describes the catalog for the admin API.
type Summary struct {
	TotalDeployments int            `json:"total_deployments"`
	Healthy          int            `json:"healthy"`
	ByCapability     map[string]int `json:"by_capability"`
	LoadedAt         time.Time      `json:"loaded_at"`
}

// Summarize returns aggregate counts over the current snapshot.
func (dir *Directory) Summarize() Summary {
	dir.mu.RLock()
	defer dir.mu.RUnlock()

	s := Summary{
		TotalDeployments: len(dir.deployments),
		ByCapability:     make(map[string]int),
		LoadedAt:         dir.loadedAt,
	}
	for _, d := range dir.deployments {
		if d.Health == HealthHealthy {
			s.Healthy++
		}
		for _, c := range d.Capabilities {
			s.ByCapability[c]++
		}
	}
	return s
}

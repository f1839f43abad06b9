// Package policy holds the per-tenant/per-feature routing policies and the
// monthly budget ledger the router's budget gate reads from.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTenant keys the fallback policy used when no tenant-specific policy
// exists for a feature.
const DefaultTenant = "default"

// ErrNegativeSpend is returned by RecordSpend for negative amounts. A negative
// amount indicates a caller bug and must not be silently absorbed.
var ErrNegativeSpend = errors.New("spend amount must be non-negative")

// SelectionChain is the ordered deployment preference for a policy. Fallback
// and BudgetFallback may be empty. Names may dangle: the directory and the
// policy store reload independently, so validation happens at route time.
type SelectionChain struct {
	Primary        string `json:"primary"`
	Fallback       string `json:"fallback,omitempty"`
	BudgetFallback string `json:"budget_fallback,omitempty"`
}

// Budget is the monthly spend constraint for a policy.
type Budget struct {
	MonthlyCeiling     float64 `json:"monthly_ceiling"`
	DownshiftThreshold float64 `json:"downshift_threshold"`
	AutoDownshift      bool    `json:"auto_downshift"`
}

// Flags tune routing behaviour per policy.
type Flags struct {
	QualityPriority bool `json:"quality_priority"`
	ABTesting       bool `json:"ab_testing"`
}

// RoutingPolicy is the complete routing configuration for one (tenant, feature).
type RoutingPolicy struct {
	TenantID string         `json:"tenant_id"`
	Feature  string         `json:"feature"`
	Chain    SelectionChain `json:"selection_chain"`
	Budget   Budget         `json:"budget"`
	Flags    Flags          `json:"flags"`
}

// BudgetStatus summarizes a tenant's spend against the sum of its policy
// ceilings for the current month.
type BudgetStatus struct {
	TenantID       string  `json:"tenant_id"`
	Month          string  `json:"month"`
	CurrentSpend   float64 `json:"current_spend"`
	MonthlyCeiling float64 `json:"monthly_ceiling"`
	Remaining      float64 `json:"remaining"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// Store holds routing policies and owns the budget ledger. Policy reloads are
// atomic snapshot swaps, same as the deployment catalog.
type Store struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	policies map[string]RoutingPolicy
}

// NewStore creates a policy store backed by the given ledger.
func NewStore(ledger Ledger, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		ledger:   ledger,
		logger:   logger,
		now:      time.Now,
		policies: make(map[string]RoutingPolicy),
	}
}

// SetNowFunc overrides the clock, used by tests to pin the month boundary.
func (s *Store) SetNowFunc(now func() time.Time) { s.now = now }

func key(tenantID, feature string) string { return tenantID + ":" + feature }

// MonthKey formats the calendar-month ledger key for a point in time.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

type policyFile struct {
	Policies []RoutingPolicy `json:"routing_policies"`
}

// Load parses the policy list and atomically replaces the current snapshot.
// On error the previous snapshot is kept.
func (s *Store) Load(data []byte) error {
	var cfg policyFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse policies: %w", err)
	}

	next := make(map[string]RoutingPolicy, len(cfg.Policies))
	for i, p := range cfg.Policies {
		if p.TenantID == "" || p.Feature == "" {
			return fmt.Errorf("parse policies: entry %d missing tenant_id or feature", i)
		}
		if p.Chain.Primary == "" {
			return fmt.Errorf("parse policies: %s:%s has no primary deployment", p.TenantID, p.Feature)
		}
		if p.Budget.MonthlyCeiling < 0 {
			return fmt.Errorf("parse policies: %s:%s has negative monthly_ceiling", p.TenantID, p.Feature)
		}
		if p.Budget.DownshiftThreshold < 0 || p.Budget.DownshiftThreshold > 1 {
			return fmt.Errorf("parse policies: %s:%s downshift_threshold %v outside [0,1]",
				p.TenantID, p.Feature, p.Budget.DownshiftThreshold)
		}
		k := key(p.TenantID, p.Feature)
		if _, dup := next[k]; dup {
			return fmt.Errorf("parse policies: duplicate policy for %s", k)
		}
		next[k] = p
	}

	s.mu.Lock()
	s.policies = next
	s.mu.Unlock()

	s.logger.Info("routing policies loaded", slog.Int("policies", len(next)))
	return nil
}

// Get returns the policy for (tenantID, feature), if any.
func (s *Store) Get(tenantID, feature string) (RoutingPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[key(tenantID, feature)]
	return p, ok
}

// GetDefault returns the fallback policy for a feature, keyed by the
// "default" tenant.
func (s *Store) GetDefault(feature string) (RoutingPolicy, bool) {
	return s.Get(DefaultTenant, feature)
}

// List returns all policies. Order is unspecified.
func (s *Store) List() []RoutingPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoutingPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out
}

// RecordSpend adds amount to the tenant's ledger entry for the current month,
// creating it at zero if absent. Negative amounts are rejected.
func (s *Store) RecordSpend(ctx context.Context, tenantID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("record spend for %s: %w (got %v)", tenantID, ErrNegativeSpend, amount)
	}
	month := MonthKey(s.now())
	if err := s.ledger.AddSpend(ctx, tenantID, month, amount); err != nil {
		return fmt.Errorf("record spend for %s: %w", tenantID, err)
	}
	s.logger.Debug("spend recorded",
		slog.String("tenant", tenantID),
		slog.String("month", month),
		slog.Float64("amount", amount),
	)
	return nil
}

// UnderBudget reports whether the tenant's current-month spend is below the
// downshift threshold of the policy's ceiling (or overrideCeiling when > 0).
// Always true when auto-downshift is disabled. Evaluated fresh on every call:
// spend moves between routing decisions, so the result is never cached.
func (s *Store) UnderBudget(ctx context.Context, tenantID string, pol RoutingPolicy, overrideCeiling float64) (bool, error) {
	if !pol.Budget.AutoDownshift {
		return true, nil
	}
	spend, err := s.ledger.MonthSpend(ctx, tenantID, MonthKey(s.now()))
	if err != nil {
		return false, fmt.Errorf("budget check for %s: %w", tenantID, err)
	}
	ceiling := pol.Budget.MonthlyCeiling
	if overrideCeiling > 0 {
		ceiling = overrideCeiling
	}
	return spend < ceiling*pol.Budget.DownshiftThreshold, nil
}

// Status returns the tenant's current-month spend against the sum of
// monthly ceilings across all of the tenant's policies.
func (s *Store) Status(ctx context.Context, tenantID string) (BudgetStatus, error) {
	month := MonthKey(s.now())
	spend, err := s.ledger.MonthSpend(ctx, tenantID, month)
	if err != nil {
		return BudgetStatus{}, fmt.Errorf("budget status for %s: %w", tenantID, err)
	}

	var ceiling float64
	s.mu.RLock()
	for _, p := range s.policies {
		if p.TenantID == tenantID {
			ceiling += p.Budget.MonthlyCeiling
		}
	}
	s.mu.RUnlock()

	st := BudgetStatus{
		TenantID:       tenantID,
		Month:          month,
		CurrentSpend:   spend,
		MonthlyCeiling: ceiling,
		Remaining:      ceiling - spend,
	}
	if ceiling > 0 {
		st.UtilizationPct = spend / ceiling * 100
	}
	return st, nil
}

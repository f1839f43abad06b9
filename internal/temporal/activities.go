package temporal

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/activity"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/policy"
)

// Activities holds dependencies for Temporal activity implementations.
type Activities struct {
	Directory *catalog.Directory
	Policies  *policy.Store
	Prober    *health.Prober
	Logger    *slog.Logger

	// Reload re-reads the catalog and policy files from disk.
	Reload func(ctx context.Context) error
}

// RefreshCatalog re-reads the catalog and policy files and reports the
// resulting snapshot sizes.
func (a *Activities) RefreshCatalog(ctx context.Context) (RefreshOutput, error) {
	if a.Reload == nil {
		return RefreshOutput{}, fmt.Errorf("no reload function configured")
	}
	if err := a.Reload(ctx); err != nil {
		return RefreshOutput{}, fmt.Errorf("refresh catalog: %w", err)
	}
	return RefreshOutput{
		Deployments: a.Directory.Summarize().TotalDeployments,
		Policies:    len(a.Policies.List()),
	}, nil
}

// SweepHealth probes every deployment once and reports the health tally.
func (a *Activities) SweepHealth(ctx context.Context) (SweepOutput, error) {
	activity.RecordHeartbeat(ctx, "probing")
	a.Prober.ProbeAll()

	summary := a.Directory.Summarize()
	return SweepOutput{
		Probed:    summary.TotalDeployments,
		Healthy:   summary.Healthy,
		Unhealthy: summary.TotalDeployments - summary.Healthy,
	}, nil
}

// ReportBudgets computes the current-month budget status for every tenant
// with at least one policy, logging tenants near their ceiling.
func (a *Activities) ReportBudgets(ctx context.Context) ([]policy.BudgetStatus, error) {
	tenants := map[string]bool{}
	for _, p := range a.Policies.List() {
		tenants[p.TenantID] = true
	}

	statuses := make([]policy.BudgetStatus, 0, len(tenants))
	for tenantID := range tenants {
		status, err := a.Policies.Status(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("budget status for %s: %w", tenantID, err)
		}
		if a.Logger != nil && status.MonthlyCeiling > 0 && status.UtilizationPct >= 80 {
			a.Logger.Warn("tenant approaching budget ceiling",
				slog.String("tenant", tenantID),
				slog.Float64("utilization_pct", status.UtilizationPct),
			)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

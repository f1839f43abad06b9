package temporal

import (
	"github.com/modelmux/modelmux/internal/policy"
)

// MaintenanceInput selects which maintenance steps the workflow runs. The
// zero value runs everything.
type MaintenanceInput struct {
	SkipRefresh bool `json:"skip_refresh,omitempty"`
	SkipSweep   bool `json:"skip_sweep,omitempty"`
	SkipBudgets bool `json:"skip_budgets,omitempty"`
}

// MaintenanceOutput summarizes one maintenance run.
type MaintenanceOutput struct {
	Refresh RefreshOutput         `json:"refresh"`
	Sweep   SweepOutput           `json:"sweep"`
	Budgets []policy.BudgetStatus `json:"budgets,omitempty"`
}

// RefreshOutput is the output of the RefreshCatalog activity.
type RefreshOutput struct {
	Deployments int `json:"deployments"`
	Policies    int `json:"policies"`
}

// SweepOutput is the output of the SweepHealth activity.
type SweepOutput struct {
	Probed    int `json:"probed"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

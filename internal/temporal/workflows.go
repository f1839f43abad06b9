// Package temporal runs periodic maintenance (catalog refresh, health
// sweeps, budget reports) as a Temporal workflow so runs are durable and
// observable in the Temporal UI.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const activityTimeout = 60 * time.Second

// MaintenanceWorkflow runs one maintenance pass: refresh the catalog and
// policy snapshots, probe deployment health, then report per-tenant budget
// utilization. Steps are independent; a failed refresh does not block the
// health sweep.
func MaintenanceWorkflow(ctx workflow.Context, input MaintenanceInput) (MaintenanceOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1, // The cron schedule retries the whole pass.
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	var out MaintenanceOutput
	var firstErr error

	if !input.SkipRefresh {
		if err := workflow.ExecuteActivity(ctx, (*Activities).RefreshCatalog).Get(ctx, &out.Refresh); err != nil {
			logger.Error("catalog refresh failed", "error", err)
			firstErr = err
		}
	}

	if !input.SkipSweep {
		if err := workflow.ExecuteActivity(ctx, (*Activities).SweepHealth).Get(ctx, &out.Sweep); err != nil {
			logger.Error("health sweep failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if !input.SkipBudgets {
		if err := workflow.ExecuteActivity(ctx, (*Activities).ReportBudgets).Get(ctx, &out.Budgets); err != nil {
			logger.Error("budget report failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return out, firstErr
}

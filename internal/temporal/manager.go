package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
}

// New creates a Temporal client and worker, registering the maintenance
// workflow and its activities.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	w.RegisterWorkflow(MaintenanceWorkflow)

	w.RegisterActivity(acts.RefreshCatalog)
	w.RegisterActivity(acts.SweepHealth)
	w.RegisterActivity(acts.ReportBudgets)

	return &Manager{
		client: c,
		worker: w,
		cfg:    cfg,
	}, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// ScheduleMaintenance starts (or resumes) the cron-scheduled maintenance
// workflow. The fixed workflow ID makes repeat calls idempotent.
func (m *Manager) ScheduleMaintenance(ctx context.Context, cronSchedule string) error {
	_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           "modelmux-maintenance",
		TaskQueue:    m.cfg.TaskQueue,
		CronSchedule: cronSchedule,
	}, MaintenanceWorkflow, MaintenanceInput{})
	if err != nil {
		return fmt.Errorf("schedule maintenance workflow: %w", err)
	}
	return nil
}

// Client returns the Temporal client for starting workflows.
func (m *Manager) Client() client.Client {
	return m.client
}

// TaskQueue returns the configured task queue name.
func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}

package store

import (
	"context"
	"time"
)

// Store is the persistence interface for modelmux: the durable budget ledger,
// the routing decision audit log, and the encrypted vault blob.
type Store interface {
	// Budget ledger (implements policy.Ledger).
	AddSpend(ctx context.Context, tenantID, month string, amount float64) error
	MonthSpend(ctx context.Context, tenantID, month string) (float64, error)

	// Decision audit log.
	LogDecision(ctx context.Context, entry DecisionLog) error
	ListDecisionLogs(ctx context.Context, limit, offset int) ([]DecisionLog, error)

	// Vault persistence.
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Schema lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// DecisionLog captures a single routing decision for the audit log exposed
// by the admin API.
type DecisionLog struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	DecisionID    string    `json:"decision_id"`
	TenantID      string    `json:"tenant_id"`
	Feature       string    `json:"feature"`
	Deployment    string    `json:"deployment"`
	Reason        string    `json:"reason"`
	UsedFallback  bool      `json:"used_fallback"`
	EstimatedCost float64   `json:"estimated_cost"`
	Confidence    float64   `json:"confidence"`
}

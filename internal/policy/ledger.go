package policy

import (
	"context"
	"sync"
)

// Ledger is the per-tenant monthly spend counter behind the budget gate.
// Entries are monotonic within a month and never retroactively corrected.
// Implementations must make AddSpend and MonthSpend linearizable per tenant;
// the in-memory ledger here is the default, with durable SQLite and Redis
// backends in internal/store for deployments that need accounting to survive
// restarts or be shared across instances.
type Ledger interface {
	AddSpend(ctx context.Context, tenantID, month string, amount float64) error
	MonthSpend(ctx context.Context, tenantID, month string) (float64, error)
}

// MemoryLedger keeps spend counters in process memory. Locking is per tenant
// so one tenant's accounting never blocks another's.
type MemoryLedger struct {
	mu      sync.RWMutex
	tenants map[string]*tenantCounter
}

type tenantCounter struct {
	mu     sync.Mutex
	months map[string]float64
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{tenants: make(map[string]*tenantCounter)}
}

func (l *MemoryLedger) counter(tenantID string) *tenantCounter {
	l.mu.RLock()
	c, ok := l.tenants[tenantID]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.tenants[tenantID]; ok {
		return c
	}
	c = &tenantCounter{months: make(map[string]float64)}
	l.tenants[tenantID] = c
	return c
}

func (l *MemoryLedger) AddSpend(_ context.Context, tenantID, month string, amount float64) error {
	c := l.counter(tenantID)
	c.mu.Lock()
	c.months[month] += amount
	c.mu.Unlock()
	return nil
}

func (l *MemoryLedger) MonthSpend(_ context.Context, tenantID, month string) (float64, error) {
	c := l.counter(tenantID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.months[month], nil
}

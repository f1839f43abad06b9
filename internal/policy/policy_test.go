package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const testPolicies = `{
	"routing_policies": [
		{
			"tenant_id": "acme",
			"feature": "qa",
			"selection_chain": {"primary": "gpt-4o", "fallback": "gpt-4o-mini", "budget_fallback": "gpt-35-turbo"},
			"budget": {"monthly_ceiling": 100, "downshift_threshold": 0.8, "auto_downshift": true},
			"flags": {"quality_priority": true}
		},
		{
			"tenant_id": "acme",
			"feature": "summarize",
			"selection_chain": {"primary": "gpt-4o-mini"},
			"budget": {"monthly_ceiling": 50, "downshift_threshold": 0.9, "auto_downshift": true},
			"flags": {"quality_priority": false}
		},
		{
			"tenant_id": "default",
			"feature": "qa",
			"selection_chain": {"primary": "gpt-4o-mini", "budget_fallback": "gpt-35-turbo"},
			"budget": {"monthly_ceiling": 20, "downshift_threshold": 0.8, "auto_downshift": true},
			"flags": {"quality_priority": false}
		}
	]
}`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(NewMemoryLedger(), slog.Default())
	if err := s.Load([]byte(testPolicies)); err != nil {
		t.Fatalf("load policies: %v", err)
	}
	return s
}

func TestGetAndDefault(t *testing.T) {
	s := newTestStore(t)

	p, ok := s.Get("acme", "qa")
	if !ok || p.Chain.Primary != "gpt-4o" {
		t.Fatalf("Get(acme, qa) = %+v/%v", p, ok)
	}

	if _, ok := s.Get("globex", "qa"); ok {
		t.Error("unexpected policy for unknown tenant")
	}
	d, ok := s.GetDefault("qa")
	if !ok || d.TenantID != DefaultTenant {
		t.Fatalf("GetDefault(qa) = %+v/%v", d, ok)
	}
	if _, ok := s.GetDefault("translate"); ok {
		t.Error("unexpected default policy for unconfigured feature")
	}
}

func TestLoadFailureKeepsSnapshot(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load([]byte(`{"routing_policies":[{"tenant_id":"x"}]}`)); err == nil {
		t.Fatal("expected validation error")
	}
	if _, ok := s.Get("acme", "qa"); !ok {
		t.Error("previous snapshot must survive a failed load")
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	s := NewStore(NewMemoryLedger(), slog.Default())
	err := s.Load([]byte(`{"routing_policies":[{
		"tenant_id": "t", "feature": "f",
		"selection_chain": {"primary": "m"},
		"budget": {"monthly_ceiling": 10, "downshift_threshold": 1.5, "auto_downshift": true}
	}]}`))
	if err == nil {
		t.Fatal("expected threshold range error")
	}
}

func TestRecordSpendRejectsNegative(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordSpend(context.Background(), "acme", -1)
	if !errors.Is(err, ErrNegativeSpend) {
		t.Fatalf("err = %v, want ErrNegativeSpend", err)
	}
}

func TestRecordSpendMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.RecordSpend(ctx, "acme", 0.5)
			// Interleave reads with writes: must never observe an error or
			// a decreasing value.
			_, _ = s.UnderBudget(ctx, "acme", mustGet(s, "acme", "qa"), 0)
		}()
	}
	wg.Wait()

	st, err := s.Status(ctx, "acme")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CurrentSpend != 25 {
		t.Errorf("spend = %v, want 25", st.CurrentSpend)
	}
}

func mustGet(s *Store, tenant, feature string) RoutingPolicy {
	p, _ := s.Get(tenant, feature)
	return p
}

func TestUnderBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pol := mustGet(s, "acme", "qa") // ceiling 100, threshold 0.8

	under, err := s.UnderBudget(ctx, "acme", pol, 0)
	if err != nil || !under {
		t.Fatalf("fresh tenant: under=%v err=%v, want true", under, err)
	}

	if err := s.RecordSpend(ctx, "acme", 90); err != nil {
		t.Fatalf("record: %v", err)
	}
	under, _ = s.UnderBudget(ctx, "acme", pol, 0)
	if under {
		t.Error("90 >= 80% of 100: want not under budget")
	}

	// Override ceiling lifts the threshold for this call only.
	under, _ = s.UnderBudget(ctx, "acme", pol, 200)
	if !under {
		t.Error("90 < 80% of 200: want under budget with override")
	}
}

func TestUnderBudgetAutoDownshiftDisabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pol := mustGet(s, "acme", "qa")
	pol.Budget.AutoDownshift = false

	_ = s.RecordSpend(ctx, "acme", 1e9)
	under, err := s.UnderBudget(ctx, "acme", pol, 0)
	if err != nil || !under {
		t.Errorf("auto_downshift=false: under=%v err=%v, want true regardless of ledger", under, err)
	}
}

func TestMonthBoundaryResetsSpend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return now })
	_ = s.RecordSpend(ctx, "acme", 95)

	pol := mustGet(s, "acme", "qa")
	if under, _ := s.UnderBudget(ctx, "acme", pol, 0); under {
		t.Fatal("want over threshold in August")
	}

	now = time.Date(2026, 9, 1, 0, 5, 0, 0, time.UTC)
	if under, _ := s.UnderBudget(ctx, "acme", pol, 0); !under {
		t.Error("new month starts a fresh ledger entry")
	}
}

func TestStatusSumsTenantCeilings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.RecordSpend(ctx, "acme", 30)
	st, err := s.Status(ctx, "acme")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.MonthlyCeiling != 150 { // 100 (qa) + 50 (summarize)
		t.Errorf("ceiling = %v, want 150", st.MonthlyCeiling)
	}
	if st.Remaining != 120 {
		t.Errorf("remaining = %v, want 120", st.Remaining)
	}
	if st.UtilizationPct != 20 {
		t.Errorf("utilization = %v, want 20", st.UtilizationPct)
	}
}

func TestMonthKey(t *testing.T) {
	got := MonthKey(time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC))
	if got != "2026-02" {
		t.Errorf("MonthKey = %q, want 2026-02", got)
	}
}

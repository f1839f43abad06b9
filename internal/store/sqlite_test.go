package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestAddSpendUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddSpend(ctx, "acme", "2026-09", 1.25); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AddSpend(ctx, "acme", "2026-09", 0.75); err != nil {
		t.Fatalf("second add: %v", err)
	}

	spend, err := s.MonthSpend(ctx, "acme", "2026-09")
	if err != nil {
		t.Fatalf("month spend: %v", err)
	}
	if spend != 2.0 {
		t.Errorf("spend = %v, want 2.0", spend)
	}
}

func TestMonthSpendUnknownTenantIsZero(t *testing.T) {
	s := newTestStore(t)
	spend, err := s.MonthSpend(context.Background(), "nobody", "2026-09")
	if err != nil {
		t.Fatalf("month spend: %v", err)
	}
	if spend != 0 {
		t.Errorf("spend = %v, want 0", spend)
	}
}

func TestSpendIsolatedByMonth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.AddSpend(ctx, "acme", "2026-08", 10)
	_ = s.AddSpend(ctx, "acme", "2026-09", 3)

	aug, _ := s.MonthSpend(ctx, "acme", "2026-08")
	sep, _ := s.MonthSpend(ctx, "acme", "2026-09")
	if aug != 10 || sep != 3 {
		t.Errorf("aug=%v sep=%v, want 10/3", aug, sep)
	}
}

func TestDecisionLogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := DecisionLog{
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		DecisionID:    "d-123",
		TenantID:      "acme",
		Feature:       "qa",
		Deployment:    "gpt-4o",
		Reason:        "primary",
		UsedFallback:  false,
		EstimatedCost: 0.0125,
		Confidence:    0.9,
	}
	if err := s.LogDecision(ctx, entry); err != nil {
		t.Fatalf("log decision: %v", err)
	}
	if err := s.LogDecision(ctx, DecisionLog{
		Timestamp: time.Now().UTC(), DecisionID: "d-124", TenantID: "acme",
		Feature: "qa", Deployment: "gpt-4o-mini", Reason: "budget_fallback",
		UsedFallback: true, Confidence: 0.7,
	}); err != nil {
		t.Fatalf("log decision: %v", err)
	}

	logs, err := s.ListDecisionLogs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(logs))
	}
	var found bool
	for _, l := range logs {
		if l.DecisionID == "d-123" {
			found = true
			if l.Deployment != "gpt-4o" || l.Reason != "primary" || l.UsedFallback {
				t.Errorf("round trip mismatch: %+v", l)
			}
			if l.EstimatedCost != 0.0125 || l.Confidence != 0.9 {
				t.Errorf("numeric fields mismatch: %+v", l)
			}
		}
	}
	if !found {
		t.Error("d-123 not returned")
	}
}

func TestListDecisionLogsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = s.LogDecision(ctx, DecisionLog{
			Timestamp: time.Now().UTC(), TenantID: "acme", Feature: "qa", Reason: "primary",
		})
	}
	logs, err := s.ListDecisionLogs(ctx, 3, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("got %d logs, want 3", len(logs))
	}
}

func TestVaultBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	salt, data, err := s.LoadVaultBlob(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if salt != nil || data != nil {
		t.Fatal("fresh store should have no vault blob")
	}

	want := map[string]string{"OPENAI_ENDPOINT": "ciphertext-1"}
	if err := s.SaveVaultBlob(ctx, []byte{1, 2, 3, 4}, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Overwrite replaces the single row.
	want["EMBED_ENDPOINT"] = "ciphertext-2"
	if err := s.SaveVaultBlob(ctx, []byte{5, 6, 7, 8}, want); err != nil {
		t.Fatalf("save again: %v", err)
	}

	salt, data, err = s.LoadVaultBlob(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(salt) != string([]byte{5, 6, 7, 8}) {
		t.Errorf("salt = %v, want latest", salt)
	}
	if len(data) != 2 || data["EMBED_ENDPOINT"] != "ciphertext-2" {
		t.Errorf("data = %v", data)
	}
}

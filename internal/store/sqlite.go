package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS budget_ledger (
			tenant_id TEXT NOT NULL,
			month TEXT NOT NULL,
			spend REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, month)
		)`,
		`CREATE TABLE IF NOT EXISTS decision_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decision_id TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL,
			feature TEXT NOT NULL,
			deployment TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			used_fallback INTEGER NOT NULL DEFAULT 0,
			estimated_cost REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_logs_timestamp ON decision_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_logs_tenant ON decision_logs(tenant_id)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Budget ledger

// AddSpend atomically increments the tenant's counter for the month. The
// upsert keeps the counter monotonic under concurrent writers: SQLite
// serializes the read-modify-write inside the statement.
func (s *SQLiteStore) AddSpend(ctx context.Context, tenantID, month string, amount float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_ledger (tenant_id, month, spend) VALUES (?, ?, ?)
		 ON CONFLICT(tenant_id, month) DO UPDATE SET spend = spend + excluded.spend`,
		tenantID, month, amount)
	return err
}

func (s *SQLiteStore) MonthSpend(ctx context.Context, tenantID, month string) (float64, error) {
	var spend float64
	err := s.db.QueryRowContext(ctx,
		`SELECT spend FROM budget_ledger WHERE tenant_id = ? AND month = ?`,
		tenantID, month).Scan(&spend)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return spend, nil
}

// Decision logs

func (s *SQLiteStore) LogDecision(ctx context.Context, entry DecisionLog) error {
	usedFallback := 0
	if entry.UsedFallback {
		usedFallback = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_logs (timestamp, decision_id, tenant_id, feature, deployment, reason, used_fallback, estimated_cost, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.DecisionID, entry.TenantID, entry.Feature,
		entry.Deployment, entry.Reason, usedFallback, entry.EstimatedCost, entry.Confidence)
	return err
}

func (s *SQLiteStore) ListDecisionLogs(ctx context.Context, limit, offset int) ([]DecisionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, decision_id, tenant_id, feature, deployment, reason, used_fallback, estimated_cost, confidence
		 FROM decision_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []DecisionLog
	for rows.Next() {
		var l DecisionLog
		var ts string
		var usedFallback int
		if err := rows.Scan(&l.ID, &ts, &l.DecisionID, &l.TenantID, &l.Feature,
			&l.Deployment, &l.Reason, &usedFallback, &l.EstimatedCost, &l.Confidence); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		l.UsedFallback = usedFallback != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

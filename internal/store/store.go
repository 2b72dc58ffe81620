package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Execution is one recorded cycle. Amounts are atomic-unit decimal strings.
type Execution struct {
	ID            string
	AgentID       string
	Cycle         uint64
	Action        string
	Success       bool
	Error         string
	Summary       string
	Reasoning     string
	Confidence    float64
	Mode          string
	TxHash        string
	BalanceBefore string
	BalanceAfter  string
	ProfitLoss    string
	ModelLatency  time.Duration
	StartedAt     time.Time
	FinishedAt    time.Time
}

type Stats struct {
	Total      int
	Succeeded  int
	Failed     int
	ByAction   map[string]int
	ProfitLoss *big.Int
	First      time.Time
	Last       time.Time
}

// Store is the execution journal.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; the agent loop is sequential anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=3000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", p, err)
		}
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    cycle INTEGER NOT NULL,
    action TEXT NOT NULL,
    success INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    reasoning TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    mode TEXT NOT NULL DEFAULT '',
    tx_hash TEXT NOT NULL DEFAULT '',
    balance_before TEXT NOT NULL DEFAULT '',
    balance_after TEXT NOT NULL DEFAULT '',
    profit_loss TEXT NOT NULL DEFAULT '',
    model_latency_ms INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_agent_started ON executions(agent_id, started_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, e Execution) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("execution id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (
    id, agent_id, cycle, action, success, error, summary, reasoning, confidence,
    mode, tx_hash, balance_before, balance_after, profit_loss, model_latency_ms,
    started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, e.ID, e.AgentID, int64(e.Cycle), e.Action, e.Success, e.Error, e.Summary, e.Reasoning, e.Confidence,
		e.Mode, e.TxHash, e.BalanceBefore, e.BalanceAfter, e.ProfitLoss, e.ModelLatency.Milliseconds(),
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// Recent returns up to n executions for agentID, newest first.
func (s *Store) Recent(ctx context.Context, agentID string, n int) ([]Execution, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, agent_id, cycle, action, success, error, summary, reasoning, confidence,
       mode, tx_hash, balance_before, balance_after, profit_loss, model_latency_ms,
       started_at, finished_at
FROM executions
WHERE agent_id = ?
ORDER BY started_at DESC, cycle DESC
LIMIT ?
`, agentID, n)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var (
			e                 Execution
			cycle, latencyMs  int64
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &cycle, &e.Action, &e.Success, &e.Error, &e.Summary, &e.Reasoning, &e.Confidence,
			&e.Mode, &e.TxHash, &e.BalanceBefore, &e.BalanceAfter, &e.ProfitLoss, &latencyMs, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Cycle = uint64(cycle)
		e.ModelLatency = time.Duration(latencyMs) * time.Millisecond
		e.StartedAt = time.UnixMilli(started)
		e.FinishedAt = time.UnixMilli(finished)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// Stats aggregates every execution recorded for agentID.
func (s *Store) Stats(ctx context.Context, agentID string) (Stats, error) {
	st := Stats{ByAction: map[string]int{}, ProfitLoss: new(big.Int)}
	rows, err := s.db.QueryContext(ctx, `
SELECT action, success, profit_loss, started_at
FROM executions
WHERE agent_id = ?
ORDER BY started_at ASC
`, agentID)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			action, pnl string
			success     bool
			started     int64
		)
		if err := rows.Scan(&action, &success, &pnl, &started); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		st.Total++
		if success {
			st.Succeeded++
		} else {
			st.Failed++
		}
		st.ByAction[action]++
		// SQLite has no 256-bit integers, so the sum happens here.
		if v, ok := new(big.Int).SetString(pnl, 10); ok {
			st.ProfitLoss.Add(st.ProfitLoss, v)
		}
		at := time.UnixMilli(started)
		if st.First.IsZero() {
			st.First = at
		}
		st.Last = at
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate stats: %w", err)
	}
	return st, nil
}

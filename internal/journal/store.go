package journal

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/El-Monte/multi-agentic-trading/internal/execution"
	"github.com/El-Monte/multi-agentic-trading/internal/portfolio"
	"github.com/El-Monte/multi-agentic-trading/internal/risk"
)

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	id TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	pair_id TEXT NOT NULL,
	side TEXT NOT NULL,
	closing INTEGER NOT NULL DEFAULT 0,
	qty_a REAL NOT NULL,
	qty_b REAL NOT NULL,
	price_a REAL NOT NULL,
	price_b REAL NOT NULL,
	fees REAL NOT NULL,
	slippage_bps REAL NOT NULL,
	ts TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS decisions (
	cycle INTEGER NOT NULL,
	pair_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	z REAL NOT NULL,
	state TEXT NOT NULL,
	confidence REAL NOT NULL,
	seq INTEGER NOT NULL,
	candidate_size REAL NOT NULL,
	outcome TEXT NOT NULL,
	verdict_id TEXT,
	reason TEXT,
	gross_exposure REAL,
	max_correlation REAL,
	ts TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_pair ON fills(pair_id);
CREATE INDEX IF NOT EXISTS idx_decisions_cycle ON decisions(cycle);
`

type writeOp struct {
	query string
	args  []any
}

// Store persists both logs to sqlite, buffering inserts and flushing them in
// one transaction per batch.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	buffer    []writeOp
	batchSize int
}

// OpenStore opens (creating if needed) the sqlite journal at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Store{db: db, batchSize: 32}, nil
}

// RecordFill buffers one fill row.
func (s *Store) RecordFill(f execution.Fill) error {
	return s.write(writeOp{
		query: `INSERT INTO fills (id, position_id, pair_id, side, closing, qty_a, qty_b, price_a, price_b, fees, slippage_bps, ts)
		        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{f.ID, f.PositionID, f.PairID, string(f.Side), boolToInt(f.Closing), f.QtyA, f.QtyB, f.PriceA, f.PriceB, f.Fees, f.SlippageBps, f.Ts},
	})
}

// RecordDecision buffers one decision row.
func (s *Store) RecordDecision(d portfolio.Decision) error {
	var verdictID, reason any
	var gross, maxCorr any
	if d.Verdict != nil {
		verdictID = d.Verdict.ID
		reason = string(d.Verdict.Reason)
		gross = d.Verdict.GrossExposure
		maxCorr = d.Verdict.MaxCorrelation
	}
	return s.write(writeOp{
		query: `INSERT INTO decisions (cycle, pair_id, kind, z, state, confidence, seq, candidate_size, outcome, verdict_id, reason, gross_exposure, max_correlation, ts)
		        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args: []any{d.Cycle, d.Signal.PairID, string(d.Signal.Kind), d.Signal.Z, string(d.Signal.State), d.Signal.Confidence,
			d.Signal.Seq, d.CandidateSize, d.Outcome, verdictID, reason, gross, maxCorr, d.Ts},
	})
}

func (s *Store) write(op writeOp) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, op)
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()
	if full {
		return s.Flush()
	}
	return nil
}

// Flush writes all buffered rows in one transaction.
func (s *Store) Flush() error {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	ops := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin journal batch: %w", err)
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.query, op.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("journal insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal batch: %w", err)
	}
	return nil
}

// FillCount reports persisted fills, flushing first.
func (s *Store) FillCount() (int, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM fills`).Scan(&n)
	return n, err
}

// Decisions returns the persisted decision rows for a cycle, flushing first.
func (s *Store) Decisions(cycle uint64) ([]portfolio.Decision, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT cycle, pair_id, kind, z, state, confidence, seq, candidate_size, outcome, reason, ts
		 FROM decisions WHERE cycle = ? ORDER BY seq, pair_id`, cycle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []portfolio.Decision
	for rows.Next() {
		var d portfolio.Decision
		var kind, state string
		var reason sql.NullString
		if err := rows.Scan(&d.Cycle, &d.Signal.PairID, &kind, &d.Signal.Z, &state, &d.Signal.Confidence,
			&d.Signal.Seq, &d.CandidateSize, &d.Outcome, &reason, &d.Ts); err != nil {
			return nil, err
		}
		d.Signal.Kind = signalKind(kind)
		d.Signal.State = signalState(state)
		if reason.Valid && reason.String != "" {
			d.Verdict = &risk.Verdict{Reason: risk.ReasonCode(reason.String)}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	flushErr := s.Flush()
	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

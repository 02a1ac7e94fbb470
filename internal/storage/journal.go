package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// JournalConfig selects the journal database.
type JournalConfig struct {
	Path     string
	InMemory bool
}

// RunRecord describes one dispatch across accounts.
type RunRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the run completed.
func (r RunRecord) Finished() bool { return !r.FinishedAt.IsZero() }

// ChunkRecord is one chunk's terminal outcome within a run.
type ChunkRecord struct {
	RunID        string                  `json:"run_id"`
	Account      string                  `json:"account"`
	ChunkIndex   int                     `json:"chunk_index"`
	Quantity     int                     `json:"quantity"`
	BuySymbol    string                  `json:"buy_symbol"`
	SellSymbol   string                  `json:"sell_symbol"`
	Outcome      models.ExecutionOutcome `json:"outcome"`
	UnwindFailed bool                    `json:"unwind_failed"`
	Error        string                  `json:"error,omitempty"`
	RecordedAt   time.Time               `json:"recorded_at"`
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	command     TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS chunks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	account       TEXT NOT NULL,
	chunk_index   INTEGER NOT NULL,
	quantity      INTEGER NOT NULL,
	buy_symbol    TEXT NOT NULL,
	sell_symbol   TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	unwind_failed BOOLEAN NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	recorded_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_run ON chunks(run_id, account, chunk_index);
`

// Journal records dispatch runs and chunk outcomes in SQLite.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the journal database and applies the schema.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
	} else {
		if dsn == "" {
			return nil, errors.New("storage: empty journal path")
		}
		if err := ensureDir(filepath.Dir(dsn)); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if cfg.InMemory {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}

	if !cfg.InMemory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("enabling WAL: %w", err)
		}
	}
	if _, err := conn.Exec(journalSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}
	return &Journal{db: conn}, nil
}

// StartRun inserts run. StartedAt defaults to now.
func (j *Journal) StartRun(ctx context.Context, run RunRecord) error {
	if run.ID == "" {
		return errors.New("storage: run id required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, command, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Kind, run.Command, run.StartedAt)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stamps the run's completion time.
func (j *Journal) FinishRun(ctx context.Context, id string, at time.Time) error {
	res, err := j.db.ExecContext(ctx, `UPDATE runs SET finished_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// RecordChunk appends a chunk outcome. RecordedAt defaults to now.
func (j *Journal) RecordChunk(ctx context.Context, rec ChunkRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO chunks (run_id, account, chunk_index, quantity, buy_symbol, sell_symbol,
			outcome, unwind_failed, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Account, rec.ChunkIndex, rec.Quantity, rec.BuySymbol, rec.SellSymbol,
		string(rec.Outcome), rec.UnwindFailed, rec.Error, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("recording chunk %d of run %s: %w", rec.ChunkIndex, rec.RunID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, command, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Command, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunChunks returns a run's chunk outcomes ordered by account and chunk.
func (j *Journal) RunChunks(ctx context.Context, runID string) ([]ChunkRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, account, chunk_index, quantity, buy_symbol, sell_symbol,
			outcome, unwind_failed, error, recorded_at
		FROM chunks WHERE run_id = ? ORDER BY account, chunk_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []ChunkRecord
	for rows.Next() {
		var (
			c       ChunkRecord
			outcome string
		)
		if err := rows.Scan(&c.RunID, &c.Account, &c.ChunkIndex, &c.Quantity, &c.BuySymbol,
			&c.SellSymbol, &outcome, &c.UnwindFailed, &c.Error, &c.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Outcome = models.ExecutionOutcome(outcome)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Package ledger records which incoming batches were loaded, so a replayed
// stream skips batches that already committed.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/cdcload/internal/logging"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT,
	started_at   TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS incoming_batches (
	node_id     TEXT NOT NULL,
	batch_id    TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	status      TEXT NOT NULL,
	statements  INTEGER NOT NULL DEFAULT 0,
	row_count   INTEGER NOT NULL DEFAULT 0,
	bytes       INTEGER NOT NULL DEFAULT 0,
	failed_line INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	PRIMARY KEY (node_id, batch_id)
);

CREATE INDEX IF NOT EXISTS idx_incoming_batches_run ON incoming_batches(run_id);
`

// Ledger is the SQLite-backed Backend.
type Ledger struct {
	db *sql.DB
}

// DefaultPath returns ~/.cdcload/ledger.db, or a relative path when the
// home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cdcload", "ledger.db")
	}
	return filepath.Join(home, ".cdcload", "ledger.db")
}

// Open opens (creating if needed) the ledger database at path.
// ":memory:" gives a private in-memory ledger.
func Open(path string) (*Ledger, error) {
	if path == "" {
		path = DefaultPath()
	}
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	logging.Debug("Opened batch ledger at %s", path)
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// StartRun records a new run and returns its id.
func (l *Ledger) StartRun(source string) (string, error) {
	id := uuid.New().String()[:8]
	_, err := l.db.Exec(`INSERT INTO runs (id, source, status, started_at) VALUES (?, ?, ?, ?)`,
		id, source, RunRunning, now())
	if err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}
	return id, nil
}

// CompleteRun marks a run finished.
func (l *Ledger) CompleteRun(id, status, errorMsg string) error {
	_, err := l.db.Exec(`UPDATE runs SET status = ?, error = NULLIF(?, ''), completed_at = ? WHERE id = ?`,
		status, errorMsg, now(), id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	return nil
}

// GetRun returns a run by id, or nil when it does not exist.
func (l *Ledger) GetRun(id string) (*Run, error) {
	row := l.db.QueryRow(`SELECT id, source, status, error, started_at, completed_at FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetRuns returns the most recent runs, newest first.
func (l *Ledger) GetRuns(limit int) ([]Run, error) {
	rows, err := l.db.Query(`SELECT id, source, status, error, started_at, completed_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var errMsg, completed sql.NullString
	var started string
	if err := s.Scan(&r.ID, &r.Source, &r.Status, &errMsg, &started, &completed); err != nil {
		return nil, err
	}
	r.Error = errMsg.String
	r.StartedAt = parseTime(started)
	r.CompletedAt = parseNullTime(completed)
	return &r, nil
}

// IsLoaded reports whether the batch already committed in an earlier run.
func (l *Ledger) IsLoaded(nodeID, batchID string) (bool, error) {
	var status string
	err := l.db.QueryRow(`SELECT status FROM incoming_batches WHERE node_id = ? AND batch_id = ?`,
		nodeID, batchID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading batch %s/%s: %w", nodeID, batchID, err)
	}
	return status == StatusOK, nil
}

// BeginBatch records that a batch is being loaded, replacing the outcome
// of an earlier failed attempt.
func (l *Ledger) BeginBatch(runID, nodeID, batchID string) error {
	return l.upsert(runID, nodeID, batchID, StatusLoading)
}

// SkipBatch records that a batch was seen but not loaded. An earlier OK
// outcome is kept.
func (l *Ledger) SkipBatch(runID, nodeID, batchID string) error {
	_, err := l.db.Exec(`
		INSERT INTO incoming_batches (node_id, batch_id, run_id, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, batch_id) DO NOTHING`,
		nodeID, batchID, runID, StatusSkipped, now(), now())
	if err != nil {
		return fmt.Errorf("recording skipped batch %s/%s: %w", nodeID, batchID, err)
	}
	return nil
}

func (l *Ledger) upsert(runID, nodeID, batchID, status string) error {
	_, err := l.db.Exec(`
		INSERT INTO incoming_batches (node_id, batch_id, run_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (node_id, batch_id) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			statements = 0, row_count = 0, bytes = 0, failed_line = 0,
			error = NULL,
			started_at = excluded.started_at,
			finished_at = NULL`,
		nodeID, batchID, runID, status, now())
	if err != nil {
		return fmt.Errorf("recording batch %s/%s: %w", nodeID, batchID, err)
	}
	return nil
}

// FinishBatch marks a batch OK with its counters.
func (l *Ledger) FinishBatch(nodeID, batchID string, stats BatchStats) error {
	_, err := l.db.Exec(`UPDATE incoming_batches
		SET status = ?, statements = ?, row_count = ?, bytes = ?, finished_at = ?
		WHERE node_id = ? AND batch_id = ?`,
		StatusOK, stats.Statements, stats.Rows, stats.Bytes, now(), nodeID, batchID)
	if err != nil {
		return fmt.Errorf("completing batch %s/%s: %w", nodeID, batchID, err)
	}
	return nil
}

// FailBatch marks a batch ER with the failing line and message.
func (l *Ledger) FailBatch(nodeID, batchID string, line int, errMsg string) error {
	_, err := l.db.Exec(`UPDATE incoming_batches
		SET status = ?, failed_line = ?, error = ?, finished_at = ?
		WHERE node_id = ? AND batch_id = ?`,
		StatusError, line, errMsg, now(), nodeID, batchID)
	if err != nil {
		return fmt.Errorf("failing batch %s/%s: %w", nodeID, batchID, err)
	}
	return nil
}

const batchColumns = `node_id, batch_id, run_id, status, statements, row_count, bytes, failed_line, error, started_at, finished_at`

// GetBatch returns one batch record, or nil when it was never seen.
func (l *Ledger) GetBatch(nodeID, batchID string) (*Batch, error) {
	row := l.db.QueryRow(`SELECT `+batchColumns+` FROM incoming_batches WHERE node_id = ? AND batch_id = ?`,
		nodeID, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// GetBatches returns the most recently started batches, newest first.
func (l *Ledger) GetBatches(limit int) ([]Batch, error) {
	rows, err := l.db.Query(`SELECT `+batchColumns+` FROM incoming_batches
		ORDER BY started_at DESC, node_id, batch_id LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBatch(s scanner) (*Batch, error) {
	var b Batch
	var errMsg, finished sql.NullString
	var started string
	if err := s.Scan(&b.NodeID, &b.BatchID, &b.RunID, &b.Status, &b.Statements, &b.Rows, &b.Bytes,
		&b.FailedLine, &errMsg, &started, &finished); err != nil {
		return nil, err
	}
	b.Error = errMsg.String
	b.StartedAt = parseTime(started)
	b.FinishedAt = parseNullTime(finished)
	return &b, nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

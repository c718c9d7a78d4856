// Package ledger records the outcome of every apply in a sqlite database.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS applies (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id         TEXT NOT NULL UNIQUE,
    source         TEXT NOT NULL,
    source_kind    TEXT NOT NULL,
    family         TEXT,
    engine         TEXT,
    patch_id       TEXT,
    input_sha256   TEXT NOT NULL,
    output_sha256  TEXT,
    ops_applied    INTEGER NOT NULL,
    success        INTEGER NOT NULL,
    failure_kind   TEXT,
    duration_ms    INTEGER NOT NULL,
    created_at_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_applies_created ON applies(created_at_ns);
CREATE INDEX IF NOT EXISTS idx_applies_input ON applies(input_sha256);
`

// ErrNotFound is returned when a job has no ledger row.
var ErrNotFound = errors.New("ledger: not found")

// Entry is one apply outcome.
type Entry struct {
	ID           int64         `json:"id"`
	JobID        string        `json:"jobId"`
	Source       string        `json:"source"`
	SourceKind   string        `json:"sourceKind"`
	Family       string        `json:"family,omitempty"`
	Engine       string        `json:"engine,omitempty"`
	PatchID      string        `json:"patchId,omitempty"`
	InputSHA256  string        `json:"inputSha256"`
	OutputSHA256 string        `json:"outputSha256,omitempty"`
	OpsApplied   int           `json:"opsApplied"`
	Success      bool          `json:"success"`
	FailureKind  string        `json:"failureKind,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Stats aggregates the ledger.
type Stats struct {
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	Failures  map[string]int `json:"failures"`
}

// Ledger is the sqlite-backed outcome log.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" keeps it in memory
// for the life of the Ledger.
func Open(path string) (*Ledger, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record inserts e and returns its row ID. CreatedAt defaults to now.
func (l *Ledger) Record(ctx context.Context, e *Entry) (int64, error) {
	if l == nil {
		return 0, errors.New("nil ledger")
	}
	if e.JobID == "" {
		return 0, errors.New("ledger entry missing job id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO applies (job_id, source, source_kind, family, engine, patch_id, input_sha256, output_sha256,
			ops_applied, success, failure_kind, duration_ms, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Source, e.SourceKind, e.Family, e.Engine, e.PatchID, e.InputSHA256, e.OutputSHA256,
		e.OpsApplied, e.Success, e.FailureKind, e.Duration.Milliseconds(), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert apply: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	e.ID = id
	return id, nil
}

const selectColumns = `SELECT id, job_id, source, source_kind, family, engine, patch_id, input_sha256, output_sha256,
	ops_applied, success, failure_kind, duration_ms, created_at_ns FROM applies`

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l == nil {
		return nil, errors.New("nil ledger")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, selectColumns+` ORDER BY created_at_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query applies: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ByInput returns the entries for an input image hash, oldest first.
func (l *Ledger) ByInput(ctx context.Context, sha string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, selectColumns+` WHERE input_sha256 = ? ORDER BY created_at_ns`, sha)
	if err != nil {
		return nil, fmt.Errorf("query applies: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Job returns the entry recorded for jobID.
func (l *Ledger) Job(ctx context.Context, jobID string) (Entry, error) {
	if l == nil {
		return Entry{}, errors.New("nil ledger")
	}
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE job_id = ?`, jobID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Stats counts outcomes by failure kind.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Failures: map[string]int{}}
	if l == nil {
		return st, errors.New("nil ledger")
	}
	rows, err := l.db.QueryContext(ctx, `SELECT success, COALESCE(failure_kind, ''), COUNT(*) FROM applies GROUP BY success, failure_kind`)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ok   bool
			kind string
			n    int
		)
		if err := rows.Scan(&ok, &kind, &n); err != nil {
			return st, err
		}
		st.Total += n
		if ok {
			st.Succeeded += n
			continue
		}
		st.Failures[kind] += n
	}
	return st, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                                     Entry
		family, engine, patchID, out, failure sql.NullString
		durMs, createdNs                      int64
	)
	err := s.Scan(&e.ID, &e.JobID, &e.Source, &e.SourceKind, &family, &engine, &patchID, &e.InputSHA256, &out,
		&e.OpsApplied, &e.Success, &failure, &durMs, &createdNs)
	if err != nil {
		return e, err
	}
	e.Family, e.Engine, e.PatchID = family.String, engine.String, patchID.String
	e.OutputSHA256, e.FailureKind = out.String, failure.String
	e.Duration = time.Duration(durMs) * time.Millisecond
	e.CreatedAt = time.Unix(0, createdNs).UTC()
	return e, nil
}

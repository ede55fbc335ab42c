// Package history keeps a persistent journal of supervised process
// lifecycle events in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/proxypal/proxypal/internal/status"
	"github.com/proxypal/proxypal/internal/supervisor"
)

const (
	defaultBusyTimeout = 5 * time.Second
	// DefaultRetention is how many events Prune keeps.
	DefaultRetention = 5000
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS process_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		type TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		port INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_process_events_kind_id ON process_events(kind, id)`,
}

// Options describes parameters for opening the journal.
type Options struct {
	DBPath    string // SQLite file; required
	Retention int    // events kept by Prune (defaults to DefaultRetention)
}

// Journal is a supervisor.Journal backed by SQLite.
type Journal struct {
	db        *sql.DB
	path      string
	retention int
}

// Open creates or opens the journal database.
func Open(opts Options) (*Journal, error) {
	if strings.TrimSpace(opts.DBPath) == "" {
		return nil, fmt.Errorf("history: database path is empty")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("history: ensure directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, path: opts.DBPath, retention: opts.Retention}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("history: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin schema transaction: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("history: apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit schema transaction: %w", err)
	}
	return nil
}

// Close finalises the underlying database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Path returns the filesystem path of the backing database.
func (j *Journal) Path() string {
	return j.path
}

// Record implements supervisor.Journal. Failures are logged, never returned.
func (j *Journal) Record(ev supervisor.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.Append(ctx, ev); err != nil {
		log.Printf("[History] WARNING: record %s %s: %v", ev.Kind, ev.Type, err)
	}
}

// Append stores ev.
func (j *Journal) Append(ctx context.Context, ev supervisor.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO process_events (kind, type, pid, port, reason, at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), string(ev.Type), ev.PID, ev.Port, ev.Reason, ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty kind matches
// every kind.
func (j *Journal) Recent(ctx context.Context, kind status.Kind, limit int) ([]supervisor.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT kind, type, pid, port, reason, at FROM process_events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query events: %w", err)
	}
	defer rows.Close()

	events := []supervisor.Event{}
	for rows.Next() {
		var (
			ev        supervisor.Event
			kindValue string
			typeValue string
			atValue   string
		)
		if err := rows.Scan(&kindValue, &typeValue, &ev.PID, &ev.Port, &ev.Reason, &atValue); err != nil {
			return nil, fmt.Errorf("history: scan event: %w", err)
		}
		ev.Kind = status.Kind(kindValue)
		ev.Type = supervisor.EventType(typeValue)
		if at, err := time.Parse(time.RFC3339Nano, atValue); err == nil {
			ev.At = at
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate events: %w", err)
	}
	return events, nil
}

// Prune deletes all but the newest retention events and returns how many
// rows were removed.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM process_events WHERE id NOT IN (SELECT id FROM process_events ORDER BY id DESC LIMIT ?)`,
		j.retention,
	)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

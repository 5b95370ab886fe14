// Package store provides sqlite persistence for identity mappings and
// run history.
//
// The database runs embedded with WAL mode. Two tables:
//   - mappings: one row per source entity, keyed by source_id. The
//     single source of truth for cross-system identity.
//   - runs: append-only history of reconciliation run summaries.
//
// Each upsert is atomic for its own key; no transactional guarantee is
// made across upserts. The design assumes at most one reconciliation
// run is active at a time (enforced by the caller's scheduler), so no
// locking beyond sqlite's own is implemented here.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskmirror/taskmirror/internal/schema"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite connection holding mappings and run history.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The parent directory is created if needed. If the database doesn't
// exist it is created; call InitSchema before first use. The caller
// MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".taskmirror/taskmirror.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return st, nil
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the mappings and runs tables if they don't exist.
// Idempotent; safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS mappings (
		source_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		sink_id TEXT NOT NULL,
		sink_url TEXT NOT NULL DEFAULT '',
		last_synced_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_sink ON mappings(sink_id);
	CREATE INDEX IF NOT EXISTS idx_mappings_kind ON mappings(kind);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		projects_checked INTEGER NOT NULL DEFAULT 0,
		projects_created INTEGER NOT NULL DEFAULT 0,
		projects_updated INTEGER NOT NULL DEFAULT 0,
		projects_skipped INTEGER NOT NULL DEFAULT 0,
		tasks_checked INTEGER NOT NULL DEFAULT 0,
		tasks_created INTEGER NOT NULL DEFAULT 0,
		tasks_updated INTEGER NOT NULL DEFAULT 0,
		tasks_skipped INTEGER NOT NULL DEFAULT 0,
		errors TEXT NOT NULL DEFAULT '[]',
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// UpsertMapping inserts or overwrites the mapping for its source_id.
// Idempotent: re-upserting the same mapping is a no-op.
func (s *Store) UpsertMapping(m *schema.Mapping) error {
	return s.UpsertMappingContext(context.Background(), m)
}

// UpsertMappingContext inserts or overwrites a mapping with context support.
func (s *Store) UpsertMappingContext(ctx context.Context, m *schema.Mapping) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mapping: %w", err)
	}

	query := `
	INSERT INTO mappings (source_id, kind, sink_id, sink_url, last_synced_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(source_id) DO UPDATE SET
		kind = excluded.kind,
		sink_id = excluded.sink_id,
		sink_url = excluded.sink_url,
		last_synced_at = excluded.last_synced_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		m.SourceID,
		string(m.Kind),
		m.SinkID,
		m.SinkURL,
		m.LastSyncedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping %s: %w", m.SourceID, err)
	}
	return nil
}

// LookupBySource returns the mapping for a source identifier.
// Returns ErrNotFound if no mapping exists.
func (s *Store) LookupBySource(sourceID string) (*schema.Mapping, error) {
	return s.LookupBySourceContext(context.Background(), sourceID)
}

// LookupBySourceContext looks up by source identifier with context support.
func (s *Store) LookupBySourceContext(ctx context.Context, sourceID string) (*schema.Mapping, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT source_id, kind, sink_id, sink_url, last_synced_at FROM mappings WHERE source_id = ?`,
		sourceID)
	return scanMapping(row)
}

// LookupBySink returns the mapping for a sink identifier. Used when a
// source-originated entity carries no mapping but an ID-tagged sink
// record exists. Returns ErrNotFound if no mapping exists.
func (s *Store) LookupBySink(sinkID string) (*schema.Mapping, error) {
	return s.LookupBySinkContext(context.Background(), sinkID)
}

// LookupBySinkContext looks up by sink identifier with context support.
func (s *Store) LookupBySinkContext(ctx context.Context, sinkID string) (*schema.Mapping, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT source_id, kind, sink_id, sink_url, last_synced_at FROM mappings WHERE sink_id = ?`,
		sinkID)
	return scanMapping(row)
}

// ScanMappings returns all mappings of the given kind, or every mapping
// when kind is empty. Drives completion-status reconciliation without
// re-querying both full systems.
func (s *Store) ScanMappings(kind schema.EntityKind) ([]*schema.Mapping, error) {
	return s.ScanMappingsContext(context.Background(), kind)
}

// ScanMappingsContext scans mappings with context support.
func (s *Store) ScanMappingsContext(ctx context.Context, kind schema.EntityKind) ([]*schema.Mapping, error) {
	query := `SELECT source_id, kind, sink_id, sink_url, last_synced_at FROM mappings`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY source_id ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*schema.Mapping
	for rows.Next() {
		m, err := scanMappingRow(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}
	return mappings, nil
}

// CountMappings returns the number of mapping rows.
func (s *Store) CountMappings(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM mappings").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return count, nil
}

// RecordRun appends one run summary to the history. The summary's ID is
// assigned here. History failures must not mask reconciliation results,
// so callers log and continue on error.
func (s *Store) RecordRun(summary *schema.RunSummary) error {
	return s.RecordRunContext(context.Background(), summary)
}

// RecordRunContext appends a run summary with context support.
func (s *Store) RecordRunContext(ctx context.Context, summary *schema.RunSummary) error {
	summary.SetDefaults()
	if summary.ID == "" {
		summary.ID = newRunID()
	}

	errsJSON, err := json.Marshal(summary.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	query := `
	INSERT INTO runs (
		id, timestamp,
		projects_checked, projects_created, projects_updated, projects_skipped,
		tasks_checked, tasks_created, tasks_updated, tasks_skipped,
		errors, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		summary.ID,
		summary.Timestamp.UTC().Format(time.RFC3339Nano),
		summary.Projects.Checked, summary.Projects.Created, summary.Projects.Updated, summary.Projects.Skipped,
		summary.Tasks.Checked, summary.Tasks.Created, summary.Tasks.Updated, summary.Tasks.Skipped,
		string(errsJSON),
		summary.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", summary.ID, err)
	}
	return nil
}

// RecentRuns returns the n most recent run summaries, newest first.
func (s *Store) RecentRuns(n int) ([]*schema.RunSummary, error) {
	return s.RecentRunsContext(context.Background(), n)
}

// RecentRunsContext returns recent runs with context support.
func (s *Store) RecentRunsContext(ctx context.Context, n int) ([]*schema.RunSummary, error) {
	if n <= 0 {
		n = 10
	}

	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, timestamp,
	       projects_checked, projects_created, projects_updated, projects_skipped,
	       tasks_checked, tasks_created, tasks_updated, tasks_skipped,
	       errors, duration_ms
	FROM runs
	ORDER BY timestamp DESC
	LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*schema.RunSummary
	for rows.Next() {
		var r schema.RunSummary
		var ts, errsJSON string
		var durationMS int64

		err := rows.Scan(
			&r.ID, &ts,
			&r.Projects.Checked, &r.Projects.Created, &r.Projects.Updated, &r.Projects.Skipped,
			&r.Tasks.Checked, &r.Tasks.Created, &r.Tasks.Updated, &r.Tasks.Skipped,
			&errsJSON, &durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			r.Timestamp = t
		}
		if err := json.Unmarshal([]byte(errsJSON), &r.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run errors: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond

		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// CountRuns returns the number of recorded runs.
func (s *Store) CountRuns(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

func scanMapping(row *sql.Row) (*schema.Mapping, error) {
	var m schema.Mapping
	var kind, lastSynced string

	err := row.Scan(&m.SourceID, &kind, &m.SinkID, &m.SinkURL, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	m.Kind = schema.EntityKind(kind)
	if t, err := time.Parse(time.RFC3339, lastSynced); err == nil {
		m.LastSyncedAt = t
	}
	return &m, nil
}

func scanMappingRow(rows *sql.Rows) (*schema.Mapping, error) {
	var m schema.Mapping
	var kind, lastSynced string

	if err := rows.Scan(&m.SourceID, &kind, &m.SinkID, &m.SinkURL, &lastSynced); err != nil {
		return nil, fmt.Errorf("failed to scan mapping: %w", err)
	}

	m.Kind = schema.EntityKind(kind)
	if t, err := time.Parse(time.RFC3339, lastSynced); err == nil {
		m.LastSyncedAt = t
	}
	return &m, nil
}

// newRunID returns an opaque record identifier for a history row.
func newRunID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return "run-" + hex.EncodeToString(buf)
}

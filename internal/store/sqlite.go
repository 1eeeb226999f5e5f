// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists cache partitions, the outbox queue and local record collections

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS partitions (
			partition   TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			status      INTEGER NOT NULL,
			headers     TEXT NOT NULL,
			body        BLOB NOT NULL,
			captured_at DATETIME NOT NULL,
			PRIMARY KEY (partition, fingerprint)
		);

		CREATE INDEX IF NOT EXISTS idx_partitions_partition
			ON partitions(partition);

		CREATE TABLE IF NOT EXISTS outbox (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			method        TEXT NOT NULL,
			url           TEXT NOT NULL,
			headers       TEXT NOT NULL,
			body          BLOB NOT NULL,
			enqueued_at   DATETIME NOT NULL,
			attempts      INTEGER NOT NULL DEFAULT 0,
			poisoned      INTEGER NOT NULL DEFAULT 0,
			poison_reason TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_outbox_poisoned
			ON outbox(poisoned, id);

		CREATE TABLE IF NOT EXISTS mood_data (
			date        TEXT PRIMARY KEY,
			value       INTEGER NOT NULL,
			note        TEXT NOT NULL DEFAULT '',
			recorded_at DATETIME NOT NULL,
			synced      INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS session_progress (
			session_id      TEXT PRIMARY KEY,
			completed_steps INTEGER NOT NULL,
			total_steps     INTEGER NOT NULL,
			updated_at      DATETIME NOT NULL,
			synced          INTEGER NOT NULL DEFAULT 0
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeHeader serializes an http.Header to JSON for storage.
func encodeHeader(h http.Header) (string, error) {
	if h == nil {
		h = http.Header{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encoding headers: %w", err)
	}
	return string(data), nil
}

// decodeHeader deserializes a stored JSON header blob.
func decodeHeader(raw string) (http.Header, error) {
	var h http.Header
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}
	return h, nil
}

// GetSnapshot returns the stored snapshot for a fingerprint, or ErrNotFound.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, partition, fingerprint string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT status, headers, body, captured_at FROM partitions
		 WHERE partition = ? AND fingerprint = ?`,
		partition, fingerprint)

	var snap Snapshot
	var headers string
	if err := row.Scan(&snap.Status, &headers, &snap.Body, &snap.CapturedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	h, err := decodeHeader(headers)
	if err != nil {
		return nil, err
	}
	snap.Header = h
	return &snap, nil
}

// PutSnapshot stores a snapshot for a fingerprint, overwriting any prior
// value. The partition is created implicitly on first write.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, partition, fingerprint string, snap *Snapshot) error {
	headers, err := encodeHeader(snap.Header)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO partitions (partition, fingerprint, status, headers, body, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (partition, fingerprint) DO UPDATE SET
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			captured_at = excluded.captured_at`,
		partition, fingerprint, snap.Status, headers, snap.Body, snap.CapturedAt.UTC())
	if err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}
	return nil
}

// ListPartitions returns the names of all partitions holding at least one entry.
func (s *SQLiteStore) ListPartitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT partition FROM partitions ORDER BY partition`)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning partition name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PartitionCounts returns the number of stored snapshots per partition.
func (s *SQLiteStore) PartitionCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition, COUNT(*) FROM partitions GROUP BY partition`)
	if err != nil {
		return nil, fmt.Errorf("counting partitions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("scanning partition count: %w", err)
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

// DeletePartitionsExcept removes every partition not named in keep and
// returns the names that were deleted. This is the version GC primitive.
func (s *SQLiteStore) DeletePartitionsExcept(ctx context.Context, keep []string) ([]string, error) {
	existing, err := s.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name] = true
	}

	var deleted []string
	for _, name := range existing {
		if keepSet[name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM partitions WHERE partition = ?`, name); err != nil {
			return deleted, fmt.Errorf("deleting partition %q: %w", name, err)
		}
		deleted = append(deleted, name)
	}

	if len(deleted) > 0 {
		s.logger.Info("deleted stale partitions", "partitions", strings.Join(deleted, ","))
	}
	return deleted, nil
}

// ClearPartitions removes every snapshot from every partition.
func (s *SQLiteStore) ClearPartitions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM partitions`); err != nil {
		return fmt.Errorf("clearing partitions: %w", err)
	}
	return nil
}

// Enqueue appends a write request to the outbox and returns its assigned id.
func (s *SQLiteStore) Enqueue(ctx context.Context, entry *OutboxEntry) (int64, error) {
	headers, err := encodeHeader(entry.Header)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (method, url, headers, body, enqueued_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Method, entry.URL, headers, entry.Body, entry.EnqueuedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("enqueueing outbox entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading outbox entry id: %w", err)
	}
	entry.ID = id
	return id, nil
}

func (s *SQLiteStore) listOutbox(ctx context.Context, poisoned bool) ([]*OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, method, url, headers, body, enqueued_at, attempts, poisoned, poison_reason
		 FROM outbox WHERE poisoned = ? ORDER BY id`, poisoned)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var headers string
		if err := rows.Scan(&e.ID, &e.Method, &e.URL, &headers, &e.Body,
			&e.EnqueuedAt, &e.Attempts, &e.Poisoned, &e.PoisonReason); err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}
		h, err := decodeHeader(headers)
		if err != nil {
			return nil, err
		}
		e.Header = h
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ListPending returns unpoisoned outbox entries in enqueue order.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*OutboxEntry, error) {
	return s.listOutbox(ctx, false)
}

// ListPoisoned returns entries excluded from replay, oldest first.
func (s *SQLiteStore) ListPoisoned(ctx context.Context) ([]*OutboxEntry, error) {
	return s.listOutbox(ctx, true)
}

// RemoveEntry deletes an outbox entry after a successful replay.
func (s *SQLiteStore) RemoveEntry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAttempt increments the replay attempt counter for an entry.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("recording replay attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPoisoned flags an entry as permanently rejected. Poisoned entries are
// kept for inspection but never replayed again until purged.
func (s *SQLiteStore) MarkPoisoned(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET poisoned = 1, poison_reason = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("poisoning outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OutboxDepth returns the number of entries still eligible for replay.
func (s *SQLiteStore) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE poisoned = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting outbox: %w", err)
	}
	return n, nil
}

// ClearOutbox deletes all outbox entries, poisoned ones included.
func (s *SQLiteStore) ClearOutbox(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("clearing outbox: %w", err)
	}
	return nil
}

// PutMood stores a mood record, overwriting any entry for the same date.
// A rewritten record is considered unsynced again.
func (s *SQLiteStore) PutMood(ctx context.Context, rec *MoodRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mood_data (date, value, note, recorded_at, synced)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT (date) DO UPDATE SET
			value = excluded.value,
			note = excluded.note,
			recorded_at = excluded.recorded_at,
			synced = 0`,
		rec.Date, rec.Value, rec.Note, rec.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("storing mood record: %w", err)
	}
	return nil
}

// MoodForDate returns the mood record for a calendar date, or ErrNotFound.
func (s *SQLiteStore) MoodForDate(ctx context.Context, date string) (*MoodRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT date, value, note, recorded_at, synced FROM mood_data WHERE date = ?`, date)

	var rec MoodRecord
	if err := row.Scan(&rec.Date, &rec.Value, &rec.Note, &rec.RecordedAt, &rec.Synced); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying mood record: %w", err)
	}
	return &rec, nil
}

// ListMoodSince returns mood records dated on or after since, oldest first.
// Date strings sort lexicographically because they are YYYY-MM-DD.
func (s *SQLiteStore) ListMoodSince(ctx context.Context, since string) ([]*MoodRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, value, note, recorded_at, synced FROM mood_data
		 WHERE date >= ? ORDER BY date`, since)
	if err != nil {
		return nil, fmt.Errorf("listing mood records: %w", err)
	}
	defer rows.Close()
	return scanMoodRows(rows)
}

// ListUnsyncedMood returns mood records not yet delivered by a batch sync.
func (s *SQLiteStore) ListUnsyncedMood(ctx context.Context) ([]*MoodRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, value, note, recorded_at, synced FROM mood_data
		 WHERE synced = 0 ORDER BY date`)
	if err != nil {
		return nil, fmt.Errorf("listing unsynced mood records: %w", err)
	}
	defer rows.Close()
	return scanMoodRows(rows)
}

func scanMoodRows(rows *sql.Rows) ([]*MoodRecord, error) {
	var recs []*MoodRecord
	for rows.Next() {
		var rec MoodRecord
		if err := rows.Scan(&rec.Date, &rec.Value, &rec.Note, &rec.RecordedAt, &rec.Synced); err != nil {
			return nil, fmt.Errorf("scanning mood record: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// MarkMoodSynced flags the given dates as delivered.
func (s *SQLiteStore) MarkMoodSynced(ctx context.Context, dates []string) error {
	for _, date := range dates {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE mood_data SET synced = 1 WHERE date = ?`, date); err != nil {
			return fmt.Errorf("marking mood synced for %s: %w", date, err)
		}
	}
	return nil
}

// PutProgress stores a session progress record, overwriting any entry for
// the same session. A rewritten record is considered unsynced again.
func (s *SQLiteStore) PutProgress(ctx context.Context, rec *ProgressRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_progress (session_id, completed_steps, total_steps, updated_at, synced)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT (session_id) DO UPDATE SET
			completed_steps = excluded.completed_steps,
			total_steps = excluded.total_steps,
			updated_at = excluded.updated_at,
			synced = 0`,
		rec.SessionID, rec.CompletedSteps, rec.TotalSteps, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storing progress record: %w", err)
	}
	return nil
}

// ListUnsyncedProgress returns progress records not yet delivered by a batch sync.
func (s *SQLiteStore) ListUnsyncedProgress(ctx context.Context) ([]*ProgressRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, completed_steps, total_steps, updated_at, synced
		 FROM session_progress WHERE synced = 0 ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("listing unsynced progress records: %w", err)
	}
	defer rows.Close()

	var recs []*ProgressRecord
	for rows.Next() {
		var rec ProgressRecord
		if err := rows.Scan(&rec.SessionID, &rec.CompletedSteps, &rec.TotalSteps,
			&rec.UpdatedAt, &rec.Synced); err != nil {
			return nil, fmt.Errorf("scanning progress record: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// MarkProgressSynced flags the given sessions as delivered.
func (s *SQLiteStore) MarkProgressSynced(ctx context.Context, sessionIDs []string) error {
	for _, id := range sessionIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE session_progress SET synced = 1 WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("marking progress synced for %s: %w", id, err)
		}
	}
	return nil
}

// ClearRecords deletes all mood and session progress records.
func (s *SQLiteStore) ClearRecords(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mood_data`); err != nil {
		return fmt.Errorf("clearing mood records: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_progress`); err != nil {
		return fmt.Errorf("clearing progress records: %w", err)
	}
	return nil
}

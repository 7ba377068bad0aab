package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/statesync/internal/patch"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (entities + patch_log)
const currentSchemaVersion = 1

// emitBackoffBase is the first CAS retry delay; each retry doubles it and
// adds jitter so concurrent writers don't collide in lockstep.
const emitBackoffBase = 10 * time.Millisecond

// SQLite is the durable Adapter implementation. Writers use a true
// compare-and-swap (UPDATE ... WHERE version = ?) inside a transaction, so
// a concurrent winner is detected atomically rather than by re-reading
// after the write.
type SQLite struct {
	db  *sql.DB
	cfg Config
	now func() time.Time

	// beforeCAS, when set, runs between the read and the guarded write of
	// each emit attempt. Tests use it to interleave a competing writer.
	beforeCAS func()
}

var _ Adapter = (*SQLite)(nil)

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithSQLiteNow replaces the wall clock used for log timestamps and age
// trimming. Tests use this to drive eviction deterministically.
func WithSQLiteNow(now func() time.Time) SQLiteOption {
	return func(s *SQLite) {
		s.now = now
	}
}

// Open creates or opens a SQLite-backed store at the given path.
// Applies required pragmas and migrations automatically; safe to call
// multiple times on the same path.
func Open(path string, cfg Config, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY churn inside this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLite{
		db:  db,
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and stamps the schema
// version. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	// No incremental migrations yet; version 0 databases are fresh.
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Emit implements Adapter. On CAS conflict it retries with jittered
// exponential backoff up to MaxRetries; exhausting the budget is not fatal
// and returns the winner's version with Conflicted set.
func (s *SQLite) Emit(ctx context.Context, entity, id string, newData patch.Snapshot) (EmitResult, error) {
	dataJSON, err := patch.MarshalCanonical(newData)
	if err != nil {
		return EmitResult{}, fmt.Errorf("emit state: %w", err)
	}

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithJitter(ctx, attempt); err != nil {
				return EmitResult{}, err
			}
		}
		result, conflict, err := s.tryEmit(ctx, entity, id, newData, string(dataJSON))
		if err != nil {
			return EmitResult{}, err
		}
		if !conflict {
			return result, nil
		}
	}

	// Retries exhausted: report the concurrent winner's version so the
	// caller can degrade affected subscribers to snapshot delivery.
	winner, err := s.GetVersion(ctx, entity, id)
	if err != nil {
		return EmitResult{}, fmt.Errorf("emit state: read winner version: %w", err)
	}
	return EmitResult{Version: winner, Changed: true, Conflicted: true}, nil
}

// tryEmit performs one CAS attempt. conflict=true means a concurrent writer
// won this round and the caller should back off and retry.
func (s *SQLite) tryEmit(ctx context.Context, entity, id string, newData patch.Snapshot, dataJSON string) (EmitResult, bool, error) {
	nowMS := s.now().UnixMilli()

	var currentJSON string
	var currentVersion uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT data, version FROM entities
		WHERE entity = ? AND entity_id = ?
	`, entity, id).Scan(&currentJSON, &currentVersion)

	if errors.Is(err, sql.ErrNoRows) {
		// First observation: claim version 1. A concurrent creator makes
		// the insert a no-op, which counts as losing the CAS.
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO entities (entity, entity_id, data, version, updated_at_ms)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(entity, entity_id) DO NOTHING
		`, entity, id, dataJSON, nowMS)
		if err != nil {
			return EmitResult{}, false, fmt.Errorf("emit state: insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return EmitResult{}, false, fmt.Errorf("emit state: rows affected: %w", err)
		}
		if n == 0 {
			return EmitResult{}, true, nil
		}
		return EmitResult{Version: 1, Changed: true}, false, nil
	}
	if err != nil {
		return EmitResult{}, false, fmt.Errorf("emit state: read current: %w", err)
	}

	var current patch.Snapshot
	if err := json.Unmarshal([]byte(currentJSON), &current); err != nil {
		return EmitResult{}, false, fmt.Errorf("emit state: decode current: %w", err)
	}

	// Write suppression: field-wise identical data keeps the version and
	// writes no log entry.
	if current.Equal(newData) {
		return EmitResult{Version: currentVersion, Changed: false}, false, nil
	}

	ops := patch.Diff(current, newData)
	patchJSON, err := json.Marshal(ops)
	if err != nil {
		return EmitResult{}, false, fmt.Errorf("emit state: encode patch: %w", err)
	}
	newVersion := currentVersion + 1

	if s.beforeCAS != nil {
		s.beforeCAS()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EmitResult{}, false, fmt.Errorf("emit state: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// CAS: the guard on version makes a concurrent winner show up as zero
	// affected rows instead of a silently lost update.
	res, err := tx.ExecContext(ctx, `
		UPDATE entities SET data = ?, version = ?, updated_at_ms = ?
		WHERE entity = ? AND entity_id = ? AND version = ?
	`, dataJSON, newVersion, nowMS, entity, id, currentVersion)
	if err != nil {
		return EmitResult{}, false, fmt.Errorf("emit state: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return EmitResult{}, false, fmt.Errorf("emit state: rows affected: %w", err)
	}
	if n == 0 {
		return EmitResult{}, true, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO patch_log (entity, entity_id, version, patch, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, entity, id, newVersion, string(patchJSON), nowMS); err != nil {
		return EmitResult{}, false, fmt.Errorf("emit state: append log: %w", err)
	}

	// Trim inside the same transaction so the snapshot, version, log
	// entry, and bounds all commit together.
	cutoffMS := s.now().Add(-s.cfg.MaxPatchAge).UnixMilli()
	minVersion := int64(newVersion) - int64(s.cfg.MaxPatchesPerEntity)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM patch_log
		WHERE entity = ? AND entity_id = ?
		  AND (created_at_ms < ? OR version <= ?)
	`, entity, id, cutoffMS, minVersion); err != nil {
		return EmitResult{}, false, fmt.Errorf("emit state: trim log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return EmitResult{}, false, fmt.Errorf("emit state: commit: %w", err)
	}
	return EmitResult{Version: newVersion, Patch: ops, Changed: true}, false, nil
}

func sleepWithJitter(ctx context.Context, attempt int) error {
	delay := emitBackoffBase << (attempt - 1)
	delay += rand.N(delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GetState implements Adapter.
func (s *SQLite) GetState(ctx context.Context, entity, id string) (patch.Snapshot, error) {
	var dataJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM entities WHERE entity = ? AND entity_id = ?
	`, entity, id).Scan(&dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}

	var snap patch.Snapshot
	if err := json.Unmarshal([]byte(dataJSON), &snap); err != nil {
		return nil, fmt.Errorf("get state: decode: %w", err)
	}
	return snap, nil
}

// GetVersion implements Adapter.
func (s *SQLite) GetVersion(ctx context.Context, entity, id string) (uint64, error) {
	var version uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM entities WHERE entity = ? AND entity_id = ?
	`, entity, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

// GetLatestPatch implements Adapter.
func (s *SQLite) GetLatestPatch(ctx context.Context, entity, id string) ([]patch.Op, error) {
	var patchJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT patch FROM patch_log
		WHERE entity = ? AND entity_id = ?
		ORDER BY version DESC LIMIT 1
	`, entity, id).Scan(&patchJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest patch: %w", err)
	}
	return decodeOps(patchJSON)
}

// GetPatchesSince implements Adapter. Age-expired entries are excluded on
// read as well, so a quiet period with no writes cannot serve stale chains.
func (s *SQLite) GetPatchesSince(ctx context.Context, entity, id string, sinceVersion uint64) ([][]patch.Op, error) {
	current, err := s.GetVersion(ctx, entity, id)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		return nil, ErrNotFound
	}

	cutoffMS := s.now().Add(-s.cfg.MaxPatchAge).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, patch FROM patch_log
		WHERE entity = ? AND entity_id = ? AND version > ? AND created_at_ms >= ?
		ORDER BY version ASC
	`, entity, id, sinceVersion, cutoffMS)
	if err != nil {
		return nil, fmt.Errorf("get patches since: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var version uint64
		var patchJSON string
		if err := rows.Scan(&version, &patchJSON); err != nil {
			return nil, fmt.Errorf("get patches since: scan: %w", err)
		}
		ops, err := decodeOps(patchJSON)
		if err != nil {
			return nil, err
		}
		entries = append(entries, LogEntry{Version: version, Patch: ops})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get patches since: iterate: %w", err)
	}

	return chainFromEntries(entries, sinceVersion, current)
}

// Has implements Adapter.
func (s *SQLite) Has(ctx context.Context, entity, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM entities WHERE entity = ? AND entity_id = ?
	`, entity, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has entity: %w", err)
	}
	return true, nil
}

// Delete implements Adapter. Patch log rows follow via ON DELETE CASCADE.
func (s *SQLite) Delete(ctx context.Context, entity, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE entity = ? AND entity_id = ?
	`, entity, id); err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	return nil
}

// Clear implements Adapter.
func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return fmt.Errorf("clear entities: %w", err)
	}
	return nil
}

func decodeOps(patchJSON string) ([]patch.Op, error) {
	var ops []patch.Op
	if err := json.Unmarshal([]byte(patchJSON), &ops); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	return ops, nil
}

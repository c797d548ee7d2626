// Package sqlite provides an embedded SQLite backend for the work-item cache.
//
// The database runs in embedded mode using the ncruces WebAssembly build of
// SQLite, so no cgo toolchain is needed, with WAL enabled so readers never
// block the sync writer.
//
// Architecture:
//   - Database file: <root>/cache.db
//   - items: one row per (type, id); fields and baseline as ordered JSON
//   - metadata: a single row holding the sync metadata document
//
// Each Save is a single-statement upsert and therefore atomic.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// DefaultFile is the database file name under the cache root.
const DefaultFile = "cache.db"

// Store implements cache.Store on SQLite.
type Store struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

var _ cache.Store = (*Store)(nil)

// Open creates or opens the database at path and initialises the schema.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, syncerr.New(syncerr.CodeCacheIO, "sqlite.open",
			fmt.Errorf("failed to create database directory: %w", err))
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeCacheIO, "sqlite.open",
			fmt.Errorf("failed to open database: %w", err))
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, syncerr.New(syncerr.CodeCacheIO, "sqlite.open",
			fmt.Errorf("failed to ping database: %w", err))
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, now: time.Now}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = s.Close()
			return nil, syncerr.New(syncerr.CodeCacheIO, "sqlite.open",
				fmt.Errorf("failed to apply %q: %w", p, err))
		}
	}

	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the connection.
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

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		type TEXT NOT NULL,
		id TEXT NOT NULL,
		revision TEXT NOT NULL DEFAULT '',
		changed_at TEXT,
		fields TEXT NOT NULL,    -- ordered JSON object
		baseline TEXT NOT NULL,  -- ordered JSON object
		synced_hash TEXT NOT NULL DEFAULT '',
		local_hash TEXT NOT NULL,
		cached_at TEXT NOT NULL,
		tombstone INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		PRIMARY KEY (type, id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key INTEGER PRIMARY KEY CHECK (key = 1),
		document TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_type ON items(type);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return syncerr.New(syncerr.CodeCacheIO, "sqlite.schema",
			fmt.Errorf("failed to initialize schema: %w", err))
	}
	return nil
}

const selectItem = `
	SELECT type, id, revision, changed_at, fields, baseline,
	       synced_hash, local_hash, cached_at, tombstone, deleted_at
	FROM items`

// Load reads one record.
func (s *Store) Load(ctx context.Context, typ, id string) (*types.WorkItemRecord, error) {
	row := s.conn.QueryRowContext(ctx, selectItem+` WHERE type = ? AND id = ?`, typ, id)
	rec, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, asItemError(err, typ, id)
	}
	if err := cache.Verify(rec, typ, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// LoadAll streams the rows of a type in id order. Rows are closed when the
// loop ends, including on break.
func (s *Store) LoadAll(ctx context.Context, typ string) iter.Seq2[*types.WorkItemRecord, error] {
	return func(yield func(*types.WorkItemRecord, error) bool) {
		rows, err := s.conn.QueryContext(ctx, selectItem+` WHERE type = ? ORDER BY id`, typ)
		if err != nil {
			yield(nil, syncerr.New(syncerr.CodeCacheIO, "sqlite.list",
				fmt.Errorf("failed to query %s items: %w", typ, err)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanItem(rows)
			if err != nil {
				if !yield(nil, asItemError(err, typ, "")) {
					return
				}
				continue
			}
			if err := cache.Verify(rec, typ, rec.ID); err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, syncerr.New(syncerr.CodeCacheIO, "sqlite.list", err))
		}
	}
}

// Save upserts rec.
func (s *Store) Save(ctx context.Context, rec *types.WorkItemRecord) error {
	if err := cache.Stamp(rec, s.now()); err != nil {
		return err
	}
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "sqlite.save", rec.Type, rec.ID,
			fmt.Errorf("failed to marshal fields: %w", err))
	}
	baselineJSON, err := json.Marshal(rec.Baseline)
	if err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "sqlite.save", rec.Type, rec.ID,
			fmt.Errorf("failed to marshal baseline: %w", err))
	}

	query := `
	INSERT INTO items (
		type, id, revision, changed_at, fields, baseline,
		synced_hash, local_hash, cached_at, tombstone, deleted_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(type, id) DO UPDATE SET
		revision = excluded.revision,
		changed_at = excluded.changed_at,
		fields = excluded.fields,
		baseline = excluded.baseline,
		synced_hash = excluded.synced_hash,
		local_hash = excluded.local_hash,
		cached_at = excluded.cached_at,
		tombstone = excluded.tombstone,
		deleted_at = excluded.deleted_at
	`
	_, err = s.conn.ExecContext(ctx, query,
		rec.Type,
		rec.ID,
		rec.Revision,
		timeToNullString(&rec.ChangedAt),
		string(fieldsJSON),
		string(baselineJSON),
		rec.SyncedHash,
		rec.LocalHash,
		rec.CachedAt.Format(time.RFC3339Nano),
		boolToInt(rec.Tombstone),
		timeToNullString(rec.DeletedAt),
	)
	if err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "sqlite.save", rec.Type, rec.ID,
			fmt.Errorf("failed to upsert item: %w", err))
	}
	return nil
}

// Remove deletes a row. Returns nil if it doesn't exist.
func (s *Store) Remove(ctx context.Context, typ, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM items WHERE type = ? AND id = ?`, typ, id); err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "sqlite.remove", typ, id,
			fmt.Errorf("failed to delete item: %w", err))
	}
	return nil
}

// ReadMetadata returns the stored metadata document.
func (s *Store) ReadMetadata(ctx context.Context) (*types.SyncMetadata, error) {
	var doc string
	err := s.conn.QueryRowContext(ctx, `SELECT document FROM metadata WHERE key = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.SyncMetadata{}, nil
	}
	if err != nil {
		return nil, syncerr.New(syncerr.CodeCacheIO, "sqlite.metadata", err)
	}
	return cache.DecodeMetadataTOML([]byte(doc))
}

// WriteMetadata replaces the metadata row.
func (s *Store) WriteMetadata(ctx context.Context, meta *types.SyncMetadata) error {
	doc, err := cache.EncodeMetadataTOML(meta)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO metadata (key, document) VALUES (1, ?)
		ON CONFLICT(key) DO UPDATE SET document = excluded.document`, string(doc))
	if err != nil {
		return syncerr.New(syncerr.CodeCacheIO, "sqlite.metadata",
			fmt.Errorf("failed to write metadata: %w", err))
	}
	return nil
}

// Types lists distinct item types.
func (s *Store) Types(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT type FROM items ORDER BY type`)
	if err != nil {
		return nil, syncerr.New(syncerr.CodeCacheIO, "sqlite.types", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			return nil, syncerr.New(syncerr.CodeCacheIO, "sqlite.types", err)
		}
		out = append(out, typ)
	}
	return out, rows.Err()
}

// Stats counts rows and reports the database file size, WAL included.
func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	st := cache.Stats{Items: make(map[string]int)}
	typs, err := s.Types(ctx)
	if err != nil {
		return st, err
	}
	for _, typ := range typs {
		for rec, err := range s.LoadAll(ctx, typ) {
			if err != nil {
				continue
			}
			st.Accumulate(rec)
		}
	}
	for _, p := range []string{s.path, s.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			st.SizeBytes += info.Size()
		}
	}
	return st, ctx.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanItem reads one items row.
func scanItem(row scanner) (*types.WorkItemRecord, error) {
	var rec types.WorkItemRecord
	var changedAt, deletedAt sql.NullString
	var fieldsJSON, baselineJSON, cachedAt string
	var tombstone int

	err := row.Scan(
		&rec.Type,
		&rec.ID,
		&rec.Revision,
		&changedAt,
		&fieldsJSON,
		&baselineJSON,
		&rec.SyncedHash,
		&rec.LocalHash,
		&cachedAt,
		&tombstone,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, integrityError{fmt.Errorf("failed to parse fields: %w", err)}
	}
	if err := json.Unmarshal([]byte(baselineJSON), &rec.Baseline); err != nil {
		return nil, integrityError{fmt.Errorf("failed to parse baseline: %w", err)}
	}
	if rec.CachedAt, err = time.Parse(time.RFC3339Nano, cachedAt); err != nil {
		return nil, integrityError{fmt.Errorf("failed to parse cached_at: %w", err)}
	}
	if t, err := parseNullTime(changedAt); err != nil {
		return nil, integrityError{fmt.Errorf("failed to parse changed_at: %w", err)}
	} else if t != nil {
		rec.ChangedAt = *t
	}
	if rec.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, integrityError{fmt.Errorf("failed to parse deleted_at: %w", err)}
	}
	rec.Tombstone = tombstone != 0
	return &rec, nil
}

// integrityError marks a row that was read but could not be decoded.
type integrityError struct{ err error }

func (e integrityError) Error() string { return e.err.Error() }
func (e integrityError) Unwrap() error { return e.err }

func asItemError(err error, typ, id string) error {
	var ie integrityError
	if errors.As(err, &ie) {
		return syncerr.Item(syncerr.CodeIntegrity, "sqlite.load", typ, id, ie.err)
	}
	return syncerr.Item(syncerr.CodeCacheIO, "sqlite.load", typ, id, err)
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

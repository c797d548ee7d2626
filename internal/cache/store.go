// Package cache provides the durable local replica of remote work items.
//
// The cache is the authoritative offline copy. Each record carries the
// fields last seen or edited locally together with the baseline from the
// last successful sync, so the reconciliation engine can tell local edits
// from remote ones without asking the remote.
//
// Architecture:
//   - Store: backend-agnostic contract (files, SQLite, S3)
//   - FileStore: <root>/items/<type>/<id>.yaml plus <root>/sync.toml
//   - RunLock: <root>/.sync.lock, one writer at a time
//   - ConflictJournal: <root>/conflicts/<type>/<id>.yaml
//
// Every backend recomputes LocalHash on Save and verifies it on Load. A
// record whose stored hash does not match its fields is reported as a
// CACHE_INTEGRITY error and must be treated as absent by callers.
package cache

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// Store is the persistence contract the orchestrator works against.
type Store interface {
	// Load returns the record or (nil, nil) when it does not exist.
	Load(ctx context.Context, typ, id string) (*types.WorkItemRecord, error)

	// LoadAll lazily yields every record of a type. The sequence can be
	// ranged over more than once and breaking out of it has no side
	// effects. Unreadable records are yielded as errors and iteration
	// continues.
	LoadAll(ctx context.Context, typ string) iter.Seq2[*types.WorkItemRecord, error]

	// Save recomputes LocalHash and CachedAt on rec and atomically replaces
	// the stored copy.
	Save(ctx context.Context, rec *types.WorkItemRecord) error

	// Remove deletes a record. Removing a missing record is not an error.
	Remove(ctx context.Context, typ, id string) error

	// ReadMetadata returns the zero metadata when none has been written.
	ReadMetadata(ctx context.Context) (*types.SyncMetadata, error)
	WriteMetadata(ctx context.Context, meta *types.SyncMetadata) error

	// Types lists the item types present in the cache, sorted.
	Types(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Stats summarises cache contents.
type Stats struct {
	Items      map[string]int `json:"items"`
	Tombstones int            `json:"tombstones"`
	Dirty      int            `json:"dirty"`
	SizeBytes  int64          `json:"size_bytes"`
}

// Total returns the number of records across all types.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.Items {
		n += c
	}
	return n
}

// Stamp applies the bookkeeping every backend performs on Save: identity
// validation, LocalHash and CachedAt.
func Stamp(rec *types.WorkItemRecord, now time.Time) error {
	if err := rec.Validate(); err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "cache.save", rec.Type, rec.ID, err)
	}
	rec.LocalHash = rec.Fields.Hash()
	rec.CachedAt = now.UTC()
	return nil
}

// Verify checks a decoded record against its stored hash and the location it
// was read from.
func Verify(rec *types.WorkItemRecord, typ, id string) error {
	if rec.Type != typ || rec.ID != id {
		return syncerr.Item(syncerr.CodeIntegrity, "cache.load", typ, id,
			fmt.Errorf("document holds %s", types.ItemKey(rec.Type, rec.ID)))
	}
	if !rec.VerifyHash() {
		return syncerr.Item(syncerr.CodeIntegrity, "cache.load", typ, id,
			fmt.Errorf("stored hash %.12s does not match fields %.12s", rec.LocalHash, rec.Fields.Hash()))
	}
	return nil
}

// Accumulate folds one record into s.
func (s *Stats) Accumulate(rec *types.WorkItemRecord) {
	if s.Items == nil {
		s.Items = make(map[string]int)
	}
	s.Items[rec.Type]++
	if rec.Tombstone {
		s.Tombstones++
	} else if rec.IsDirty() {
		s.Dirty++
	}
}

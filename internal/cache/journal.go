package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

const conflictsDir = "conflicts"

// ConflictEntry is an unresolved conflict kept for later manual settlement.
type ConflictEntry struct {
	ID         string    `yaml:"id" json:"id"`
	RunID      string    `yaml:"run_id" json:"run_id"`
	RecordedAt time.Time `yaml:"recorded_at" json:"recorded_at"`

	types.ConflictResolution `yaml:",inline" json:"resolution"`
}

// ConflictJournal stores one YAML document per unresolved conflict under
// <root>/conflicts/<type>/<id>.yaml. A newer conflict on the same item
// replaces the older entry.
type ConflictJournal struct {
	dir string
	now func() time.Time
}

// NewConflictJournal returns the journal rooted at the cache root.
func NewConflictJournal(root string) *ConflictJournal {
	return &ConflictJournal{dir: filepath.Join(root, conflictsDir), now: time.Now}
}

func (j *ConflictJournal) path(typ, id string) string {
	return filepath.Join(j.dir, typ, EscapeID(id)+ItemExt)
}

// Record persists a conflict that needs manual action.
func (j *ConflictJournal) Record(ctx context.Context, runID string, res *types.ConflictResolution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := ConflictEntry{
		ID:                 uuid.NewString(),
		RunID:              runID,
		RecordedAt:         j.now().UTC(),
		ConflictResolution: *res,
	}
	data, err := yaml.Marshal(&entry)
	if err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "journal.record", res.Type, res.ItemID,
			fmt.Errorf("failed to encode conflict: %w", err))
	}
	if err := WriteFileAtomic(j.path(res.Type, res.ItemID), data, 0644); err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "journal.record", res.Type, res.ItemID, err)
	}
	return nil
}

// Get returns the entry for an item, or nil when there is none.
func (j *ConflictJournal) Get(ctx context.Context, typ, id string) (*ConflictEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(j.path(typ, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, syncerr.Item(syncerr.CodeCacheIO, "journal.get", typ, id, err)
	}
	var entry ConflictEntry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, syncerr.Item(syncerr.CodeIntegrity, "journal.get", typ, id,
			fmt.Errorf("failed to parse conflict: %w", err))
	}
	return &entry, nil
}

// List returns all entries ordered by type then id.
func (j *ConflictJournal) List(ctx context.Context) ([]*ConflictEntry, error) {
	typeDirs, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, syncerr.New(syncerr.CodeCacheIO, "journal.list", err)
	}

	var out []*ConflictEntry
	for _, td := range typeDirs {
		if !td.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(j.dir, td.Name()))
		if err != nil {
			return nil, syncerr.New(syncerr.CodeCacheIO, "journal.list", err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ItemExt) {
				continue
			}
			id, err := UnescapeID(strings.TrimSuffix(name, ItemExt))
			if err != nil {
				continue
			}
			entry, err := j.Get(ctx, td.Name(), id)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				out = append(out, entry)
			}
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Type != out[b].Type {
			return out[a].Type < out[b].Type
		}
		return out[a].ItemID < out[b].ItemID
	})
	return out, nil
}

// Clear removes the entry for an item. Clearing a missing entry is not an
// error.
func (j *ConflictJournal) Clear(ctx context.Context, typ, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(j.path(typ, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return syncerr.Item(syncerr.CodeCacheIO, "journal.clear", typ, id, err)
	}
	return nil
}

package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// ItemExt is the file extension of item documents.
const ItemExt = ".yaml"

const (
	itemsDir     = "items"
	metadataFile = "sync.toml"
)

// FileStore keeps one YAML document per item, partitioned by type:
//
//	<root>/items/<type>/<id>.yaml
//	<root>/sync.toml
//
// Every write goes to a temp file in the target directory, is fsynced and
// then renamed over the target, so a crash leaves either the old or the new
// document and never a torn one.
type FileStore struct {
	root string
	now  func() time.Time
}

// OpenFileStore opens (creating if needed) a file-backed cache at root.
func OpenFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, syncerr.Config("cache root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, itemsDir), 0755); err != nil {
		return nil, syncerr.New(syncerr.CodeCacheIO, "cache.open",
			fmt.Errorf("failed to create cache directory: %w", err))
	}
	return &FileStore{root: root, now: time.Now}, nil
}

// Root returns the cache root directory.
func (s *FileStore) Root() string { return s.root }

// ItemsDir returns the directory that holds item documents.
func (s *FileStore) ItemsDir() string { return filepath.Join(s.root, itemsDir) }

// Path returns the document path for an item.
func (s *FileStore) Path(typ, id string) string {
	return filepath.Join(s.root, itemsDir, typ, EscapeID(id)+ItemExt)
}

// ParsePath maps a document path under the store back to its type and id.
func (s *FileStore) ParsePath(path string) (typ, id string, ok bool) {
	rel, err := filepath.Rel(s.ItemsDir(), path)
	if err != nil {
		return "", "", false
	}
	dir, file := filepath.Split(rel)
	typ = filepath.Clean(dir)
	if strings.Contains(typ, string(filepath.Separator)) || types.ValidateType(typ) != nil {
		return "", "", false
	}
	if strings.HasPrefix(file, ".") || !strings.HasSuffix(file, ItemExt) {
		return "", "", false
	}
	id, err = UnescapeID(strings.TrimSuffix(file, ItemExt))
	if err != nil {
		return "", "", false
	}
	return typ, id, true
}

// Load reads one record.
func (s *FileStore) Load(ctx context.Context, typ, id string) (*types.WorkItemRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(typ, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, syncerr.Item(syncerr.CodeCacheIO, "cache.load", typ, id, err)
	}
	return decodeItem(data, typ, id)
}

func decodeItem(data []byte, typ, id string) (*types.WorkItemRecord, error) {
	var rec types.WorkItemRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, syncerr.Item(syncerr.CodeIntegrity, "cache.load", typ, id,
			fmt.Errorf("failed to parse document: %w", err))
	}
	if err := Verify(&rec, typ, id); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadAll yields records in id order. The directory is listed each time the
// sequence is ranged over.
func (s *FileStore) LoadAll(ctx context.Context, typ string) iter.Seq2[*types.WorkItemRecord, error] {
	return func(yield func(*types.WorkItemRecord, error) bool) {
		entries, err := os.ReadDir(filepath.Join(s.root, itemsDir, typ))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			yield(nil, syncerr.New(syncerr.CodeCacheIO, "cache.list",
				fmt.Errorf("failed to read %s directory: %w", typ, err)))
			return
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ItemExt) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			id, err := UnescapeID(strings.TrimSuffix(name, ItemExt))
			if err != nil {
				if !yield(nil, syncerr.New(syncerr.CodeIntegrity, "cache.list",
					fmt.Errorf("undecodable item name %s/%s: %w", typ, name, err))) {
					return
				}
				continue
			}
			rec, err := s.Load(ctx, typ, id)
			if rec == nil && err == nil {
				// Removed between listing and reading.
				continue
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Save writes rec atomically.
func (s *FileStore) Save(ctx context.Context, rec *types.WorkItemRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Stamp(rec, s.now()); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(rec); err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "cache.save", rec.Type, rec.ID,
			fmt.Errorf("failed to encode record: %w", err))
	}
	if err := enc.Close(); err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "cache.save", rec.Type, rec.ID, err)
	}

	if err := WriteFileAtomic(s.Path(rec.Type, rec.ID), buf.Bytes(), 0644); err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "cache.save", rec.Type, rec.ID, err)
	}
	return nil
}

// Remove deletes an item document.
func (s *FileStore) Remove(ctx context.Context, typ, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.Path(typ, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return syncerr.Item(syncerr.CodeCacheIO, "cache.remove", typ, id, err)
	}
	return nil
}

// ReadMetadata reads <root>/sync.toml.
func (s *FileStore) ReadMetadata(ctx context.Context) (*types.SyncMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &types.SyncMetadata{}, nil
		}
		return nil, syncerr.New(syncerr.CodeCacheIO, "cache.metadata", err)
	}
	return DecodeMetadataTOML(data)
}

// WriteMetadata replaces <root>/sync.toml atomically.
func (s *FileStore) WriteMetadata(ctx context.Context, meta *types.SyncMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeMetadataTOML(meta)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(filepath.Join(s.root, metadataFile), data, 0644); err != nil {
		return syncerr.New(syncerr.CodeCacheIO, "cache.metadata", err)
	}
	return nil
}

// Types lists the type directories under items/.
func (s *FileStore) Types(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.ItemsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, syncerr.New(syncerr.CodeCacheIO, "cache.types", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && types.ValidateType(e.Name()) == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Stats walks the cache and sums document sizes.
func (s *FileStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Items: make(map[string]int)}
	typs, err := s.Types(ctx)
	if err != nil {
		return st, err
	}
	for _, typ := range typs {
		for rec, err := range s.LoadAll(ctx, typ) {
			if err != nil {
				if ctx.Err() != nil {
					return st, ctx.Err()
				}
				continue
			}
			st.Accumulate(rec)
		}
	}

	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				st.SizeBytes += info.Size()
			}
		}
		return nil
	})
	return st, err
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

// EscapeID maps an item id to a file name component. Ids are path-escaped
// and a leading dot is escaped so ids like ".." never name a directory.
func EscapeID(id string) string {
	esc := url.PathEscape(id)
	if strings.HasPrefix(esc, ".") {
		esc = "%2E" + esc[1:]
	}
	return esc
}

// UnescapeID reverses EscapeID.
func UnescapeID(name string) (string, error) {
	return url.PathUnescape(name)
}

// WriteFileAtomic writes data to a temp file next to path, fsyncs it and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}

	// Persist the rename itself. Not all platforms support syncing a
	// directory, so failures here are ignored.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

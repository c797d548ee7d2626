package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/types"
)

// JSONLAdapter serves a JSONL export as the remote: one RemoteSnapshot per
// line. The file is re-read when its modification time changes and is
// rewritten atomically after every Apply. Useful for offline mirrors and as
// a fixture format.
type JSONLAdapter struct {
	path string

	mu      sync.Mutex
	mem     *Memory
	modTime time.Time
}

var _ Adapter = (*JSONLAdapter)(nil)

// OpenJSONL loads path. A missing file is an empty remote and is created on
// the first Apply.
func OpenJSONL(path string) (*JSONLAdapter, error) {
	a := &JSONLAdapter{path: path, mem: NewMemory()}
	if err := a.reload(true); err != nil {
		return nil, err
	}
	return a, nil
}

// Path returns the backing file.
func (a *JSONLAdapter) Path() string { return a.path }

// reload must be called with mu held (or before the adapter is shared).
func (a *JSONLAdapter) reload(force bool) error {
	info, err := os.Stat(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat JSONL file: %w", err)
	}
	if !force && info.ModTime().Equal(a.modTime) {
		return nil
	}

	snaps, err := ReadJSONL(a.path)
	if err != nil {
		return err
	}
	mem := NewMemory()
	for _, s := range snaps {
		mem.Seed(s)
	}
	a.mem = mem
	a.modTime = info.ModTime()
	return nil
}

// ReadJSONL parses a JSONL export.
func ReadJSONL(path string) ([]*types.RemoteSnapshot, error) {
	// #nosec G304 - controlled path from config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}

	var out []*types.RemoteSnapshot
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var snap types.RemoteSnapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if snap.ID == "" || types.ValidateType(snap.Type) != nil {
			return nil, fmt.Errorf("line %d: item needs an id and a valid type", lineNum)
		}
		out = append(out, &snap)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL file: %w", err)
	}
	return out, nil
}

// WriteJSONL writes snapshots one per line, atomically.
func WriteJSONL(path string, snaps []*types.RemoteSnapshot) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, s := range snaps {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to marshal %s: %w", s.Key(), err)
		}
	}
	if err := cache.WriteFileAtomic(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write JSONL file: %w", err)
	}
	return nil
}

// ListChanged re-reads the file if it changed on disk.
func (a *JSONLAdapter) ListChanged(ctx context.Context, typ string, w Window) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.reload(false); err != nil {
		return nil, err
	}
	return a.mem.ListChanged(ctx, typ, w)
}

// FetchDetail serves from the loaded file.
func (a *JSONLAdapter) FetchDetail(ctx context.Context, typ, id string) (*types.RemoteSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mem.FetchDetail(ctx, typ, id)
}

// Apply writes through and persists the whole file.
func (a *JSONLAdapter) Apply(ctx context.Context, typ string, rec *types.WorkItemRecord) (*types.RemoteSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap, err := a.mem.Apply(ctx, typ, rec)
	if err != nil {
		return nil, err
	}
	if err := WriteJSONL(a.path, a.mem.Snapshots()); err != nil {
		return nil, err
	}
	if info, err := os.Stat(a.path); err == nil {
		a.modTime = info.ModTime()
	}
	return snap, nil
}

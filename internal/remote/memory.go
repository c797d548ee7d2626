package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// Memory is an in-process remote. Revisions are drawn from one counter, so
// they increase across every write. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	items  map[string]map[string]*types.RemoteSnapshot
	rev    int64
	nextID map[string]int
	now    func() time.Time
	faults map[string][]error
	calls  map[Op]int
}

var _ Adapter = (*Memory)(nil)

// NewMemory returns an empty remote.
func NewMemory() *Memory {
	return &Memory{
		items:  make(map[string]map[string]*types.RemoteSnapshot),
		nextID: make(map[string]int),
		now:    time.Now,
		faults: make(map[string][]error),
		calls:  make(map[Op]int),
	}
}

// SetClock replaces the time source used for ChangedAt.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put writes an item as a remote user would, bumping its revision.
func (m *Memory) Put(typ, id string, fields types.Fields) *types.RemoteSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(typ, id, fields).Clone()
}

func (m *Memory) putLocked(typ, id string, fields types.Fields) *types.RemoteSnapshot {
	m.rev++
	snap := &types.RemoteSnapshot{
		ID:        id,
		Type:      typ,
		Fields:    fields.Clone(),
		Revision:  strconv.FormatInt(m.rev, 10),
		ChangedAt: m.now().UTC(),
	}
	if m.items[typ] == nil {
		m.items[typ] = make(map[string]*types.RemoteSnapshot)
	}
	m.items[typ][id] = snap
	return snap
}

// Seed stores a snapshot exactly as given. Numeric revisions advance the
// internal counter so later writes stay ordered after it.
func (m *Memory) Seed(snap *types.RemoteSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, err := strconv.ParseInt(snap.Revision, 10, 64); err == nil && n > m.rev {
		m.rev = n
	}
	if m.items[snap.Type] == nil {
		m.items[snap.Type] = make(map[string]*types.RemoteSnapshot)
	}
	m.items[snap.Type][snap.ID] = snap.Clone()
}

// Delete removes an item.
func (m *Memory) Delete(typ, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items[typ], id)
}

// Get returns a copy of the stored item, or nil.
func (m *Memory) Get(typ, id string) *types.RemoteSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[typ][id].Clone()
}

// Snapshots returns every stored item ordered by type then id.
func (m *Memory) Snapshots() []*types.RemoteSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RemoteSnapshot
	for _, byID := range m.items {
		for _, s := range byID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Type != out[b].Type {
			return out[a].Type < out[b].Type
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// InjectFault makes the next len(errs) calls of op on typ/id fail with the
// given errors in order. An empty id matches every item of the type, which
// is how ListChanged faults are keyed.
func (m *Memory) InjectFault(op Op, typ, id string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := faultKey(op, typ, id)
	m.faults[k] = append(m.faults[k], errs...)
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func faultKey(op Op, typ, id string) string {
	return string(op) + ":" + typ + "/" + id
}

// takeFault must be called with mu held.
func (m *Memory) takeFault(op Op, typ, id string) error {
	m.calls[op]++
	for _, k := range []string{faultKey(op, typ, id), faultKey(op, typ, "")} {
		if errs := m.faults[k]; len(errs) > 0 {
			m.faults[k] = errs[1:]
			return errs[0]
		}
	}
	return nil
}

// ListChanged returns ids changed within w, sorted.
func (m *Memory) ListChanged(ctx context.Context, typ string, w Window) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault(OpList, typ, ""); err != nil {
		return nil, err
	}
	var ids []string
	for id, s := range m.items[typ] {
		if w.Contains(s.ChangedAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// FetchDetail returns a copy of the stored item.
func (m *Memory) FetchDetail(ctx context.Context, typ, id string) (*types.RemoteSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault(OpFetch, typ, id); err != nil {
		return nil, err
	}
	snap, ok := m.items[typ][id]
	if !ok {
		return nil, syncerr.Item(syncerr.CodeNotFound, "fetch", typ, id, nil)
	}
	return snap.Clone(), nil
}

// Apply stores rec's fields. Records without a revision are created under a
// fresh id of the form <TYPE>-<n>.
func (m *Memory) Apply(ctx context.Context, typ string, rec *types.WorkItemRecord) (*types.RemoteSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFault(OpApply, typ, rec.ID); err != nil {
		return nil, err
	}

	id := rec.ID
	if rec.Revision == "" {
		id = m.allocateID(typ)
	} else if _, ok := m.items[typ][id]; !ok {
		return nil, syncerr.Item(syncerr.CodeNotFound, "apply", typ, id, nil)
	}
	return m.putLocked(typ, id, rec.Fields).Clone(), nil
}

func (m *Memory) allocateID(typ string) string {
	for {
		m.nextID[typ]++
		id := fmt.Sprintf("%s-%d", strings.ToUpper(typ), m.nextID[typ])
		if _, taken := m.items[typ][id]; !taken {
			return id
		}
	}
}

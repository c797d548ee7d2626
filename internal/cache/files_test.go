package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore() failed: %v", err)
	}
	return s
}

func syncedRecord(typ, id, rev string, kv ...any) *types.WorkItemRecord {
	return types.FromSnapshot(&types.RemoteSnapshot{
		ID:       id,
		Type:     typ,
		Fields:   types.NewFields(kv...),
		Revision: rev,
	})
}

func TestFileStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := syncedRecord("story", "S-1", "3", "title", "Login", "points", 5, "tags", []string{"web"})
	rec.Fields.Set("title", "Login v2")
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if rec.LocalHash == "" || rec.CachedAt.IsZero() {
		t.Fatalf("Save() did not stamp the record: %+v", rec)
	}

	got, err := s.Load(ctx, "story", "S-1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !got.Fields.Equal(rec.Fields) || !got.Baseline.Equal(rec.Baseline) {
		t.Errorf("fields changed on round trip: got %s / %s", got.Fields, got.Baseline)
	}
	if diff := cmp.Diff(rec.Fields.Keys(), got.Fields.Keys()); diff != "" {
		t.Errorf("field order changed (-want +got):\n%s", diff)
	}
	if got.Revision != "3" || got.SyncedHash != rec.SyncedHash {
		t.Errorf("revision/baseline hash lost: %+v", got)
	}
	if !got.IsDirty() {
		t.Errorf("local edit lost its dirty state")
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Load(context.Background(), "task", "nope")
	if rec != nil || err != nil {
		t.Errorf("Load(missing) = %v, %v; want nil, nil", rec, err)
	}
}

func TestFileStore_IntegrityError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := syncedRecord("task", "7", "1", "title", "a")
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	path := s.Path("task", "7")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "title: a", "title: b", 1)
	if err := os.WriteFile(path, []byte(tampered), 0644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Load(ctx, "task", "7")
	if !syncerr.IsIntegrity(err) {
		t.Fatalf("Load(tampered) error = %v, want integrity error", err)
	}

	if err := os.WriteFile(path, []byte("::: not yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "task", "7"); !syncerr.IsIntegrity(err) {
		t.Errorf("Load(garbage) error = %v, want integrity error", err)
	}
}

func TestFileStore_LoadAllRestartable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Save(ctx, syncedRecord("bug", id, "1", "n", id)); err != nil {
			t.Fatalf("Save(%s) failed: %v", id, err)
		}
	}
	// A corrupt document is reported and iteration continues.
	if err := os.WriteFile(s.Path("bug", "broken"), []byte("id: [\n"), 0644); err != nil {
		t.Fatal(err)
	}

	seq := s.LoadAll(ctx, "bug")
	collect := func() (ids []string, errs int) {
		for rec, err := range seq {
			if err != nil {
				errs++
				continue
			}
			ids = append(ids, rec.ID)
		}
		return ids, errs
	}

	ids, errs := collect()
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("first pass (-want +got):\n%s", diff)
	}
	if errs != 1 {
		t.Errorf("first pass errors = %d, want 1", errs)
	}

	// Early break, then a full second pass.
	for range seq {
		break
	}
	ids, _ = collect()
	if len(ids) != 3 {
		t.Errorf("second pass saw %d records, want 3", len(ids))
	}
}

func TestFileStore_LoadAllUndecodableName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Save(ctx, syncedRecord("bug", "a", "1")); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(s.ItemsDir(), "bug", "%zz"+ItemExt)
	if err := os.WriteFile(bad, []byte("id: x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var errs []error
	for _, err := range s.LoadAll(ctx, "bug") {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 1 || !syncerr.IsIntegrity(errs[0]) {
		t.Fatalf("errors = %v, want one integrity error", errs)
	}
	var se *syncerr.Error
	if !errors.As(errs[0], &se) {
		t.Fatalf("error %v is not a *syncerr.Error", errs[0])
	}
	if se.ItemID != "" {
		t.Errorf("undecodable name reported as item %q, want no item id", se.ItemID)
	}
}

func TestFileStore_RemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.Save(ctx, syncedRecord("task", "x", "1")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Remove(ctx, "task", "x"); err != nil {
			t.Fatalf("Remove() #%d failed: %v", i+1, err)
		}
	}
	if rec, _ := s.Load(ctx, "task", "x"); rec != nil {
		t.Errorf("record still present after Remove")
	}
}

func TestFileStore_EscapedIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a/b", "..", "with space", ".hidden"} {
		rec := syncedRecord("task", id, "1", "k", "v")
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save(%q) failed: %v", id, err)
		}
		got, err := s.Load(ctx, "task", id)
		if err != nil || got == nil || got.ID != id {
			t.Errorf("Load(%q) = %v, %v", id, got, err)
		}
		typ, back, ok := s.ParsePath(s.Path("task", id))
		if !ok || typ != "task" || back != id {
			t.Errorf("ParsePath(%q) = %q, %q, %v", id, typ, back, ok)
		}
		if filepath.Dir(s.Path("task", id)) != filepath.Join(s.ItemsDir(), "task") {
			t.Errorf("id %q escaped its type directory", id)
		}
	}

	n := 0
	for _, err := range s.LoadAll(ctx, "task") {
		if err != nil {
			t.Errorf("LoadAll error: %v", err)
		}
		n++
	}
	if n != 4 {
		t.Errorf("LoadAll saw %d records, want 4", n)
	}
}

func TestFileStore_Metadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	meta, err := s.ReadMetadata(ctx)
	if err != nil {
		t.Fatalf("ReadMetadata(empty) failed: %v", err)
	}
	if !meta.LastSyncAt.IsZero() {
		t.Errorf("fresh cache has LastSyncAt %v", meta.LastSyncAt)
	}

	want := &types.SyncMetadata{
		LastSyncAt:     time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC),
		LastRunAt:      time.Date(2025, 4, 2, 9, 30, 5, 0, time.UTC),
		Mode:           types.ScopeQuick,
		Direction:      types.DirectionBoth,
		ScopeWindow:    "168h0m0s",
		RunID:          "run-1",
		State:          types.RunStateFinalized,
		StartedAt:      time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC),
		Elapsed:        "5s",
		Errored:        1,
		CacheSizeBytes: 2048,
		ItemCounts:     map[string]int{"story": 4, "task": 9},
		ClassCounts:    map[string]int{"unchanged": 10, "conflict": 3},
	}
	if err := s.WriteMetadata(ctx, want); err != nil {
		t.Fatalf("WriteMetadata() failed: %v", err)
	}
	got, err := s.ReadMetadata(ctx)
	if err != nil {
		t.Fatalf("ReadMetadata() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metadata round trip (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileStore_TypesAndStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dirty := syncedRecord("task", "1", "1", "a", 1)
	dirty.Fields.Set("a", 2)
	gone := syncedRecord("task", "2", "1")
	gone.MarkTombstone(time.Now())
	for _, r := range []*types.WorkItemRecord{dirty, gone, syncedRecord("story", "9", "4")} {
		if err := s.Save(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	typs, err := s.Types(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"story", "task"}, typs); diff != "" {
		t.Errorf("Types (-want +got):\n%s", diff)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total() != 3 || st.Items["task"] != 2 || st.Dirty != 1 || st.Tombstones != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if st.SizeBytes == 0 {
		t.Errorf("Stats.SizeBytes = 0")
	}
}

func TestRunLock_Exclusive(t *testing.T) {
	root := t.TempDir()
	first := NewRunLock(root)
	second := NewRunLock(root)

	ok, err := first.TryLock()
	if err != nil || !ok {
		t.Fatalf("first TryLock() = %v, %v", ok, err)
	}
	ok, err = second.TryLock()
	if err != nil {
		t.Fatalf("second TryLock() error: %v", err)
	}
	if ok {
		t.Fatal("second TryLock() succeeded while the lock was held")
	}

	if err := first.Unlock(); err != nil {
		t.Fatal(err)
	}
	ok, err = second.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock() after release = %v, %v", ok, err)
	}
	_ = second.Unlock()
}

func TestConflictJournal(t *testing.T) {
	ctx := context.Background()
	j := NewConflictJournal(t.TempDir())

	res := &types.ConflictResolution{
		ItemID:               "F-3",
		Type:                 "feature",
		Strategy:             types.StrategyManual,
		RequiresManualAction: true,
		Overlapping:          []string{"a"},
		LocalFields:          types.NewFields("a", 2),
		RemoteFields:         types.NewFields("a", 3),
		RemoteRevision:       "8",
	}
	if err := j.Record(ctx, "run-1", res); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if err := j.Record(ctx, "run-1", &types.ConflictResolution{ItemID: "B-1", Type: "bug", Strategy: types.StrategyManual, RemoteDeleted: true}); err != nil {
		t.Fatal(err)
	}

	got, err := j.Get(ctx, "feature", "F-3")
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if got.RunID != "run-1" || got.ID == "" {
		t.Errorf("entry metadata = %+v", got)
	}
	if v, _ := got.LocalFields.Get("a"); v != int64(2) {
		t.Errorf("local a = %#v", v)
	}
	if v, _ := got.RemoteFields.Get("a"); v != int64(3) {
		t.Errorf("remote a = %#v", v)
	}

	list, err := j.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, e := range list {
		keys = append(keys, e.Key())
	}
	if diff := cmp.Diff([]string{"bug/B-1", "feature/F-3"}, keys); diff != "" {
		t.Errorf("List order (-want +got):\n%s", diff)
	}

	if err := j.Clear(ctx, "feature", "F-3"); err != nil {
		t.Fatal(err)
	}
	if err := j.Clear(ctx, "feature", "F-3"); err != nil {
		t.Errorf("second Clear() failed: %v", err)
	}
	if e, _ := j.Get(ctx, "feature", "F-3"); e != nil {
		t.Errorf("entry survived Clear")
	}
}

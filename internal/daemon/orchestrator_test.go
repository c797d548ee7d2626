package daemon

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/remote"
	wsync "github.com/steveyegge/wisync/internal/sync"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// reportingSyncer forwards to a real orchestrator and publishes every report.
type reportingSyncer struct {
	wsync.Syncer
	reports chan *wsync.Report
}

func (s *reportingSyncer) Sync(ctx context.Context, req wsync.Request) (*wsync.Report, error) {
	rep, err := s.Syncer.Sync(ctx, req)
	if rep != nil {
		s.reports <- rep
	}
	return rep, err
}

// waitReport waits for a report of dir accepted by match.
func (s *reportingSyncer) waitReport(t *testing.T, dir types.Direction, match func(*wsync.Report) bool) *wsync.Report {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case rep := <-s.reports:
			if rep.Direction == dir && match(rep) {
				return rep
			}
		case <-deadline:
			t.Fatalf("timeout waiting for a matching %s run", dir)
			return nil
		}
	}
}

func TestDaemon_PushesStoreWritesThroughOrchestrator(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := cache.OpenFileStore(root)
	if err != nil {
		t.Fatalf("OpenFileStore() failed: %v", err)
	}
	mem := remote.NewMemory()
	mem.Put("task", "T-1", types.NewFields("title", "old"))

	orch, err := wsync.New(wsync.Config{
		Store:   store,
		Remote:  mem,
		Lock:    cache.NewRunLock(root),
		Journal: cache.NewConflictJournal(root),
		Types:   []string{"task"},
	})
	if err != nil {
		t.Fatalf("wsync.New() failed: %v", err)
	}
	s := &reportingSyncer{Syncer: orch, reports: make(chan *wsync.Report, 64)}

	d, err := NewWithConfig(s, store.ItemsDir(), testConfig("task"))
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- d.Start(context.Background()) }()
	t.Cleanup(func() {
		d.Stop()
		select {
		case <-errc:
		case <-time.After(3 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	s.waitReport(t, types.DirectionBoth, func(rep *wsync.Report) bool { return rep.Totals().Downloaded == 1 })
	waitRunning(t, d)

	// An edit saved through the store is uploaded by the next push.
	rec, err := store.Load(ctx, "task", "T-1")
	if err != nil || rec == nil {
		t.Fatalf("Load() = %v, %v", rec, err)
	}
	rec.Fields.Set("title", "new")
	if err := store.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	s.waitReport(t, types.DirectionPush, func(rep *wsync.Report) bool { return rep.Totals().Uploaded == 1 })
	if got, _ := mem.Get("task", "T-1").Fields.Get("title"); got != "new" {
		t.Errorf("remote title = %v, want new", got)
	}

	// A hand edit fails the integrity check and is reported, not dropped.
	path := store.Path("task", "T-1")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.Replace(string(data), "title: new", "title: by hand", 1)), 0644); err != nil {
		t.Fatal(err)
	}
	rep := s.waitReport(t, types.DirectionPush, func(rep *wsync.Report) bool { return len(rep.Errors) > 0 })
	if got := rep.Errors[0]; got.ItemID != "T-1" || got.Code != syncerr.CodeIntegrity {
		t.Errorf("error = %+v, want T-1 with %s", got, syncerr.CodeIntegrity)
	}
	if got, _ := mem.Get("task", "T-1").Fields.Get("title"); got != "new" {
		t.Errorf("remote title = %v, want new", got)
	}
}

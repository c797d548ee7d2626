package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/wisync/internal/cache"
	wsync "github.com/steveyegge/wisync/internal/sync"
	"github.com/steveyegge/wisync/internal/types"
)

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

func TestRenderReport(t *testing.T) {
	rep := &wsync.Report{
		RunID:     "0123456789abcdef",
		Direction: types.DirectionBoth,
		Scope:     types.ScopeQuick,
		Window:    "since 2026-03-17T15:00:00Z",
		Phase:     wsync.PhaseFinalized,
		Elapsed:   1500 * time.Millisecond,
		Types: map[string]*wsync.TypeReport{
			"task":  {Downloaded: 3, Uploaded: 1, Conflicts: 1},
			"story": {Unchanged: 7},
		},
		Conflicts: []types.ConflictResolution{
			{Type: "task", ItemID: "T-9", Strategy: types.StrategyManual, RequiresManualAction: true, Overlapping: []string{"title"}},
		},
		Errors:  []wsync.ItemError{{Type: "task", ItemID: "T-4", Code: "TRANSIENT_REMOTE", Message: "gateway timeout"}},
		Renamed: []wsync.IDChange{{Type: "task", From: "draft-1", To: "T-10"}},
	}

	var buf bytes.Buffer
	RenderReport(&buf, rep)
	assertContains(t, buf.String(),
		"01234567", "finalized", "both", "quick", "1.5s",
		"task", "story", "total",
		"task/draft-1 is now T-10",
		"1 conflict(s) need manual action", "task/T-9", "title",
		"1 item(s) failed", "TRANSIENT_REMOTE", "gateway timeout",
	)
}

func TestRenderReport_DryRunPlan(t *testing.T) {
	rep := &wsync.Report{
		RunID:  "r1",
		DryRun: true,
		Phase:  wsync.PhaseFinalized,
		Types:  map[string]*wsync.TypeReport{"task": {}},
		Planned: []wsync.PlannedAction{
			{Type: "task", ItemID: "T-1", Classification: types.NewRemote, Action: wsync.ActionDownload},
			{Type: "task", ItemID: "T-2", Classification: types.Conflict, Action: wsync.ActionUpload,
				Strategy: types.StrategyMerge, Fields: []string{"points"}},
		},
	}
	var buf bytes.Buffer
	RenderReport(&buf, rep)
	assertContains(t, buf.String(), "Dry run", "Planned actions", "T-1", "download", "T-2", "upload", "merge points")
}

func TestRenderStatus(t *testing.T) {
	var buf bytes.Buffer
	RenderStatus(&buf, nil, cache.Stats{}, 0)
	assertContains(t, buf.String(), "empty", "never synced")

	buf.Reset()
	now := time.Now()
	meta := &types.SyncMetadata{RunID: "run-42", State: types.RunStateFailed, Direction: types.DirectionPull,
		Mode: types.ScopeFull, LastRunAt: now, Errored: 2}
	stats := cache.Stats{Items: map[string]int{"task": 4, "bug": 1}, Dirty: 2, SizeBytes: 2048}
	RenderStatus(&buf, meta, stats, 3)
	assertContains(t, buf.String(), "bug", "task", "5 item(s), 2 local edit(s)", "2.0 KiB",
		"run-42", "failed", "none", "2 item error(s)", "3 conflict(s) awaiting resolution")
}

func TestRenderConflicts(t *testing.T) {
	var buf bytes.Buffer
	RenderConflicts(&buf, nil)
	assertContains(t, buf.String(), "No unresolved conflicts")

	buf.Reset()
	RenderConflicts(&buf, []*cache.ConflictEntry{
		{RunID: "abcdef0123", RecordedAt: time.Now(), ConflictResolution: types.ConflictResolution{Type: "task", ItemID: "T-1", Overlapping: []string{"title"}}},
		{RunID: "r2", RecordedAt: time.Now(), ConflictResolution: types.ConflictResolution{Type: "task", ItemID: "T-2", RemoteDeleted: true}},
	})
	assertContains(t, buf.String(), "task/T-1", "abcdef01", "title", "task/T-2", "deleted remotely")
}

func TestRenderFieldDiff(t *testing.T) {
	c := &types.ConflictResolution{
		LocalFields:  types.NewFields("title", "Local title", "points", 3, "owner", "ann"),
		RemoteFields: types.NewFields("title", "Remote title", "points", 3, "labels", "ui"),
	}
	var buf bytes.Buffer
	RenderFieldDiff(&buf, c)
	out := buf.String()
	assertContains(t, out, "title", "Local title", "Remote title", "owner", "labels")
	if strings.Contains(out, "points") {
		t.Errorf("equal field rendered:\n%s", out)
	}

	buf.Reset()
	same := types.NewFields("title", "x")
	RenderFieldDiff(&buf, &types.ConflictResolution{LocalFields: same, RemoteFields: same.Clone()})
	assertContains(t, buf.String(), "no field differences")
}

func TestHumanBytes(t *testing.T) {
	for n, want := range map[int64]string{0: "0 B", 1023: "1023 B", 1536: "1.5 KiB", 3 << 20: "3.0 MiB"} {
		if got := humanBytes(n); got != want {
			t.Errorf("humanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

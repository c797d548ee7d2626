package main

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

func TestParseAssignment(t *testing.T) {
	tests := []struct {
		in        string
		wantName  string
		wantValue any
		wantErr   bool
	}{
		{"status=done", "status", "done", false},
		{"points=5", "points", 5, false},
		{"blocked=false", "blocked", false, false},
		{"labels=[ui, backend]", "labels", []any{"ui", "backend"}, false},
		{`points="5"`, "points", "5", false},
		{"note=", "note", "", false},
		{"title=a=b", "title", "a=b", false},
		{"status", "", nil, true},
		{"=done", "", nil, true},
		{"labels=[ui", "", nil, true},
	}
	for _, tt := range tests {
		name, value, err := parseAssignment(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseAssignment(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			if !errors.Is(err, syncerr.ErrInvalidConfig) {
				t.Errorf("parseAssignment(%q) error = %v, want invalid configuration", tt.in, err)
			}
			continue
		}
		if name != tt.wantName {
			t.Errorf("parseAssignment(%q) name = %q, want %q", tt.in, name, tt.wantName)
		}
		if diff := cmp.Diff(tt.wantValue, value); diff != "" {
			t.Errorf("parseAssignment(%q) value mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestEditItem(t *testing.T) {
	ctx := context.Background()
	store, err := cache.OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()

	synced := types.FromSnapshot(&types.RemoteSnapshot{
		ID:       "T-1",
		Type:     "task",
		Revision: "1",
		Fields:   types.NewFields("title", "write docs", "assignee", "kim"),
	})
	if err := store.Save(ctx, synced); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, err := editItem(ctx, store, "task", "T-1", []string{"status=done"}, []string{"assignee"})
	if err != nil {
		t.Fatalf("editItem: %v", err)
	}
	if !rec.IsDirty() {
		t.Error("edited record is not marked as a local change")
	}

	// The saved file must verify, or the next sync would throw the edit away.
	got, err := store.Load(ctx, "task", "T-1")
	if err != nil {
		t.Fatalf("Load after edit: %v", err)
	}
	if want := types.NewFields("title", "write docs", "status", "done"); !got.Fields.Equal(want) {
		t.Errorf("fields = %s, want %s", got.Fields, want)
	}

	created, err := editItem(ctx, store, "task", "T-2", []string{"title=new"}, nil)
	if err != nil {
		t.Fatalf("editItem(new): %v", err)
	}
	if !created.NeverSynced() {
		t.Error("new item should be a never-synced local record")
	}
}

package main

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

func TestParseSide(t *testing.T) {
	tests := []struct {
		in      string
		want    types.Strategy
		wantErr bool
	}{
		{"local", types.StrategyLocalWins, false},
		{"REMOTE", types.StrategyRemoteWins, false},
		{"local-wins", types.StrategyLocalWins, false},
		{"remote-wins", types.StrategyRemoteWins, false},
		{"merge", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := parseSide(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSide(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, syncerr.ErrInvalidConfig) {
			t.Errorf("parseSide(%q) error = %v, want invalid configuration", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseSide(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSelectEntries(t *testing.T) {
	ctx := context.Background()
	journal := cache.NewConflictJournal(t.TempDir())
	for _, id := range []string{"T-1", "T-2"} {
		res := &types.ConflictResolution{Type: "task", ItemID: id, Strategy: types.StrategyManual}
		if err := journal.Record(ctx, "run-1", res); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := selectEntries(ctx, journal, nil)
	if err != nil {
		t.Fatalf("selectEntries(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d entries, want 2", len(all))
	}

	one, err := selectEntries(ctx, journal, []string{"task/T-2"})
	if err != nil {
		t.Fatalf("selectEntries(task/T-2): %v", err)
	}
	if len(one) != 1 || one[0].ItemID != "T-2" {
		t.Fatalf("got %+v, want task/T-2", one)
	}

	if _, err := selectEntries(ctx, journal, []string{"T-2"}); !errors.Is(err, syncerr.ErrInvalidConfig) {
		t.Errorf("bare id: error = %v, want invalid configuration", err)
	}
	if _, err := selectEntries(ctx, journal, []string{"task/T-9"}); !syncerr.IsNotFound(err) {
		t.Errorf("missing entry: error = %v, want not found", err)
	}
}

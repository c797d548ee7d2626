package types

import (
	"fmt"
	"time"
)

// Direction selects which way changes flow in a run.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
	DirectionBoth Direction = "both"
)

// ParseDirection validates a direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionPull, DirectionPush, DirectionBoth:
		return d, nil
	default:
		return "", fmt.Errorf("invalid direction %q: must be pull, push or both", s)
	}
}

// Pulls reports whether remote changes are brought into the cache.
func (d Direction) Pulls() bool { return d == DirectionPull || d == DirectionBoth }

// Pushes reports whether local changes are sent to the remote.
func (d Direction) Pushes() bool { return d == DirectionPush || d == DirectionBoth }

// Scope selects how many items a run considers.
type Scope string

const (
	// ScopeQuick covers only items the remote reports as recently changed.
	ScopeQuick Scope = "quick"
	// ScopeFull covers every item of the selected types.
	ScopeFull Scope = "full"
)

// ParseScope validates a scope name.
func ParseScope(s string) (Scope, error) {
	switch sc := Scope(s); sc {
	case ScopeQuick, ScopeFull:
		return sc, nil
	default:
		return "", fmt.Errorf("invalid scope %q: must be quick or full", s)
	}
}

// RunState is the last known state of a sync run, recorded in metadata.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateFinalized RunState = "finalized"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// SyncMetadata describes the cache as of the most recent run.
//
// It is overwritten after every run that is not a dry run, so it always
// reflects what actually happened. LastSyncAt only advances when a run
// reaches the finalized state.
type SyncMetadata struct {
	LastSyncAt     time.Time      `json:"last_sync_at,omitempty" toml:"last_sync_at,omitempty"`
	LastRunAt      time.Time      `json:"last_run_at,omitempty" toml:"last_run_at,omitempty"`
	Mode           Scope          `json:"mode,omitempty" toml:"mode,omitempty"`
	Direction      Direction      `json:"direction,omitempty" toml:"direction,omitempty"`
	ScopeWindow    string         `json:"scope_window,omitempty" toml:"scope_window,omitempty"`
	RunID          string         `json:"run_id,omitempty" toml:"run_id,omitempty"`
	State          RunState       `json:"state,omitempty" toml:"state,omitempty"`
	StartedAt      time.Time      `json:"started_at,omitempty" toml:"started_at,omitempty"`
	Elapsed        string         `json:"elapsed,omitempty" toml:"elapsed,omitempty"`
	Errored        int            `json:"errored" toml:"errored"`
	CacheSizeBytes int64          `json:"cache_size_bytes" toml:"cache_size_bytes"`
	ItemCounts     map[string]int `json:"item_counts,omitempty" toml:"item_counts,omitempty"`
	ClassCounts    map[string]int `json:"class_counts,omitempty" toml:"class_counts,omitempty"`
}

// InProgress reports whether the metadata claims a live run started within
// staleAfter of now.
func (m *SyncMetadata) InProgress(now time.Time, staleAfter time.Duration) bool {
	if m == nil || m.State != RunStateRunning {
		return false
	}
	return now.Sub(m.StartedAt) < staleAfter
}

// Package remote talks to the remote work-item tracking service.
//
// An Adapter exposes exactly three operations: list the ids that changed in
// a window, fetch one item's detail, and write one item through. Adapters
// never cache; the local replica lives in internal/cache.
//
// Implementations:
//   - HTTPAdapter: JSON REST service
//   - JSONLAdapter: a JSONL export file acting as the remote
//   - Memory: in-process, deterministic, with fault injection
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/wisync/internal/types"
)

// Adapter is the remote contract used by the orchestrator.
type Adapter interface {
	// ListChanged returns the ids of items of typ changed within w. A full
	// window returns every id.
	ListChanged(ctx context.Context, typ string, w Window) ([]string, error)

	// FetchDetail returns the current remote state of one item. It returns
	// a NOT_FOUND error when the id no longer exists and a TRANSIENT_REMOTE
	// or RATE_LIMITED error for retryable failures.
	FetchDetail(ctx context.Context, typ, id string) (*types.RemoteSnapshot, error)

	// Apply writes rec through to the remote and returns the authoritative
	// post-write state. A record without a revision is created; the
	// returned id may differ from rec.ID.
	Apply(ctx context.Context, typ string, rec *types.WorkItemRecord) (*types.RemoteSnapshot, error)
}

// Window bounds ListChanged. The zero value covers all time.
type Window struct {
	Since time.Time
}

// All returns the unbounded window used by full runs.
func All() Window { return Window{} }

// Since returns a window of items changed at or after t.
func Since(t time.Time) Window { return Window{Since: t} }

// Full reports whether the window is unbounded.
func (w Window) Full() bool { return w.Since.IsZero() }

// Contains reports whether a change at t falls within the window.
func (w Window) Contains(t time.Time) bool {
	return w.Full() || !t.Before(w.Since)
}

// String renders the window for logs.
func (w Window) String() string {
	if w.Full() {
		return "all"
	}
	return "since " + w.Since.UTC().Format(time.RFC3339)
}

// Op names an adapter operation, used for fault injection and call counts.
type Op string

const (
	OpList  Op = "list"
	OpFetch Op = "fetch"
	OpApply Op = "apply"
)

// Open builds an adapter from a remote location:
//
//	https://tracker.example.com/api   HTTP adapter
//	jsonl:/path/to/export.jsonl       JSONL file
//	memory:                           empty in-memory remote
func Open(loc string, cfg HTTPConfig) (Adapter, error) {
	switch {
	case strings.HasPrefix(loc, "jsonl:"):
		a, err := OpenJSONL(strings.TrimPrefix(loc, "jsonl:"))
		if err != nil {
			return nil, err
		}
		return a, nil
	case loc == "memory:" || loc == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		cfg.BaseURL = loc
		a, err := NewHTTPAdapter(cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported remote %q: want an http(s) URL, jsonl:<path> or memory:", loc)
	}
}

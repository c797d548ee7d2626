package sync

import (
	"sort"
	gosync "sync"
	"time"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// Action is what a run does, or would do in a dry run, with one item.
type Action string

const (
	ActionNone      Action = "none"
	ActionDownload  Action = "download"
	ActionUpload    Action = "upload"
	ActionRebase    Action = "rebase"
	ActionTombstone Action = "tombstone"
	ActionManual    Action = "manual"
	ActionSkip      Action = "skip"
)

// TypeReport counts what happened to the items of one type.
type TypeReport struct {
	Downloaded   int `json:"downloaded"`
	Uploaded     int `json:"uploaded"`
	Conflicts    int `json:"conflicts"`
	AutoResolved int `json:"auto_resolved"`
	Deleted      int `json:"deleted"`
	Skipped      int `json:"skipped"`
	Unchanged    int `json:"unchanged"`
	Errored      int `json:"errored"`

	Classes map[types.Classification]int `json:"classes,omitempty"`
}

func (t *TypeReport) add(o TypeReport) {
	t.Downloaded += o.Downloaded
	t.Uploaded += o.Uploaded
	t.Conflicts += o.Conflicts
	t.AutoResolved += o.AutoResolved
	t.Deleted += o.Deleted
	t.Skipped += o.Skipped
	t.Unchanged += o.Unchanged
	t.Errored += o.Errored
	for c, n := range o.Classes {
		if t.Classes == nil {
			t.Classes = make(map[types.Classification]int)
		}
		t.Classes[c] += n
	}
}

// ItemError is a failure confined to one item.
type ItemError struct {
	Type    string       `json:"type"`
	ItemID  string       `json:"item_id"`
	Code    syncerr.Code `json:"code"`
	Message string       `json:"message"`
}

// PlannedAction is one entry of the run plan.
type PlannedAction struct {
	Type           string               `json:"type"`
	ItemID         string               `json:"item_id"`
	Classification types.Classification `json:"classification"`
	Action         Action               `json:"action"`
	Strategy       types.Strategy       `json:"strategy,omitempty"`
	Fields         []string             `json:"fields,omitempty"`
}

// IDChange records a provisional local id replaced by the id the remote
// assigned on creation.
type IDChange struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Report is the result of one run.
type Report struct {
	RunID     string          `json:"run_id"`
	Direction types.Direction `json:"direction"`
	Scope     types.Scope     `json:"scope"`
	DryRun    bool            `json:"dry_run"`
	Window    string          `json:"window,omitempty"`
	Phase     Phase           `json:"phase"`
	StartedAt time.Time       `json:"started_at"`
	Elapsed   time.Duration   `json:"elapsed"`

	Types     map[string]*TypeReport     `json:"types"`
	Conflicts []types.ConflictResolution `json:"conflicts,omitempty"`
	Errors    []ItemError                `json:"errors,omitempty"`
	Planned   []PlannedAction            `json:"planned,omitempty"`
	Renamed   []IDChange                 `json:"renamed,omitempty"`

	// done counts, per classification, the items whose work finished.
	done map[types.Classification]int
	mu   gosync.Mutex
}

func newReport(runID string, req Request, start time.Time) *Report {
	return &Report{
		RunID:     runID,
		Direction: req.Direction,
		Scope:     req.Scope,
		DryRun:    req.DryRun,
		Phase:     PhaseIdle,
		StartedAt: start,
		Types:     make(map[string]*TypeReport),
	}
}

// Clean reports whether the run left no unresolved conflicts and no item
// errors.
func (r *Report) Clean() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Conflicts) == 0 && len(r.Errors) == 0
}

// Totals sums the per-type counts.
func (r *Report) Totals() TypeReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t TypeReport
	for _, tr := range r.Types {
		t.add(*tr)
	}
	return t
}

// TypeNames returns the reported types, sorted.
func (r *Report) TypeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.Types))
	for name := range r.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// count applies fn to the counters of typ under the report lock.
func (r *Report) count(typ string, fn func(*TypeReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.Types[typ]
	if !ok {
		tr = &TypeReport{}
		r.Types[typ] = tr
	}
	fn(tr)
}

// finished records that the work for one item is complete.
func (r *Report) finished(c types.Classification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		r.done = make(map[types.Classification]int)
	}
	r.done[c]++
}

func (r *Report) itemError(typ, id string, err error) {
	r.count(typ, func(tr *TypeReport) { tr.Errored++ })
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, ItemError{Type: typ, ItemID: id, Code: syncerr.CodeOf(err), Message: err.Error()})
}

func (r *Report) conflict(res types.ConflictResolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Conflicts = append(r.Conflicts, res)
}

func (r *Report) plan(a PlannedAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Planned = append(r.Planned, a)
}

// unplan drops the planned action and the reported conflict of one item.
func (r *Report) unplan(typ, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	planned := r.Planned[:0]
	for _, a := range r.Planned {
		if a.Type != typ || a.ItemID != id {
			planned = append(planned, a)
		}
	}
	r.Planned = planned
	conflicts := r.Conflicts[:0]
	for _, c := range r.Conflicts {
		if c.Type != typ || c.ItemID != id {
			conflicts = append(conflicts, c)
		}
	}
	r.Conflicts = conflicts
}

func (r *Report) renamed(c IDChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Renamed = append(r.Renamed, c)
}

// sortEntries orders the list fields by type then id so reports are stable
// regardless of worker scheduling.
func (r *Report) sortEntries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Slice(r.Conflicts, func(a, b int) bool {
		return r.Conflicts[a].Key() < r.Conflicts[b].Key()
	})
	sort.Slice(r.Errors, func(a, b int) bool {
		return types.ItemKey(r.Errors[a].Type, r.Errors[a].ItemID) < types.ItemKey(r.Errors[b].Type, r.Errors[b].ItemID)
	})
	sort.Slice(r.Planned, func(a, b int) bool {
		return types.ItemKey(r.Planned[a].Type, r.Planned[a].ItemID) < types.ItemKey(r.Planned[b].Type, r.Planned[b].ItemID)
	})
	sort.Slice(r.Renamed, func(a, b int) bool {
		return types.ItemKey(r.Renamed[a].Type, r.Renamed[a].From) < types.ItemKey(r.Renamed[b].Type, r.Renamed[b].From)
	})
}

// classCounts flattens the classification counts of finished items for
// metadata. Items a run planned but never completed are not included.
func (r *Report) classCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for c, n := range r.done {
		out[string(c)] += n
	}
	return out
}

// EventKind names a run event.
type EventKind string

const (
	EventRunStarted    EventKind = "run_started"
	EventItemApplied   EventKind = "item_applied"
	EventConflictFound EventKind = "conflict_found"
	EventRunFinished   EventKind = "run_finished"
)

// Event is published to the Notifier while a run progresses.
type Event struct {
	Kind   EventKind `json:"kind"`
	RunID  string    `json:"run_id"`
	At     time.Time `json:"at"`
	Type   string    `json:"type,omitempty"`
	ItemID string    `json:"item_id,omitempty"`
	Action Action    `json:"action,omitempty"`
	Phase  Phase     `json:"phase,omitempty"`

	Conflict *types.ConflictResolution `json:"conflict,omitempty"`
	Totals   *TypeReport               `json:"totals,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// Notifier receives run events. Notify must not block for long; it is
// called from the worker goroutines.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

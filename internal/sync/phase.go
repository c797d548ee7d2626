package sync

import (
	"fmt"
	"log/slog"
	gosync "sync"

	"github.com/steveyegge/wisync/internal/syncerr"
)

// Phase is a step of a sync run.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseScoping     Phase = "scoping"
	PhaseFetching    Phase = "fetching"
	PhaseReconciling Phase = "reconciling"
	PhaseResolving   Phase = "resolving"
	PhaseApplying    Phase = "applying"
	PhaseFinalized   Phase = "finalized"
	PhaseFailed      Phase = "failed"
	PhaseCancelled   Phase = "cancelled"
)

// transitions lists the legal successors of each phase. Failed and
// Cancelled are reachable from every working phase. A dry run goes from
// Resolving straight to Finalized.
var transitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseScoping, PhaseFailed},
	PhaseScoping:     {PhaseFetching, PhaseFailed, PhaseCancelled},
	PhaseFetching:    {PhaseReconciling, PhaseFailed, PhaseCancelled},
	PhaseReconciling: {PhaseResolving, PhaseFailed, PhaseCancelled},
	PhaseResolving:   {PhaseApplying, PhaseFinalized, PhaseFailed, PhaseCancelled},
	PhaseApplying:    {PhaseFinalized, PhaseFailed, PhaseCancelled},
}

// Terminal reports whether no phase follows p.
func (p Phase) Terminal() bool {
	return p == PhaseFinalized || p == PhaseFailed || p == PhaseCancelled
}

// CanTransition reports whether a run may move from one phase to another.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// phaseTracker holds the current phase of one run.
type phaseTracker struct {
	mu      gosync.Mutex
	cur     Phase
	history []Phase
	logger  *slog.Logger
}

func newPhaseTracker(logger *slog.Logger) *phaseTracker {
	return &phaseTracker{cur: PhaseIdle, history: []Phase{PhaseIdle}, logger: logger}
}

// transition moves to the next phase. An illegal move is an internal error
// and leaves the phase unchanged.
func (t *phaseTracker) transition(to Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !CanTransition(t.cur, to) {
		return syncerr.New(syncerr.CodeInternal, "sync.phase",
			fmt.Errorf("illegal phase transition %s -> %s", t.cur, to))
	}
	t.logger.Debug("phase", "from", t.cur, "to", to)
	t.cur = to
	t.history = append(t.history, to)
	return nil
}

func (t *phaseTracker) current() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

// path returns the phases visited so far.
func (t *phaseTracker) path() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.history...)
}

package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	wsync "github.com/steveyegge/wisync/internal/sync"
)

// StatsData aggregates what the dashboard has seen since it started.
type StatsData struct {
	Runs       int               `json:"runs"`
	Running    bool              `json:"running"`
	CurrentRun string            `json:"current_run,omitempty"`
	Applied    int               `json:"applied"`
	Conflicts  int               `json:"conflicts"`
	Failed     int               `json:"failed"`
	LastRunAt  time.Time         `json:"last_run_at,omitempty"`
	LastPhase  wsync.Phase       `json:"last_phase,omitempty"`
	LastTotals *wsync.TypeReport `json:"last_totals,omitempty"`
}

// Notifier turns orchestrator events into dashboard messages. It
// implements sync.Notifier.
type Notifier struct {
	server *Server
	logger *slog.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ wsync.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier broadcasting on server and installs its
// stats as the server status.
func NewNotifier(server *Server, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default().With("component", "dashboard")
	}
	n := &Notifier{server: server, logger: logger}
	server.SetStatus(func() any { return n.Stats() })
	return n
}

// Notify implements sync.Notifier.
func (n *Notifier) Notify(e wsync.Event) {
	n.record(e)

	data, err := json.Marshal(e)
	if err != nil {
		n.logger.Warn("failed to marshal event", "kind", e.Kind, "error", err)
		return
	}
	n.server.Broadcast(Message{Type: messageType(e.Kind), Timestamp: e.At, Data: data})

	if e.Kind == wsync.EventRunFinished {
		n.broadcastStats()
	}
}

func (n *Notifier) record(e wsync.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch e.Kind {
	case wsync.EventRunStarted:
		n.stats.Runs++
		n.stats.Running = true
		n.stats.CurrentRun = e.RunID
	case wsync.EventItemApplied:
		n.stats.Applied++
	case wsync.EventConflictFound:
		n.stats.Conflicts++
	case wsync.EventRunFinished:
		n.stats.Running = false
		n.stats.CurrentRun = ""
		n.stats.LastRunAt = e.At
		n.stats.LastPhase = e.Phase
		n.stats.LastTotals = e.Totals
		if e.Phase == wsync.PhaseFailed {
			n.stats.Failed++
		}
	}
}

func messageType(kind wsync.EventKind) MessageType {
	switch kind {
	case wsync.EventRunStarted:
		return MessageTypeRunStarted
	case wsync.EventItemApplied:
		return MessageTypeItemApplied
	case wsync.EventConflictFound:
		return MessageTypeConflict
	default:
		return MessageTypeRunFinished
	}
}

func (n *Notifier) broadcastStats() {
	data, err := json.Marshal(n.Stats())
	if err != nil {
		n.logger.Warn("failed to marshal stats", "error", err)
		return
	}
	n.server.Broadcast(Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data})
}

// Stats returns the current statistics.
func (n *Notifier) Stats() StatsData {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

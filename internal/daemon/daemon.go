// Package daemon keeps the cache and the remote in step in the background.
//
// The daemon:
//  1. Runs a quick two-way sync on startup
//  2. Watches the cache item directories for local edits
//  3. Pushes types written through the cache store once writes settle (debouncing)
//  4. Pulls remote changes on a fixed interval
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	wsync "github.com/steveyegge/wisync/internal/sync"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// Config holds configuration for the daemon.
type Config struct {
	// Types are the item types to watch and sync.
	Types []string

	// PullInterval is how often to run a quick two-way sync.
	PullInterval time.Duration

	// DebounceInterval is how long a type must be quiet before its local
	// edits are pushed. This batches rapid saves together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PullInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           slog.Default().With("component", "daemon"),
	}
}

// Stats describes what the daemon has done so far.
type Stats struct {
	Runs       int           `json:"runs"`
	Failures   int           `json:"failures"`
	LastRunAt  time.Time     `json:"last_run_at,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	LastReport *wsync.Report `json:"last_report,omitempty"`
}

// Daemon drives a Syncer from file events and a timer.
type Daemon struct {
	syncer   wsync.Syncer
	itemsDir string
	config   *Config

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // type -> last event
	changeQueueMu sync.Mutex

	runMu   sync.Mutex
	statsMu sync.Mutex
	stats   Stats

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Daemon for the file cache whose item directories live
// under itemsDir. Use Start to begin watching and syncing.
func New(syncer wsync.Syncer, itemsDir string, itemTypes []string) (*Daemon, error) {
	cfg := DefaultConfig()
	cfg.Types = itemTypes
	return NewWithConfig(syncer, itemsDir, cfg)
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(syncer wsync.Syncer, itemsDir string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if itemsDir == "" {
		return nil, fmt.Errorf("itemsDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Types) == 0 {
		return nil, fmt.Errorf("at least one item type is required")
	}
	def := DefaultConfig()
	if config.PullInterval <= 0 {
		config.PullInterval = def.PullInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	watcher, err := NewFileWatcher(itemsDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:      syncer,
		itemsDir:    itemsDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
//
// A fatal error from the initial sync (bad configuration, unreachable
// remote) is returned; other run failures are logged and retried on the
// next tick.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Info("starting daemon", "types", d.config.Types,
		"pull_interval", d.config.PullInterval, "debounce", d.config.DebounceInterval)

	if _, err := d.RunOnce(ctx, wsync.Request{Direction: types.DirectionBoth, Scope: types.ScopeQuick}); err != nil {
		if syncerr.IsFatal(err) && !errors.Is(err, syncerr.ErrRunInProgress) {
			d.Stop()
			return fmt.Errorf("initial sync failed: %w", err)
		}
	}

	if err := d.watcher.Start(d.config.Types); err != nil {
		d.Stop()
		return err
	}
	d.config.Logger.Info("watching", "dir", d.itemsDir)

	d.wg.Add(3)
	go d.watchItemEvents()
	go d.processChangeQueue()
	go d.pullLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It waits for a running sync to
// observe cancellation.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.config.Logger.Info("stopping daemon")
		d.cancel()
		if werr := d.watcher.Stop(); werr != nil {
			err = werr
		}
		d.wg.Wait()
		d.config.Logger.Info("daemon stopped")
	})
	return err
}

// RunOnce runs one sync, serialised with the daemon's own runs.
func (d *Daemon) RunOnce(ctx context.Context, req wsync.Request) (*wsync.Report, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	rep, err := d.syncer.Sync(ctx, req)

	d.statsMu.Lock()
	d.stats.Runs++
	d.stats.LastRunAt = time.Now()
	d.stats.LastReport = rep
	d.stats.LastError = ""
	if err != nil {
		d.stats.Failures++
		d.stats.LastError = err.Error()
	}
	d.statsMu.Unlock()

	if err != nil {
		d.config.Logger.Warn("sync run failed", "direction", req.Direction, "types", req.Types, "error", err)
	}
	return rep, err
}

// Stats returns a snapshot of the daemon counters.
func (d *Daemon) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// watchItemEvents queues the type of every item file written under the items directory.
func (d *Daemon) watchItemEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpDelete {
				// Local removals are not propagated; remote deletions are.
				d.config.Logger.Debug("ignoring local removal", "item", types.ItemKey(event.Type, event.ID))
				continue
			}
			d.config.Logger.Debug("item event", "op", event.Op, "item", types.ItemKey(event.Type, event.ID))
			d.queueChange(event.Type)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Warn("watcher error", "error", err)
		}
	}
}

// queueChange marks typ as edited now.
func (d *Daemon) queueChange(typ string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[typ] = time.Now()
}

// processChangeQueue pushes queued types once they settle.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(max(d.config.DebounceInterval/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges pushes every type that has been quiet for the
// debounce interval in one run.
func (d *Daemon) processPendingChanges() {
	settled := d.takeSettled(time.Now())
	if len(settled) == 0 {
		return
	}

	d.config.Logger.Info("pushing local edits", "types", settled)
	_, err := d.RunOnce(d.ctx, wsync.Request{Direction: types.DirectionPush, Scope: types.ScopeQuick, Types: settled})
	if errors.Is(err, syncerr.ErrRunInProgress) {
		// Another process holds the cache; try again on the next tick.
		for _, typ := range settled {
			d.queueChange(typ)
		}
	}
}

// takeSettled removes and returns the queued types quiet since before
// now minus the debounce interval.
func (d *Daemon) takeSettled(now time.Time) []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	var settled []string
	for typ, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		settled = append(settled, typ)
		delete(d.changeQueue, typ)
	}
	sort.Strings(settled)
	return settled
}

// pullLoop runs a quick two-way sync on every tick.
func (d *Daemon) pullLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(d.ctx, wsync.Request{Direction: types.DirectionBoth, Scope: types.ScopeQuick})
		}
	}
}

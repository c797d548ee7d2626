package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/wisync/internal/daemon"
	"github.com/steveyegge/wisync/internal/dashboard"
	wsync "github.com/steveyegge/wisync/internal/sync"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/ui"
)

var watchDashboard bool

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "advanced",
	Short:   "Keep the cache in sync in the background",
	Long: `Run a long-lived sync loop:
  - an initial quick two-way sync
  - a push of an item type shortly after one of its items is saved
    to the cache (for example by wisync edit)
  - a quick two-way sync every daemon.interval

Requires the files cache backend, whose item files are watched for writes.
Change items with wisync edit rather than by hand: a hand-edited file no
longer matches its stored hash, is reported as an error by the push and is
replaced with the remote copy by the next pull.
Stop with Ctrl+C.

Examples:
  wisync watch
  wisync watch --dashboard             # also serve live progress`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(watchDashboard)
	},
}

// runWatch runs the daemon until interrupted, optionally serving the
// dashboard alongside it.
func runWatch(withDashboard bool) error {
	itemsDir := cfg.ItemsDir()
	if itemsDir == "" {
		return syncerr.Config("watch requires cache.backend files, got %q", cfg.Cache.Backend)
	}
	if err := os.MkdirAll(itemsDir, 0755); err != nil {
		return syncerr.New(syncerr.CodeCacheIO, "watch", err)
	}

	ctx, stop := signalContext()
	defer stop()

	var notifier wsync.Notifier
	if withDashboard {
		server, err := startDashboard()
		if err != nil {
			return err
		}
		defer server.Stop()
		notifier = dashboard.NewNotifier(server, logger.With("component", "dashboard"))
	}

	eng, err := cfg.NewEngine(ctx, logger, notifier)
	if err != nil {
		return err
	}
	defer eng.Close()

	d, err := daemon.NewWithConfig(eng.Orchestrator, itemsDir, &daemon.Config{
		Types:            cfg.Sync.Types,
		PullInterval:     cfg.Daemon.Interval,
		DebounceInterval: cfg.Daemon.Debounce,
		Logger:           logger.With("component", "daemon"),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s Watching %s (Ctrl+C to stop)\n", ui.RenderAccent("▶"), itemsDir)
	if err := d.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	stats := d.Stats()
	fmt.Fprintf(os.Stderr, "%s Stopped after %d run(s), %d failure(s)\n", ui.RenderPass("✓"), stats.Runs, stats.Failures)
	return nil
}

func startDashboard() (*dashboard.Server, error) {
	server := dashboard.NewServer(&dashboard.Config{
		Port:   cfg.Dashboard.Port,
		Logger: logger.With("component", "dashboard"),
	})
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dashboard: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s Dashboard on http://%s\n", ui.RenderAccent("▶"), server.GetAddr())
	return server, nil
}

func init() {
	watchCmd.Flags().BoolVar(&watchDashboard, "dashboard", false, "Serve the live dashboard while watching")
	rootCmd.AddCommand(watchCmd)
}

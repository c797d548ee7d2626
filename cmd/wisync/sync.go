package main

import (
	"os"

	"github.com/spf13/cobra"

	wsync "github.com/steveyegge/wisync/internal/sync"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
	"github.com/steveyegge/wisync/internal/ui"
)

var (
	syncDirection string
	syncScope     string
	syncDryRun    bool
	syncTypes     []string
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile the local cache with the remote",
	Long: `Run one sync between the local cache and the remote tracker.

Each item is classified by comparing the cached fields with the hash recorded
at the last sync and the remote revision:
  - remote-only changes are downloaded
  - local-only edits are uploaded
  - edits on both sides go through the configured conflict strategy

A quick sync only considers items the remote changed inside the quick window
plus local edits. A full sync lists every item of the selected types.

Exit status is 0 for a clean run, 2 when conflicts need manual action or
items failed, and 1 when the run itself failed.

Examples:
  wisync sync                          # quick two-way sync
  wisync sync --scope full             # walk every item
  wisync sync --direction pull --type task
  wisync sync --dry-run                # show the plan without writing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, err := types.ParseDirection(syncDirection)
		if err != nil {
			return syncerr.Config("%v", err)
		}
		scope, err := types.ParseScope(syncScope)
		if err != nil {
			return syncerr.Config("%v", err)
		}

		ctx, stop := signalContext()
		defer stop()

		eng, err := cfg.NewEngine(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer eng.Close()

		rep, err := eng.Orchestrator.Sync(ctx, wsync.Request{
			Direction: direction,
			Scope:     scope,
			DryRun:    syncDryRun,
			Types:     syncTypes,
		})
		if rep != nil {
			if jsonOut {
				if err := outputJSON(rep); err != nil {
					return err
				}
			} else {
				ui.RenderReport(os.Stdout, rep)
			}
		}
		if err != nil {
			return err
		}
		if !rep.Clean() {
			return exitCodeError(exitUnclean)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncDirection, "direction", string(types.DirectionBoth), "Sync direction: pull, push or both")
	syncCmd.Flags().StringVar(&syncScope, "scope", string(types.ScopeQuick), "Sync scope: quick or full")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Plan the sync without writing anything")
	syncCmd.Flags().StringSliceVarP(&syncTypes, "type", "t", nil, "Restrict to these item types (repeatable)")
	rootCmd.AddCommand(syncCmd)
}

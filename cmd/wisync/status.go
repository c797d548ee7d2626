package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/types"
	"github.com/steveyegge/wisync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache contents and the last sync run",
	Long: `Show how many items the cache holds per type, how many carry local edits,
the state of the last sync run and the number of conflicts awaiting manual
resolution. The remote is not contacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := cfg.OpenStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		meta, err := store.ReadMetadata(ctx)
		if err != nil {
			return err
		}
		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		pending, err := cache.NewConflictJournal(cfg.Cache.Root).List(ctx)
		if err != nil {
			return err
		}

		if jsonOut {
			return outputJSON(struct {
				Cache     cache.Stats         `json:"cache"`
				LastRun   *types.SyncMetadata `json:"last_run,omitempty"`
				Conflicts int                 `json:"conflicts"`
			}{stats, meta, len(pending)})
		}
		ui.RenderStatus(os.Stdout, meta, stats, len(pending))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

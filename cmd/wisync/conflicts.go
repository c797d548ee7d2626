package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
	"github.com/steveyegge/wisync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and settle conflicts that need manual action",
	Long: `Conflicts that the configured strategy could not settle are kept in a
journal under the cache root until they are resolved by hand. A later sync
that sees the item again replaces the entry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return conflictsListCmd.RunE(cmd, args)
	},
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := cache.NewConflictJournal(cfg.Cache.Root).List(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			if entries == nil {
				entries = []*cache.ConflictEntry{}
			}
			return outputJSON(entries)
		}
		ui.RenderConflicts(os.Stdout, entries)
		return nil
	},
}

var resolveTake string

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [type/id]...",
	Short: "Settle conflicts by keeping the local or the remote side",
	Long: `Settle journalled conflicts by keeping one side.

  --take local    write the cached fields to the remote
  --take remote   replace the cached record with the current remote version

The remote is fetched again before anything is written. Without arguments
every journalled conflict is settled. Without --take on a terminal, each
conflict is shown field by field and you are asked which side to keep.

Examples:
  wisync conflicts resolve task/T-12 --take remote
  wisync conflicts resolve --take local
  wisync conflicts resolve             # interactive`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive := resolveTake == ""
		if interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
			return syncerr.Config("--take is required when stdin is not a terminal")
		}
		var side types.Strategy
		if !interactive {
			var err error
			if side, err = parseSide(resolveTake); err != nil {
				return err
			}
		}

		ctx, stop := signalContext()
		defer stop()

		eng, err := cfg.NewEngine(ctx, logger, nil)
		if err != nil {
			return err
		}
		defer eng.Close()

		entries, err := selectEntries(ctx, eng.Journal, args)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println(ui.RenderPass("No unresolved conflicts"))
			return nil
		}

		failed := 0
		for _, e := range entries {
			key := types.ItemKey(e.Type, e.ItemID)
			choice := side
			if interactive {
				if choice, err = promptSide(e); err != nil {
					return err
				}
				if choice == "" {
					fmt.Printf("%s %s skipped\n", ui.RenderMuted("-"), key)
					continue
				}
			}
			action, err := eng.Orchestrator.Settle(ctx, e.Type, e.ItemID, choice)
			if err != nil {
				if syncerr.IsFatal(err) {
					return err
				}
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), key, err)
				failed++
				continue
			}
			fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), key, action)
		}
		if failed > 0 {
			return exitCodeError(exitUnclean)
		}
		return nil
	},
}

func parseSide(s string) (types.Strategy, error) {
	switch strings.ToLower(s) {
	case "local", string(types.StrategyLocalWins):
		return types.StrategyLocalWins, nil
	case "remote", string(types.StrategyRemoteWins):
		return types.StrategyRemoteWins, nil
	default:
		return "", syncerr.Config("--take must be local or remote, got %q", s)
	}
}

// selectEntries returns the journal entries named by args, or all of them.
func selectEntries(ctx context.Context, journal *cache.ConflictJournal, args []string) ([]*cache.ConflictEntry, error) {
	if len(args) == 0 {
		return journal.List(ctx)
	}
	var out []*cache.ConflictEntry
	for _, arg := range args {
		typ, id, ok := strings.Cut(arg, "/")
		if !ok || typ == "" || id == "" {
			return nil, syncerr.Config("item %q must be written as type/id", arg)
		}
		e, err := journal.Get(ctx, typ, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, syncerr.Item(syncerr.CodeNotFound, "conflicts.resolve", typ, id,
				fmt.Errorf("no journalled conflict"))
		}
		out = append(out, e)
	}
	return out, nil
}

// promptSide shows the conflicting fields and asks which side to keep. An
// empty result means skip.
func promptSide(e *cache.ConflictEntry) (types.Strategy, error) {
	fmt.Println(ui.RenderBold(types.ItemKey(e.Type, e.ItemID)))
	if e.RemoteDeleted {
		fmt.Println(ui.RenderWarn("deleted on the remote, edited locally"))
	}
	ui.RenderFieldDiff(os.Stdout, &e.ConflictResolution)

	var choice string
	err := huh.NewSelect[string]().
		Title("Keep which side?").
		Options(
			huh.NewOption("Local (upload cached fields)", "local"),
			huh.NewOption("Remote (discard local edits)", "remote"),
			huh.NewOption("Skip", ""),
		).
		Value(&choice).
		Run()
	if err != nil {
		return "", err
	}
	if choice == "" {
		return "", nil
	}
	return parseSide(choice)
}

func init() {
	conflictsResolveCmd.Flags().StringVar(&resolveTake, "take", "", "Side to keep: local or remote")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/wisync/internal/config"
	"github.com/steveyegge/wisync/internal/logging"
	"github.com/steveyegge/wisync/internal/syncerr"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	// exitUnclean means the run finished but left conflicts or item errors.
	exitUnclean = 2
)

var (
	cfgFile string
	verbose bool
	jsonOut bool

	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer = nopCloser{}
)

var rootCmd = &cobra.Command{
	Use:   "wisync",
	Short: "Work-item sync and local cache",
	Long: `wisync mirrors features, stories and tasks from a remote tracker into a
local cache, detects edits made on either side and reconciles them.

Configuration is read from .wisync/config.yaml (or .toml), $HOME/.config/wisync,
a .env file and WISYNC_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(config.Options{File: cfgFile})
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		l, closer, err := logging.New(logging.Options{
			Level:      level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		})
		if err != nil {
			return syncerr.Config("log: %v", err)
		}
		logger, logCloser = l, closer
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logCloser.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default .wisync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced commands:"},
	)
}

// Execute runs the root command and exits with its status.
func Execute() {
	err := rootCmd.Execute()
	_ = logCloser.Close()
	if err == nil {
		return
	}
	var ec exitCodeError
	if errors.As(err, &ec) {
		os.Exit(int(ec))
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitFailure)
}

// exitCodeError ends the process with a status after output was written.
type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

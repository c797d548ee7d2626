package main

import (
	"github.com/spf13/cobra"
)

var dashboardPort int

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Watch and serve live sync progress over WebSocket",
	Long: `Start the background sync loop together with a dashboard server.

Endpoints:
  /ws       WebSocket stream of run_started, item_applied, conflict_found,
            run_finished and stats messages
  /status   current counters as JSON
  /health   liveness probe

Examples:
  wisync dashboard
  wisync dashboard --port 9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port = dashboardPort
		}
		return runWatch(true)
	},
}

func init() {
	dashboardCmd.Flags().IntVarP(&dashboardPort, "port", "p", 8080, "Port to listen on (overrides dashboard.port)")
	rootCmd.AddCommand(dashboardCmd)
}

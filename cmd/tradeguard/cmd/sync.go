package cmd

import (
	"context"

	"github.com/rustyeddy/tradeguard/internal/app"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the ledger with the broker",
}

var syncRunCmd = &cobra.Command{
	Use:   "run [account...]",
	Short: "Run one sync actor per account until interrupted",
	Long: `Starts a sync actor for each listed account, or for every account in
the ledger, and serves Prometheus metrics when --metrics-addr or
metrics.addr is set.

The paper venue is read from broker.state_file (by default next to the
ledger) when the command starts and written back when it stops. Orders
placed by other commands while sync runs are picked up on its next start.

Example:
  tradeguard sync run --metrics-addr :9102`,
	RunE: runSync,
}

var syncMetricsAddr string

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncRunCmd)

	syncRunCmd.Flags().StringVar(&syncMetricsAddr, "metrics-addr", "", "listen address for /metrics and /healthz")
}

func runSync(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		if syncMetricsAddr != "" {
			a.Config.Metrics.Addr = syncMetricsAddr
		}
		return a.Run(ctx, args...)
	})
}

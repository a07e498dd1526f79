package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rustyeddy/tradeguard/internal/app"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk one trade through its lifecycle against the paper broker",
	Long: `Runs in memory and touches nothing on disk:

  1. Open an account at level 2 with 10000 deposited
  2. Draft, fund and submit a long bracket on ACME
  3. Fill the entry and the target at the paper broker
  4. Let a sync actor reconcile the fills into the ledger
  5. Show the settled balance and the level engine's view`,
	RunE: runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Ledger.Driver, cfg.Ledger.Path = "memory", ""
	cfg.Metrics.Addr = ""

	a, err := app.New(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return demo(cmd.Context(), cmd.OutOrStdout(), a)
}

func demo(ctx context.Context, out io.Writer, a *app.App) error {
	fmt.Fprintln(out, "=== Tradeguard Demo ===")
	fmt.Fprintln(out)

	acct, err := a.Trades.OpenAccount(ctx, trade.AccountRequest{
		ID:      "acct_demo",
		Name:    "demo",
		Rules:   model.RiskRules{MaxRiskPerTradePct: decimal.NewFromInt(1), MaxMonthlyRiskPct: decimal.NewFromInt(4)},
		Level:   2,
		Deposit: decimal.NewFromInt(10_000),
	})
	if err != nil {
		return err
	}
	if err := a.Trades.AddVehicle(ctx, model.Vehicle{Symbol: "ACME", Class: model.ClassEquity, LotSize: decimal.NewFromInt(1)}); err != nil {
		return err
	}
	fmt.Fprintf(out, "Account %s: level %d, 1%% per trade, 4%% per month\n\n", acct.ID, acct.Level)

	t, err := a.Trades.Draft(ctx, trade.DraftRequest{
		AccountID: acct.ID,
		Symbol:    "ACME",
		Side:      model.Long,
		Entry:     decimal.NewFromInt(50),
		Stop:      decimal.NewFromInt(49),
		Target:    decimal.NewFromInt(53),
	})
	if err != nil {
		return err
	}
	if t, err = a.Trades.Fund(ctx, t.ID); err != nil {
		return err
	}
	fmt.Fprintf(out, "Funded %s: %s shares, risking %s (half of 1%% at level 2)\n", t.ID, t.Quantity, t.RiskAmount.StringFixed(2))

	if t, err = a.Trades.Submit(ctx, t.ID); err != nil {
		return err
	}
	orders, err := a.Trades.Orders(ctx, t.ID)
	if err != nil {
		return err
	}
	legs := model.LegsOf(orders)
	fmt.Fprintf(out, "Submitted: entry %s, stop %s, target %s\n\n",
		legs[model.OrderEntry].ExternalID, legs[model.OrderStop].ExternalID, legs[model.OrderTarget].ExternalID)

	fmt.Fprintln(out, "Broker fills the entry, then the target...")
	for _, kind := range []model.OrderKind{model.OrderEntry, model.OrderTarget} {
		if err := a.Venue.Fill(legs[kind].ExternalID, decimal.Zero); err != nil {
			return err
		}
	}

	actor := a.NewActor(acct.ID)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go actor.Run(runCtx)
	if err := actor.SyncNow(ctx); err != nil {
		return err
	}
	if err := actor.Shutdown(ctx); err != nil {
		return err
	}
	for ev := range actor.Events() {
		fmt.Fprintf(out, "  sync: %s %s at %s\n", ev.Kind, ev.OrderID, ev.Price)
	}

	if t, err = a.Trades.Get(ctx, t.ID); err != nil {
		return err
	}
	balance, available, err := a.Trades.Balance(ctx, acct.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTrade %s: exit %s, P/L %s\n", t.State, t.ExitPrice, t.RealizedPnL.StringFixed(2))
	fmt.Fprintf(out, "Balance %s, available %s\n", balance.StringFixed(2), available.StringFixed(2))

	ev, err := a.Levels.Evaluate(ctx, acct.ID, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nLevel engine: %d closed trade(s), %s%% wins\n", ev.Performance.Trades, ev.Performance.WinRatePct.StringFixed(2))
	printDecision(out, ev)
	return nil
}

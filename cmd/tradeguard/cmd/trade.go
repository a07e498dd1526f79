package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rustyeddy/tradeguard/internal/app"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var tradeCmd = &cobra.Command{
	Use:   "trade",
	Short: "Draft, fund, submit and manage bracket trades",
	Long: `A trade moves draft -> funded -> submitted -> filled -> closed, or is
canceled before it fills. Funding is refused when the trade would break the
account's per-trade or monthly risk limit or exceed its available balance.

Examples:
  tradeguard trade draft --account acct_main --symbol ACME --side long --entry 50 --stop 49 --target 53
  tradeguard trade fund trd_01J...
  tradeguard trade submit trd_01J...`,
}

var tradeDraftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Record a new bracket trade",
	RunE:  runTradeDraft,
}

var tradeFundCmd = &cobra.Command{
	Use:   "fund <trade>",
	Short: "Size the trade and reserve its risk budget",
	Args:  cobra.ExactArgs(1),
	RunE: tradeOp(func(ctx context.Context, m *trade.Machine, id string) (model.Trade, error) {
		return m.Fund(ctx, id)
	}),
}

var tradeSubmitCmd = &cobra.Command{
	Use:   "submit <trade>",
	Short: "Send the three legs to the broker",
	Args:  cobra.ExactArgs(1),
	RunE: tradeOp(func(ctx context.Context, m *trade.Machine, id string) (model.Trade, error) {
		return m.Submit(ctx, id)
	}),
}

var tradeCancelCmd = &cobra.Command{
	Use:   "cancel <trade>",
	Short: "Cancel a trade that has not filled",
	Args:  cobra.ExactArgs(1),
	RunE: tradeOp(func(ctx context.Context, m *trade.Machine, id string) (model.Trade, error) {
		return m.Cancel(ctx, id)
	}),
}

var tradeModifyCmd = &cobra.Command{
	Use:   "modify <trade>",
	Short: "Move the stop or target of a live trade",
	Args:  cobra.ExactArgs(1),
	RunE:  runTradeModify,
}

var tradeCloseCmd = &cobra.Command{
	Use:   "close <trade>",
	Short: "Close a filled trade at market",
	Args:  cobra.ExactArgs(1),
	RunE:  runTradeClose,
}

var tradeShowCmd = &cobra.Command{
	Use:   "show <trade>",
	Short: "Show a trade and its legs",
	Args:  cobra.ExactArgs(1),
	RunE:  runTradeShow,
}

var tradeJournalCmd = &cobra.Command{
	Use:   "journal <account>",
	Short: "Export the account's trades as CSV",
	Args:  cobra.ExactArgs(1),
	RunE:  runTradeJournal,
}

var (
	tdAccount  string
	tdSymbol   string
	tdSide     string
	tdEntry    string
	tdStop     string
	tdTarget   string
	tdQuantity string
	tdOutput   string
)

func init() {
	rootCmd.AddCommand(tradeCmd)
	tradeCmd.AddCommand(tradeDraftCmd, tradeFundCmd, tradeSubmitCmd, tradeCancelCmd,
		tradeModifyCmd, tradeCloseCmd, tradeShowCmd, tradeJournalCmd)

	f := tradeDraftCmd.Flags()
	f.StringVar(&tdAccount, "account", "", "account id (required)")
	f.StringVar(&tdSymbol, "symbol", "", "instrument symbol (required)")
	f.StringVar(&tdSide, "side", "long", "long or short")
	f.StringVar(&tdEntry, "entry", "", "entry price (required)")
	f.StringVar(&tdStop, "stop", "", "stop-loss price (required)")
	f.StringVar(&tdTarget, "target", "", "take-profit price (required)")
	f.StringVar(&tdQuantity, "qty", "", "quantity; sized from the risk budget when empty")
	for _, name := range []string{"account", "symbol", "entry", "stop", "target"} {
		tradeDraftCmd.MarkFlagRequired(name)
	}

	tradeModifyCmd.Flags().StringVar(&tdStop, "stop", "", "new stop-loss price")
	tradeModifyCmd.Flags().StringVar(&tdTarget, "target", "", "new take-profit price")

	tradeJournalCmd.Flags().StringVarP(&tdOutput, "output", "o", "-", "CSV file, - for stdout")
}

func tradeOp(fn func(ctx context.Context, m *trade.Machine, id string) (model.Trade, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			t, err := fn(ctx, a.Trades, args[0])
			if err != nil {
				return err
			}
			printTrade(cmd.OutOrStdout(), t)
			return nil
		})
	}
}

func runTradeDraft(cmd *cobra.Command, args []string) error {
	req := trade.DraftRequest{
		AccountID: tdAccount,
		Symbol:    tdSymbol,
		Side:      model.Side(strings.ToLower(tdSide)),
	}
	var err error
	for _, p := range []struct {
		name string
		val  string
		dst  *decimal.Decimal
	}{
		{"entry", tdEntry, &req.Entry},
		{"stop", tdStop, &req.Stop},
		{"target", tdTarget, &req.Target},
		{"qty", tdQuantity, &req.Quantity},
	} {
		if *p.dst, err = parseDecimal(p.name, p.val); err != nil {
			return err
		}
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		t, err := a.Trades.Draft(ctx, req)
		if err != nil {
			return err
		}
		printTrade(cmd.OutOrStdout(), t)
		fmt.Fprintf(cmd.OutOrStdout(), "  R:R %s\n", risk.RR(t.Entry, t.Stop, t.Target).StringFixed(2))
		return nil
	})
}

func runTradeModify(cmd *cobra.Command, args []string) error {
	stop, err := parseDecimal("stop", tdStop)
	if err != nil {
		return err
	}
	target, err := parseDecimal("target", tdTarget)
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		t, err := a.Trades.Modify(ctx, args[0], trade.ModifyRequest{Stop: stop, Target: target})
		if err != nil {
			return err
		}
		printTrade(cmd.OutOrStdout(), t)
		return nil
	})
}

func runTradeClose(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		if err := a.Trades.CloseAtMarket(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Close requested for %s; the fill arrives through sync\n", args[0])
		return nil
	})
}

func runTradeShow(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		t, err := a.Trades.Get(ctx, args[0])
		if err != nil {
			return err
		}
		orders, err := a.Trades.Orders(ctx, t.ID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printTrade(out, t)
		for _, o := range orders {
			fmt.Fprintf(out, "  %-6s %-9s px %-10s qty %-8s ext %s\n", o.Kind, o.Status, o.Price, o.Quantity, o.ExternalID)
		}
		return nil
	})
}

func runTradeJournal(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		trades, err := a.Trades.List(ctx, ledger.TradeFilter{AccountID: args[0]})
		if err != nil {
			return err
		}
		return writeTo(cmd.OutOrStdout(), tdOutput, func(w io.Writer) error {
			return ledger.WriteTradeJournalCSV(w, trades)
		})
	})
}

func printTrade(w io.Writer, t model.Trade) {
	fmt.Fprintf(w, "%s %s %s %s qty %s entry %s stop %s target %s\n",
		t.ID, t.State, t.Side, t.Symbol, t.Quantity, t.Entry, t.Stop, t.Target)
	if t.State.Closed() {
		fmt.Fprintf(w, "  exit %s pnl %s\n", t.ExitPrice, t.RealizedPnL.StringFixed(2))
	}
}

// writeTo runs fn against stdout for "-" or against a created file.
func writeTo(stdout io.Writer, path string, fn func(io.Writer) error) error {
	if path == "" || path == "-" {
		return fn(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

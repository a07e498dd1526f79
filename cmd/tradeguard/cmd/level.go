package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rustyeddy/tradeguard/internal/app"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/leveling"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/spf13/cobra"
)

var levelCmd = &cobra.Command{
	Use:   "level",
	Short: "Inspect and change account risk levels",
	Long: `Levels 0-4 scale the per-trade risk budget by 0.10, 0.25, 0.50, 1.00
and 1.50. Levels move automatically after every closed trade; manual changes
need the protected keyword.

Examples:
  tradeguard level show acct_main
  tradeguard level evaluate acct_main --dry-run
  TRADEGUARD_KEYWORD=... tradeguard level set acct_main 2 --trigger risk_review --reason "drawdown review"`,
}

var levelShowCmd = &cobra.Command{
	Use:   "show <account>",
	Short: "Show the current level and trailing performance",
	Args:  cobra.ExactArgs(1),
	RunE:  runLevelShow,
}

var levelHistoryCmd = &cobra.Command{
	Use:   "history <account>",
	Short: "List level changes, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runLevelHistory,
}

var levelEvaluateCmd = &cobra.Command{
	Use:   "evaluate <account>",
	Short: "Run the automatic rules now",
	Args:  cobra.ExactArgs(1),
	RunE:  runLevelEvaluate,
}

var levelSetCmd = &cobra.Command{
	Use:   "set <account> <level>",
	Short: "Set the level manually",
	Long: `Set the level manually. The keyword is read from the environment
variable named by --keyword-env so it never appears in shell history.`,
	Args: cobra.ExactArgs(2),
	RunE: runLevelSet,
}

var levelTriggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "List the known triggers",
	Run: func(cmd *cobra.Command, args []string) {
		for _, t := range leveling.Taxonomy {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
	},
}

var (
	lvlDryRun     bool
	lvlReason     string
	lvlTrigger    string
	lvlStatus     string
	lvlKeywordEnv string
	lvlFormat     string
	lvlOutput     string
)

func init() {
	rootCmd.AddCommand(levelCmd)
	levelCmd.AddCommand(levelShowCmd, levelHistoryCmd, levelEvaluateCmd, levelSetCmd, levelTriggersCmd)

	levelEvaluateCmd.Flags().BoolVar(&lvlDryRun, "dry-run", false, "report the decision without applying it")

	levelSetCmd.Flags().StringVar(&lvlReason, "reason", "", "why the level changes (required)")
	levelSetCmd.Flags().StringVar(&lvlTrigger, "trigger", leveling.TriggerManualOverride, "trigger name")
	levelSetCmd.Flags().StringVar(&lvlStatus, "status", string(model.StatusNormal), "normal, probation or cooldown")
	levelSetCmd.Flags().StringVar(&lvlKeywordEnv, "keyword-env", "TRADEGUARD_KEYWORD", "environment variable holding the keyword")
	levelSetCmd.MarkFlagRequired("reason")

	levelHistoryCmd.Flags().StringVar(&lvlFormat, "format", "table", "table or csv")
	levelHistoryCmd.Flags().StringVarP(&lvlOutput, "output", "o", "-", "output file, - for stdout")
}

func runLevelShow(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		ev, err := a.Levels.Evaluate(ctx, args[0], true)
		if err != nil {
			return err
		}
		acct, err := a.Store.GetAccount(ctx, args[0])
		if err != nil {
			return err
		}
		mult, err := leveling.Multiplier(acct.Level)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		p := ev.Performance
		fmt.Fprintf(out, "%s: level %d (%s), multiplier %s\n", acct.ID, acct.Level, acct.Status, mult)
		fmt.Fprintf(out, "  Trades: %d, wins %d (%s%%), streak %d\n", p.Trades, p.Wins, p.WinRatePct.StringFixed(2), p.ConsecutiveWins)
		fmt.Fprintf(out, "  Monthly P/L: %s%%, largest loss %s%%\n", p.MonthlyLossPct.StringFixed(2), p.LargestLossPct.StringFixed(2))
		printDecision(out, ev)
		return nil
	})
}

func runLevelEvaluate(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		ev, err := a.Levels.Evaluate(ctx, args[0], lvlDryRun)
		if err != nil {
			return err
		}
		printDecision(cmd.OutOrStdout(), ev)
		return nil
	})
}

func printDecision(w io.Writer, ev leveling.Evaluation) {
	d := ev.Decision
	switch {
	case ev.Changed && ev.DryRun:
		fmt.Fprintf(w, "  Next: %s would move level %d -> %d (%s): %s\n", d.Trigger, d.FromLevel, d.ToLevel, d.ToStatus, d.Reason)
	case ev.Changed:
		fmt.Fprintf(w, "✓ %s moved level %d -> %d (%s): %s\n", d.Trigger, d.FromLevel, d.ToLevel, d.ToStatus, d.Reason)
	case d.Clamped:
		fmt.Fprintf(w, "  %s matched but level %d is already at the bound\n", d.Trigger, d.FromLevel)
	default:
		fmt.Fprintln(w, "  No rule matches")
	}
}

func runLevelHistory(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		events, err := a.Levels.History(ctx, args[0])
		if err != nil {
			return err
		}
		return writeTo(cmd.OutOrStdout(), lvlOutput, func(w io.Writer) error {
			if strings.EqualFold(lvlFormat, "csv") {
				return ledger.WriteLevelHistoryCSV(w, events)
			}
			for _, ev := range events {
				fmt.Fprintf(w, "%s  %d -> %d  %-9s %-9s %-24s %s\n",
					ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.PreviousLevel, ev.NewLevel,
					ev.NewStatus, ev.Actor, ev.Trigger, ev.Reason)
			}
			return nil
		})
	})
}

func runLevelSet(cmd *cobra.Command, args []string) error {
	var target int
	if _, err := fmt.Sscanf(args[1], "%d", &target); err != nil {
		return fmt.Errorf("level %q: %w", args[1], err)
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		ev, err := a.Levels.ApplyManual(ctx, leveling.ManualRequest{
			AccountID: args[0],
			Target:    target,
			Status:    model.AccountStatus(strings.ToLower(lvlStatus)),
			Reason:    lvlReason,
			Trigger:   lvlTrigger,
			Keyword:   os.Getenv(lvlKeywordEnv),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s level %d -> %d (%s) %s\n", ev.AccountID, ev.PreviousLevel, ev.NewLevel, ev.Trigger, ev.ID)
		return nil
	})
}

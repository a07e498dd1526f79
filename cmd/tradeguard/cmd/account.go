package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/rustyeddy/tradeguard/internal/app"
	"github.com/rustyeddy/tradeguard/leveling"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Open accounts and move money",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open an account",
	Long: `Open an account with its risk rules and an optional initial deposit.

Example:
  tradeguard account create --id acct_main --deposit 25000 --per-trade 1 --monthly 4 --level 3`,
	RunE: runAccountCreate,
}

var accountShowCmd = &cobra.Command{
	Use:   "show <account>",
	Short: "Show balance, exposure and level",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountShow,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE:  runAccountList,
}

var accountPostCmd = &cobra.Command{
	Use:   "post <deposit|withdraw|fee> <account> <amount>",
	Short: "Record a deposit, withdrawal or fee",
	Args:  cobra.ExactArgs(3),
	RunE:  runAccountPost,
}

var (
	acctID       string
	acctName     string
	acctCurrency string
	acctDeposit  string
	acctPerTrade string
	acctMonthly  string
	acctLevel    int
	acctNote     string
)

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountCreateCmd, accountShowCmd, accountListCmd, accountPostCmd)

	accountCreateCmd.Flags().StringVar(&acctID, "id", "", "account id (generated when empty)")
	accountCreateCmd.Flags().StringVar(&acctName, "name", "", "display name")
	accountCreateCmd.Flags().StringVar(&acctCurrency, "currency", "USD", "account currency")
	accountCreateCmd.Flags().StringVar(&acctDeposit, "deposit", "0", "initial deposit")
	accountCreateCmd.Flags().StringVar(&acctPerTrade, "per-trade", "1", "max risk per trade, percent of balance")
	accountCreateCmd.Flags().StringVar(&acctMonthly, "monthly", "4", "max risk per calendar month, percent of balance")
	accountCreateCmd.Flags().IntVar(&acctLevel, "level", 3, "initial risk level (0-4)")

	accountPostCmd.Flags().StringVar(&acctNote, "note", "", "free-form note")
}

func runAccountCreate(cmd *cobra.Command, args []string) error {
	deposit, err := parseDecimal("deposit", acctDeposit)
	if err != nil {
		return err
	}
	perTrade, err := parseDecimal("per-trade", acctPerTrade)
	if err != nil {
		return err
	}
	monthly, err := parseDecimal("monthly", acctMonthly)
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		acct, err := a.Trades.OpenAccount(ctx, trade.AccountRequest{
			ID:       acctID,
			Name:     acctName,
			Currency: acctCurrency,
			Rules:    model.RiskRules{MaxRiskPerTradePct: perTrade, MaxMonthlyRiskPct: monthly},
			Level:    acctLevel,
			Deposit:  deposit,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Opened %s at level %d with %s %s\n", acct.ID, acct.Level, deposit.StringFixed(2), acct.Currency)
		return nil
	})
}

func runAccountShow(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		acct, err := a.Store.GetAccount(ctx, args[0])
		if err != nil {
			return err
		}
		balance, available, err := a.Trades.Balance(ctx, acct.ID)
		if err != nil {
			return err
		}
		exp, err := a.Trades.Exposure(ctx, acct.ID)
		if err != nil {
			return err
		}
		mult, err := leveling.Multiplier(acct.Level)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Account %s (%s)\n", acct.ID, acct.Name)
		fmt.Fprintf(out, "  Level: %d (%s), multiplier %s\n", acct.Level, acct.Status, mult)
		fmt.Fprintf(out, "  Rules: %s%% per trade, %s%% per month\n", acct.Rules.MaxRiskPerTradePct, acct.Rules.MaxMonthlyRiskPct)
		fmt.Fprintf(out, "  Balance: %s %s\n", balance.StringFixed(2), acct.Currency)
		fmt.Fprintf(out, "  Available: %s %s\n", available.StringFixed(2), acct.Currency)
		fmt.Fprintf(out, "  Open trades: %d, committed %s, at risk %s\n",
			exp.OpenTrades, exp.CommittedCapital.StringFixed(2), exp.OpenRisk.StringFixed(2))
		return nil
	})
}

func runAccountList(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		accts, err := a.Store.ListAccounts(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, acct := range accts {
			balance, _, err := a.Trades.Balance(ctx, acct.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-24s level %d %-10s %14s %s\n", acct.ID, acct.Level, acct.Status, balance.StringFixed(2), acct.Currency)
		}
		return nil
	})
}

func runAccountPost(cmd *cobra.Command, args []string) error {
	amount, err := parseDecimal("amount", args[2])
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		var (
			txn model.Transaction
			err error
		)
		switch strings.ToLower(args[0]) {
		case "deposit":
			txn, err = a.Trades.Deposit(ctx, args[1], amount, acctNote)
		case "withdraw", "withdrawal":
			txn, err = a.Trades.Withdraw(ctx, args[1], amount, acctNote)
		case "fee":
			txn, err = a.Trades.Fee(ctx, args[1], amount, acctNote)
		default:
			return fmt.Errorf("unknown transaction kind %q (deposit, withdraw, fee)", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s %s\n", txn.Kind, txn.Amount.StringFixed(2), txn.ID)
		return nil
	})
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rustyeddy/tradeguard/config"
	"github.com/rustyeddy/tradeguard/internal/app"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradeguard",
	Short: "Risk-gated bracket trading with automatic risk levels",
	Long: `Tradeguard keeps a ledger of accounts and bracket trades, refuses
trades that break the account's risk rules, keeps the ledger in step with the
broker and moves each account's risk level up or down from its results.

Configuration is read from --config (YAML, JSON or TOML). Environment
variables, including the protected keyword hash, may be placed in a .env file.

Examples:
  tradeguard config init -o tradeguard.yaml
  tradeguard account create --id acct_main --deposit 25000 --level 3
  tradeguard trade draft --account acct_main --symbol ACME --entry 50 --stop 49 --target 53
  tradeguard level show acct_main`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	},
}

var (
	cfgFile string
	envFile string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file loaded before running")
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(cfgFile)
}

// withApp builds the application, runs fn and closes everything again.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

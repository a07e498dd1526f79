package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/rustyeddy/tradeguard/config"
	"github.com/rustyeddy/tradeguard/leveling"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage tradeguard configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file
  keyword  - Hash the protected keyword for manual level changes

Examples:
  tradeguard config init -o tradeguard.yaml
  tradeguard config validate -f tradeguard.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Long: `Create a new configuration file with default settings. The format
follows the extension: .toml, .yaml/.yml, anything else is JSON.

Example:
  tradeguard config init -o tradeguard.toml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE:  runConfigValidate,
}

var configKeywordCmd = &cobra.Command{
	Use:   "keyword",
	Short: "Print the bcrypt hash of the protected keyword",
	Long: `Reads the keyword from stdin and prints the value to export in the
environment variable named by protected.keyword_hash_env.

Example:
  echo -n 'my keyword' | tradeguard config keyword`,
	RunE: runConfigKeyword,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configKeywordCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "tradeguard.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintf(out, "  Ledger: %s (%s)\n", cfg.Ledger.Driver, cfg.Ledger.Path)
	fmt.Fprintf(out, "  Keyword hash env: %s\n", cfg.Protected.KeywordHashEnv)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Ledger: %s\n", cfg.Ledger.Driver)
	fmt.Fprintf(out, "  Broker: %s (timeout %s)\n", cfg.Broker.Kind, cfg.Broker.TimeoutDuration())
	fmt.Fprintf(out, "  Sync: every %s, backoff %s..%s\n",
		cfg.Sync.PollIntervalDuration(), cfg.Sync.BackoffMinDuration(), cfg.Sync.BackoffMaxDuration())
	fmt.Fprintf(out, "  Leveling window: %d days\n", cfg.Leveling.WindowDays)
	return nil
}

func runConfigKeyword(cmd *cobra.Command, args []string) error {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read keyword: %w", err)
	}
	hash, err := leveling.HashKeyword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

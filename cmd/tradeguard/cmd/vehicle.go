package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/rustyeddy/tradeguard/internal/app"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/spf13/cobra"
)

var vehicleCmd = &cobra.Command{
	Use:   "vehicle",
	Short: "Register tradable instruments",
}

var vehicleAddCmd = &cobra.Command{
	Use:   "add <symbol>",
	Short: "Register or update an instrument",
	Long: `Register an instrument. Position sizes are rounded down to whole
multiples of the lot size.

Example:
  tradeguard vehicle add EUR_USD --class fx --lot 1000`,
	Args: cobra.ExactArgs(1),
	RunE: runVehicleAdd,
}

var (
	vehicleClass string
	vehicleLot   string
)

func init() {
	rootCmd.AddCommand(vehicleCmd)
	vehicleCmd.AddCommand(vehicleAddCmd)

	vehicleAddCmd.Flags().StringVar(&vehicleClass, "class", "equity", "equity, fx, crypto, future or option")
	vehicleAddCmd.Flags().StringVar(&vehicleLot, "lot", "1", "lot size")
}

func runVehicleAdd(cmd *cobra.Command, args []string) error {
	lot, err := parseDecimal("lot", vehicleLot)
	if err != nil {
		return err
	}
	v := model.Vehicle{
		Symbol:  args[0],
		Class:   model.VehicleClass(strings.ToLower(vehicleClass)),
		LotSize: lot,
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		if err := a.Trades.AddVehicle(ctx, v); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s registered (lot %s)\n", strings.ToUpper(v.Symbol), lot)
		return nil
	})
}

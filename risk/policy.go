package risk

import (
	"github.com/shopspring/decimal"
)

// FundingInput is everything CheckFunding needs to gate Draft -> Funded.
type FundingInput struct {
	Balance   decimal.Decimal // derived from transactions
	Available decimal.Decimal // balance minus capital of open trades

	// Risk rules, in percent of Balance.
	MaxRiskPerTradePct decimal.Decimal
	MaxMonthlyRiskPct  decimal.Decimal

	Entry    decimal.Decimal
	Stop     decimal.Decimal
	Quantity decimal.Decimal

	MonthlyRiskUsed decimal.Decimal
}

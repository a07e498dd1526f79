package risk

import (
	"fmt"
	"strings"

	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
)

// Violation codes reported by CheckFunding.
const (
	CodeZeroQuantity        = "ZERO_QUANTITY"
	CodeInsufficientCapital = "INSUFFICIENT_CAPITAL"
	CodeRiskPerTrade        = "RISK_PER_TRADE_EXCEEDED"
	CodeMonthlyRisk         = "MONTHLY_RISK_EXCEEDED"
)

type Violation struct {
	Code string
	Msg  string
}

type Decision struct {
	Allowed    bool
	Violations []Violation

	CapitalRequired decimal.Decimal
	TradeRisk       decimal.Decimal
	MaxTradeRisk    decimal.Decimal
	MaxMonthlyRisk  decimal.Decimal
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Has reports whether the decision carries a violation with code.
func (d Decision) Has(code string) bool {
	for _, v := range d.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Err converts a refused decision into a validation error. Capital shortfall
// maps to ErrInsufficientCapital, limit breaches to ErrRiskLimit.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	msgs := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		msgs = append(msgs, v.Code+": "+v.Msg)
	}
	sentinel := model.ErrRiskLimit
	switch {
	case d.Has(CodeZeroQuantity):
		sentinel = model.ErrInvalidInput
	case d.Has(CodeInsufficientCapital) && len(d.Violations) == 1:
		sentinel = model.ErrInsufficientCapital
	}
	return model.Errorf(sentinel, "%s", strings.Join(msgs, "; "))
}

// CheckFunding evaluates every funding gate and reports all violations at once.
func CheckFunding(in FundingInput) Decision {
	d := Decision{Allowed: true}

	if !in.Quantity.IsPositive() {
		d.add(CodeZeroQuantity, fmt.Sprintf("quantity %s rounds to zero lots", in.Quantity))
		return d
	}

	d.CapitalRequired = in.Entry.Mul(in.Quantity)
	d.TradeRisk = TradeRisk(in.Entry, in.Stop, in.Quantity)
	d.MaxTradeRisk = PercentOf(in.Balance, in.MaxRiskPerTradePct)
	d.MaxMonthlyRisk = PercentOf(in.Balance, in.MaxMonthlyRiskPct)

	if d.CapitalRequired.GreaterThan(in.Available) {
		d.add(CodeInsufficientCapital,
			fmt.Sprintf("capital required %s exceeds available %s", d.CapitalRequired, in.Available))
	}
	if d.TradeRisk.GreaterThan(d.MaxTradeRisk) {
		d.add(CodeRiskPerTrade,
			fmt.Sprintf("trade risk %s exceeds max %s (%s%%)", d.TradeRisk, d.MaxTradeRisk, in.MaxRiskPerTradePct))
	}
	if monthly := in.MonthlyRiskUsed.Add(d.TradeRisk); monthly.GreaterThan(d.MaxMonthlyRisk) {
		d.add(CodeMonthlyRisk,
			fmt.Sprintf("monthly risk %s + %s exceeds max %s (%s%%)", in.MonthlyRiskUsed, d.TradeRisk, d.MaxMonthlyRisk, in.MaxMonthlyRiskPct))
	}
	return d
}

package risk

import (
	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// levelMultipliers scale the per-trade risk budget by account level.
var levelMultipliers = [...]decimal.Decimal{
	decimal.RequireFromString("0.10"),
	decimal.RequireFromString("0.25"),
	decimal.RequireFromString("0.50"),
	decimal.RequireFromString("1.00"),
	decimal.RequireFromString("1.50"),
}

// LevelMultiplier returns the sizing multiplier for level.
func LevelMultiplier(level int) (decimal.Decimal, error) {
	if !model.ValidLevel(level) {
		return decimal.Zero, model.Errorf(model.ErrInvalidInput, "level %d out of range %d..%d", level, model.MinLevel, model.MaxLevel)
	}
	return levelMultipliers[level], nil
}

// PositionSize returns riskAmount / |entry - stop| rounded down to a whole
// number of lots.
func PositionSize(entry, stop, riskAmount, lotSize decimal.Decimal) (decimal.Decimal, error) {
	if entry.Equal(stop) {
		return decimal.Zero, model.Errorf(model.ErrInvalidGeometry, "entry %s equals stop", entry)
	}
	if !entry.IsPositive() || !stop.IsPositive() {
		return decimal.Zero, model.Errorf(model.ErrInvalidGeometry, "prices must be positive (entry %s, stop %s)", entry, stop)
	}
	if !lotSize.IsPositive() {
		return decimal.Zero, model.Errorf(model.ErrInvalidInput, "lot size %s must be positive", lotSize)
	}
	if riskAmount.IsNegative() {
		return decimal.Zero, model.Errorf(model.ErrInvalidInput, "risk amount %s is negative", riskAmount)
	}

	perUnit := entry.Sub(stop).Abs()
	// Divide with a generous precision, then floor to the lot grid so rounding
	// can only ever shrink the position.
	units := riskAmount.DivRound(perUnit, 16)
	lots := units.DivRound(lotSize, 16).Floor()
	return lots.Mul(lotSize), nil
}

// RiskAmount is balance * riskPerTradePct/100 * multiplier.
func RiskAmount(balance, riskPerTradePct, multiplier decimal.Decimal) (decimal.Decimal, error) {
	if balance.IsNegative() {
		return decimal.Zero, model.Errorf(model.ErrInvalidInput, "balance %s is negative", balance)
	}
	if riskPerTradePct.IsNegative() || riskPerTradePct.GreaterThan(hundred) {
		return decimal.Zero, model.Errorf(model.ErrInvalidInput, "risk per trade %s%% out of range", riskPerTradePct)
	}
	if multiplier.IsNegative() {
		return decimal.Zero, model.Errorf(model.ErrInvalidInput, "multiplier %s is negative", multiplier)
	}
	return balance.Mul(riskPerTradePct).Div(hundred).Mul(multiplier), nil
}

// PercentOf is balance * pct/100.
func PercentOf(balance, pct decimal.Decimal) decimal.Decimal {
	return balance.Mul(pct).Div(hundred)
}

// CapitalRequired is the notional of the entry leg.
func CapitalRequired(entry, quantity decimal.Decimal) (decimal.Decimal, error) {
	if entry.IsNegative() || quantity.IsNegative() {
		return decimal.Zero, model.Errorf(model.ErrInvalidInput, "entry %s and quantity %s must not be negative", entry, quantity)
	}
	return entry.Mul(quantity), nil
}

// TradeRisk is the loss taken if the stop fills at its price.
func TradeRisk(entry, stop, quantity decimal.Decimal) decimal.Decimal {
	return entry.Sub(stop).Abs().Mul(quantity)
}

// RealizedPnL for a round trip of quantity units.
func RealizedPnL(side model.Side, entry, exit, quantity decimal.Decimal) decimal.Decimal {
	move := exit.Sub(entry)
	if side == model.Short {
		move = move.Neg()
	}
	return move.Mul(quantity)
}

// RR is reward over risk; zero when the stop distance is zero.
func RR(entry, stop, target decimal.Decimal) decimal.Decimal {
	r := entry.Sub(stop).Abs()
	if r.IsZero() {
		return decimal.Zero
	}
	return target.Sub(entry).Abs().DivRound(r, 8)
}

// ValidateBracket enforces stop < entry < target for longs and
// target < entry < stop for shorts.
func ValidateBracket(side model.Side, entry, stop, target decimal.Decimal) error {
	if !side.Valid() {
		return model.Errorf(model.ErrInvalidInput, "unknown side %q", side)
	}
	if !entry.IsPositive() || !stop.IsPositive() || !target.IsPositive() {
		return model.Errorf(model.ErrInvalidGeometry, "prices must be positive")
	}
	switch side {
	case model.Long:
		if !(stop.LessThan(entry) && entry.LessThan(target)) {
			return model.Errorf(model.ErrInvalidGeometry,
				"long requires stop < entry < target (stop %s, entry %s, target %s)", stop, entry, target)
		}
	case model.Short:
		if !(target.LessThan(entry) && entry.LessThan(stop)) {
			return model.Errorf(model.ErrInvalidGeometry,
				"short requires target < entry < stop (target %s, entry %s, stop %s)", target, entry, stop)
		}
	}
	return nil
}

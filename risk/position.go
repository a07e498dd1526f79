package risk

import (
	"time"

	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
)

// Period is the half-open interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// MonthOf returns the calendar month containing t, in t's location.
func MonthOf(t time.Time) Period {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// MonthlyRiskUsed sums the risk fixed at funding for every trade funded inside
// period, whatever its outcome. Trades canceled before a fill never put
// capital at risk and are left out.
func MonthlyRiskUsed(trades []model.Trade, period Period) decimal.Decimal {
	used := decimal.Zero
	for _, t := range trades {
		if t.FundedAt.IsZero() || !period.Contains(t.FundedAt) {
			continue
		}
		if t.State == model.StateCanceled && t.FilledAt.IsZero() {
			continue
		}
		used = used.Add(t.RiskAmount)
	}
	return used
}

// CommittedCapital sums the entry notional of trades holding capital.
func CommittedCapital(trades []model.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		if t.State.Open() {
			total = total.Add(t.CapitalRequired())
		}
	}
	return total
}

// AvailableBalance is balance minus capital committed to open trades.
func AvailableBalance(balance decimal.Decimal, trades []model.Trade) decimal.Decimal {
	return balance.Sub(CommittedCapital(trades))
}

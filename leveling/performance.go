package leveling

import (
	"context"
	"sort"
	"time"

	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

var closedStates = []model.TradeState{model.StateClosedTarget, model.StateClosedStopLoss}

// Snapshot measures the account's closed trades over [now-window, now].
// Loss percentages are taken against the balance at the start of the current
// calendar month and ignore trades closed at or before the last level change.
func Snapshot(ctx context.Context, r ledger.Reader, accountID string, now time.Time, window time.Duration) (Performance, error) {
	trades, err := r.ListTrades(ctx, ledger.TradeFilter{
		AccountID:  accountID,
		States:     closedStates,
		ClosedFrom: now.Add(-window),
	})
	if err != nil {
		return Performance{}, err
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ClosedAt.Before(trades[j].ClosedAt)
	})

	month := risk.MonthOf(now)
	base, err := monthStartBalance(ctx, r, accountID, month)
	if err != nil {
		return Performance{}, err
	}

	since, err := lastChange(ctx, r, accountID)
	if err != nil {
		return Performance{}, err
	}

	p := Performance{Trades: len(trades), WinRatePct: decimal.Zero}
	worst := decimal.Zero
	for _, t := range trades {
		if t.RealizedPnL.IsPositive() {
			p.Wins++
			p.ConsecutiveWins++
		} else {
			p.ConsecutiveWins = 0
		}
		if t.ClosedAt.After(since) && t.RealizedPnL.LessThan(worst) {
			worst = t.RealizedPnL
		}
	}
	if p.Trades > 0 {
		p.WinRatePct = decimal.NewFromInt(int64(p.Wins)).Mul(hundred).DivRound(decimal.NewFromInt(int64(p.Trades)), 2)
	}

	// The month may reach back further than the window.
	monthly, err := r.ListTrades(ctx, ledger.TradeFilter{
		AccountID:  accountID,
		States:     closedStates,
		ClosedFrom: month.Start,
		ClosedTo:   month.End,
	})
	if err != nil {
		return Performance{}, err
	}
	pnl := decimal.Zero
	for _, t := range monthly {
		if t.ClosedAt.After(since) {
			pnl = pnl.Add(t.RealizedPnL)
		}
	}

	p.MonthlyLossPct = pctOf(decimal.Min(pnl, decimal.Zero), base)
	p.LargestLossPct = pctOf(worst, base)
	return p, nil
}

func pctOf(v, base decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	return v.Mul(hundred).DivRound(base, 4)
}

// lastChange is when the account's level last moved, zero if it never has.
func lastChange(ctx context.Context, r ledger.Reader, accountID string) (time.Time, error) {
	hist, err := r.LevelHistory(ctx, accountID)
	if err != nil || len(hist) == 0 {
		return time.Time{}, err
	}
	return hist[len(hist)-1].CreatedAt, nil
}

// monthStartBalance unwinds this month's transactions from the balance.
func monthStartBalance(ctx context.Context, r ledger.Reader, accountID string, month risk.Period) (decimal.Decimal, error) {
	txs, err := r.ListTransactions(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	base := decimal.Zero
	for _, tx := range txs {
		if tx.CreatedAt.Before(month.Start) {
			base = base.Add(tx.Amount)
		}
	}
	// An account opened this month starts from its first deposit.
	if !base.IsPositive() {
		for _, tx := range txs {
			if tx.Kind == model.TxDeposit {
				return tx.Amount, nil
			}
		}
	}
	return base, nil
}

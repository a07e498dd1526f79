package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// TradeSummary describes a closed trade to the close hooks.
type TradeSummary struct {
	TradeID     string
	AccountID   string
	Symbol      string
	Side        model.Side
	State       model.TradeState
	Entry       decimal.Decimal
	Exit        decimal.Decimal
	Quantity    decimal.Decimal
	RiskAmount  decimal.Decimal
	RealizedPnL decimal.Decimal
	ClosedAt    time.Time
}

// Win reports a strictly profitable close.
func (s TradeSummary) Win() bool { return s.RealizedPnL.IsPositive() }

// RMultiple is the realized P/L in units of the risk fixed at funding.
func (s TradeSummary) RMultiple() decimal.Decimal {
	if s.RiskAmount.IsZero() {
		return decimal.Zero
	}
	return s.RealizedPnL.DivRound(s.RiskAmount, 4)
}

func summarize(t model.Trade) TradeSummary {
	return TradeSummary{
		TradeID:     t.ID,
		AccountID:   t.AccountID,
		Symbol:      t.Symbol,
		Side:        t.Side,
		State:       t.State,
		Entry:       t.Entry,
		Exit:        t.ExitPrice,
		Quantity:    t.Quantity,
		RiskAmount:  t.RiskAmount,
		RealizedPnL: t.RealizedPnL,
		ClosedAt:    t.ClosedAt,
	}
}

// CloseHook is notified after a trade reaches closed_target or
// closed_stop_loss. It runs synchronously with the account lock held; the
// context lets it re-enter that lock.
type CloseHook interface {
	OnTradeClosed(ctx context.Context, s TradeSummary) error
}

// HookFunc adapts a function to CloseHook.
type HookFunc func(ctx context.Context, s TradeSummary) error

func (f HookFunc) OnTradeClosed(ctx context.Context, s TradeSummary) error { return f(ctx, s) }

// runHooks calls every hook in order. A failing hook is logged and the rest
// still run; the close itself is already committed.
func (m *Machine) runHooks(ctx context.Context, t model.Trade) {
	s := summarize(t)
	for i, h := range m.hooks {
		if err := h.OnTradeClosed(ctx, s); err != nil {
			m.log.WithFields(logrus.Fields{
				"trade": t.ID,
				"hook":  fmt.Sprintf("%d:%T", i, h),
			}).WithError(err).Warn("close hook failed")
		}
	}
}

package trade

import (
	"context"
	"strings"
	"time"

	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DraftRequest describes a bracket trade. A zero Quantity is sized from the
// account's risk budget when the trade is funded.
type DraftRequest struct {
	AccountID string
	Symbol    string
	Side      model.Side
	Entry     decimal.Decimal
	Stop      decimal.Decimal
	Target    decimal.Decimal
	Quantity  decimal.Decimal
}

// Draft records a new trade. Nothing is reserved until Fund.
func (m *Machine) Draft(ctx context.Context, req DraftRequest) (model.Trade, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := risk.ValidateBracket(req.Side, req.Entry, req.Stop, req.Target); err != nil {
		return model.Trade{}, err
	}
	if req.Quantity.IsNegative() {
		return model.Trade{}, model.Errorf(model.ErrInvalidInput, "quantity %s is negative", req.Quantity)
	}

	ctx, release, err := m.lock(ctx, req.AccountID)
	if err != nil {
		return model.Trade{}, err
	}
	defer release()

	now := m.now()
	t := model.Trade{
		ID:          id.Prefixed("trd"),
		AccountID:   req.AccountID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Entry:       req.Entry,
		Stop:        req.Stop,
		Target:      req.Target,
		Quantity:    req.Quantity,
		RiskAmount:  decimal.Zero,
		State:       model.StateDraft,
		ExitPrice:   decimal.Zero,
		RealizedPnL: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = m.store.WithSavepoint(ctx, "draft_trade", func(tx ledger.Tx) error {
		if _, err := tx.GetAccount(ctx, req.AccountID); err != nil {
			return err
		}
		v, err := tx.GetVehicle(ctx, req.Symbol)
		if err != nil {
			return err
		}
		if req.Quantity.IsPositive() && !req.Quantity.Mod(v.LotSize).IsZero() {
			return model.Errorf(model.ErrInvalidInput, "quantity %s is not a multiple of lot size %s", req.Quantity, v.LotSize)
		}
		return tx.CreateTrade(ctx, t)
	})
	if err != nil {
		return model.Trade{}, err
	}
	m.recordHops(t, []model.TradeState{model.StateDraft})
	return t, nil
}

// Fund moves a draft to funded. It sizes the position when the draft left the
// quantity open, checks capital, per-trade risk and monthly risk, then creates
// the three pending legs and flips the state in one savepoint.
func (m *Machine) Fund(ctx context.Context, tradeID string) (model.Trade, error) {
	ctx, release, err := m.lockTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	defer release()

	var (
		t        model.Trade
		hops     []model.TradeState
		decision risk.Decision
	)
	err = m.store.WithSavepoint(ctx, "fund_trade", func(tx ledger.Tx) error {
		var err error
		if t, err = tx.GetTrade(ctx, tradeID); err != nil {
			return err
		}
		if t.State != model.StateDraft {
			return model.Errorf(model.ErrInvalidTransition, "trade %s is %s, not draft", t.ID, t.State)
		}
		acct, err := tx.GetAccount(ctx, t.AccountID)
		if err != nil {
			return err
		}
		v, err := tx.GetVehicle(ctx, t.Symbol)
		if err != nil {
			return err
		}
		balance, err := tx.Balance(ctx, t.AccountID)
		if err != nil {
			return err
		}
		trades, err := tx.ListTrades(ctx, ledger.TradeFilter{AccountID: t.AccountID})
		if err != nil {
			return err
		}

		mult, err := risk.LevelMultiplier(acct.Level)
		if err != nil {
			return err
		}
		// The level scales the per-trade budget; the monthly cap is fixed.
		tradePct := acct.Rules.MaxRiskPerTradePct.Mul(mult)
		if t.Quantity.IsZero() {
			budget, err := risk.RiskAmount(balance, acct.Rules.MaxRiskPerTradePct, mult)
			if err != nil {
				return err
			}
			if t.Quantity, err = risk.PositionSize(t.Entry, t.Stop, budget, v.LotSize); err != nil {
				return err
			}
		}

		now := m.now()
		decision = risk.CheckFunding(risk.FundingInput{
			Balance:            balance,
			Available:          risk.AvailableBalance(balance, trades),
			MaxRiskPerTradePct: tradePct,
			MaxMonthlyRiskPct:  acct.Rules.MaxMonthlyRiskPct,
			Entry:              t.Entry,
			Stop:               t.Stop,
			Quantity:           t.Quantity,
			MonthlyRiskUsed:    risk.MonthlyRiskUsed(trades, risk.MonthOf(now)),
		})
		if err := decision.Err(); err != nil {
			return err
		}

		t.RiskAmount = decision.TradeRisk
		for _, kind := range model.OrderKinds {
			if err := tx.CreateOrder(ctx, newOrder(t, kind, now)); err != nil {
				return err
			}
		}
		if hops, err = advance(&t, model.StateFunded, now); err != nil {
			return err
		}
		return tx.UpdateTrade(ctx, t)
	})
	if err != nil {
		for _, v := range decision.Violations {
			m.metrics.FundingRejected(v.Code)
		}
		m.log.WithField("trade", tradeID).WithError(err).Warn("funding refused")
		return model.Trade{}, err
	}

	m.recordHops(t, hops)
	m.log.WithFields(logrus.Fields{
		"trade":    t.ID,
		"quantity": t.Quantity.String(),
		"risk":     t.RiskAmount.String(),
	}).Info("trade funded")
	return t, nil
}

func newOrder(t model.Trade, kind model.OrderKind, now time.Time) model.Order {
	price := t.Entry
	switch kind {
	case model.OrderStop:
		price = t.Stop
	case model.OrderTarget:
		price = t.Target
	}
	return model.Order{
		ID:          id.Prefixed("ord"),
		TradeID:     t.ID,
		AccountID:   t.AccountID,
		Kind:        kind,
		Status:      model.OrderPending,
		Price:       price,
		Quantity:    t.Quantity,
		FilledPrice: decimal.Zero,
		FilledQty:   decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

package trade

import (
	"context"
	"errors"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ApplyEvent applies one broker-observed change to the ledger. Replaying an
// event that was already applied is a no-op, so the sync actor may deliver at
// least once.
func (m *Machine) ApplyEvent(ctx context.Context, accountID string, ev broker.Event) error {
	if !ev.OrderEvent() {
		return nil
	}
	ctx, release, err := m.lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	o, err := m.resolve(ctx, accountID, ev)
	if err != nil {
		return err
	}
	log := m.log.WithFields(logrus.Fields{
		"account": accountID,
		"order":   o.ID,
		"kind":    o.Kind,
		"event":   ev.Kind,
	})

	switch ev.Kind {
	case broker.OrderAccepted:
		return m.applyAccepted(ctx, o, ev)
	case broker.OrderFilled:
		if o.Status.Terminal() {
			log.WithField("status", o.Status).Debug("fill on terminal order ignored")
			return nil
		}
		return m.applyFill(ctx, o, ev, log)
	case broker.OrderCanceled, broker.OrderRejected:
		if o.Status.Terminal() {
			return nil
		}
		o.Status = model.OrderCanceled
		if ev.Kind == broker.OrderRejected {
			o.Status = model.OrderRejected
			o.Reason = ev.Reason
			log.WithField("reason", ev.Reason).Warn("order rejected by venue")
		}
		if o.ExternalID == "" {
			o.ExternalID = ev.ExternalID
		}
		o.UpdatedAt = m.now()
		return m.store.WithSavepoint(ctx, "order_status", func(tx ledger.Tx) error {
			return tx.UpdateOrder(ctx, o)
		})
	}
	return nil
}

// resolve finds the local order an event refers to, by local id first and
// external id second.
func (m *Machine) resolve(ctx context.Context, accountID string, ev broker.Event) (model.Order, error) {
	if ev.OrderID != "" {
		o, err := m.store.GetOrder(ctx, ev.OrderID)
		if err != nil {
			return model.Order{}, err
		}
		if o.AccountID != accountID {
			return model.Order{}, model.Errorf(model.ErrOrderNotFound, "order %s does not belong to account %s", o.ID, accountID)
		}
		return o, nil
	}
	if ev.ExternalID == "" {
		return model.Order{}, model.Errorf(model.ErrInvalidInput, "%s event names no order", ev.Kind)
	}
	return m.store.OrderByExternalID(ctx, accountID, ev.ExternalID)
}

func (m *Machine) applyAccepted(ctx context.Context, o model.Order, ev broker.Event) error {
	if o.ExternalID != "" {
		return nil
	}
	var (
		t    model.Trade
		hops []model.TradeState
	)
	err := m.store.WithSavepoint(ctx, "order_accepted", func(tx ledger.Tx) error {
		now := m.now()
		o.ExternalID = ev.ExternalID
		if o.Status == model.OrderPending {
			o.Status = model.OrderSubmitted
		}
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		var err error
		if t, err = tx.GetTrade(ctx, o.TradeID); err != nil {
			return err
		}
		if t.State != model.StateFunded {
			return nil
		}
		orders, err := tx.OrdersForTrade(ctx, t.ID)
		if err != nil {
			return err
		}
		if !allPlaced(model.LegsOf(orders)) {
			return nil
		}
		if hops, err = advance(&t, model.StateSubmitted, now); err != nil {
			return err
		}
		return tx.UpdateTrade(ctx, t)
	})
	if err != nil {
		return err
	}
	m.recordHops(t, hops)
	return nil
}

func (m *Machine) applyFill(ctx context.Context, o model.Order, ev broker.Event, log logrus.FieldLogger) error {
	var (
		t       model.Trade
		hops    []model.TradeState
		sibling model.Order
	)
	err := m.store.WithSavepoint(ctx, "order_filled", func(tx ledger.Tx) error {
		now := m.now()
		var err error
		if t, err = tx.GetTrade(ctx, o.TradeID); err != nil {
			return err
		}
		orders, err := tx.OrdersForTrade(ctx, t.ID)
		if err != nil {
			return err
		}
		legs := model.LegsOf(orders)

		o.Status = model.OrderFilled
		if o.ExternalID == "" {
			o.ExternalID = ev.ExternalID
		}
		o.FilledPrice = ev.Price
		if o.FilledPrice.IsZero() {
			o.FilledPrice = o.Price
		}
		o.FilledQty = ev.Qty
		if o.FilledQty.IsZero() {
			o.FilledQty = o.Quantity
		}
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		if t.State.Terminal() {
			log.WithField("trade_state", t.State).Warn("fill recorded on a trade that is already terminal")
			return nil
		}

		if o.Kind == model.OrderEntry {
			if hops, err = advance(&t, model.StateFilled, now); err != nil {
				return err
			}
			return tx.UpdateTrade(ctx, t)
		}

		entry := legs[model.OrderEntry]
		if entry.Status != model.OrderFilled {
			// The exit filled before the entry fill was observed; the entry
			// necessarily filled at or before this point.
			entry.Status = model.OrderFilled
			entry.FilledPrice = t.Entry
			entry.FilledQty = t.Quantity
			entry.Reason = "inferred from " + string(o.Kind) + " fill"
			entry.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, entry); err != nil {
				return err
			}
		}

		to := model.StateClosedStopLoss
		if o.Kind == model.OrderTarget {
			to = model.StateClosedTarget
		}
		if hops, err = advance(&t, to, now); err != nil {
			return err
		}
		t.ExitPrice = o.FilledPrice
		t.RealizedPnL = risk.RealizedPnL(t.Side, entry.FilledPrice, t.ExitPrice, o.FilledQty)
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		settle := m.transaction(t.AccountID, model.TxSettlement, t.RealizedPnL, "settle "+string(t.State))
		settle.TradeID = t.ID
		if err := tx.AppendTransaction(ctx, settle); err != nil {
			return err
		}
		sibling = legs[model.Sibling(o.Kind)]
		return nil
	})
	if err != nil {
		return err
	}
	m.recordHops(t, hops)

	if !t.State.Closed() || len(hops) == 0 {
		return nil
	}
	log.WithFields(logrus.Fields{
		"trade": t.ID,
		"state": t.State,
		"pnl":   t.RealizedPnL.String(),
	}).Info("trade closed")

	if err := m.cancelLeg(ctx, sibling); err != nil {
		log.WithField("sibling", sibling.ID).WithError(err).Warn("sibling cancel failed; will retry on next sync")
	}
	m.runHooks(ctx, t)
	return nil
}

// cancelLeg cancels one non-terminal leg at the broker and records it.
func (m *Machine) cancelLeg(ctx context.Context, o model.Order) error {
	if o.ID == "" || o.Status.Terminal() {
		return nil
	}
	live := o.ExternalID != ""
	if !live {
		found, err := m.locate(ctx, o.AccountID, []model.Order{o})
		if err != nil {
			return err
		}
		if r, ok := found[o.ID]; ok {
			if r.Status == broker.RemoteFilled {
				return model.Errorf(model.ErrBrokerRejected, "%s leg %s already filled at the venue", o.Kind, o.ID)
			}
			o.ExternalID = r.ExternalID
			live = r.Status == broker.RemoteOpen
		}
	}
	if live {
		err := m.call(ctx, "cancel", func(ctx context.Context) error {
			return m.broker.Cancel(ctx, o.ExternalID)
		})
		if err != nil {
			return err
		}
	}
	o.Status = model.OrderCanceled
	o.UpdatedAt = m.now()
	return m.store.WithSavepoint(ctx, "cancel_leg", func(tx ledger.Tx) error {
		return tx.UpdateOrder(ctx, o)
	})
}

// CancelOrphanedLegs cancels the live legs of trades that are already
// terminal, such as a sibling whose cancel failed after a close.
func (m *Machine) CancelOrphanedLegs(ctx context.Context, accountID string) error {
	ctx, release, err := m.lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	open, err := m.store.OpenOrders(ctx, accountID)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range open {
		t, err := m.store.GetTrade(ctx, o.TradeID)
		if err != nil {
			return err
		}
		if !t.State.Terminal() {
			continue
		}
		if err := m.cancelLeg(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exposure is the open risk of an account.
type Exposure struct {
	OpenTrades       int
	CommittedCapital decimal.Decimal
	OpenRisk         decimal.Decimal
}

func (m *Machine) Exposure(ctx context.Context, accountID string) (Exposure, error) {
	trades, err := m.store.ListTrades(ctx, ledger.TradeFilter{
		AccountID: accountID,
		States:    []model.TradeState{model.StateFunded, model.StateSubmitted, model.StateFilled},
	})
	if err != nil {
		return Exposure{}, err
	}
	x := Exposure{CommittedCapital: risk.CommittedCapital(trades), OpenRisk: decimal.Zero}
	for _, t := range trades {
		x.OpenTrades++
		x.OpenRisk = x.OpenRisk.Add(t.RiskAmount)
	}
	return x, nil
}

package trade

import (
	"context"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Submit places the entry, stop and target legs in that order, stopping at the
// first failure. Legs that already carry an external id are skipped, so a
// retry after a partial failure only places what is missing. The trade moves
// to submitted once every leg is placed.
func (m *Machine) Submit(ctx context.Context, tradeID string) (model.Trade, error) {
	ctx, release, err := m.lockTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	defer release()

	t, err := m.store.GetTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	switch t.State {
	case model.StateFunded:
	case model.StateSubmitted, model.StateFilled:
		return t, nil
	default:
		return model.Trade{}, model.Errorf(model.ErrInvalidTransition, "trade %s is %s, not funded", t.ID, t.State)
	}
	orders, err := m.store.OrdersForTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	legs := model.LegsOf(orders)

	var (
		placed    []model.Order
		brokerErr error
	)
	for _, kind := range model.OrderKinds {
		o, ok := legs[kind]
		if !ok {
			return model.Trade{}, model.Errorf(model.ErrOrderNotFound, "trade %s has no %s leg", t.ID, kind)
		}
		if o.ExternalID != "" {
			continue
		}
		var ext string
		brokerErr = m.call(ctx, "submit", func(ctx context.Context) error {
			var err error
			ext, err = m.broker.Submit(ctx, broker.OrderRequest{
				AccountID:     t.AccountID,
				ClientOrderID: o.ID,
				Symbol:        t.Symbol,
				Side:          t.Side,
				Kind:          kind,
				Price:         o.Price,
				Quantity:      o.Quantity,
			})
			return err
		})
		if brokerErr != nil {
			break
		}
		o.ExternalID = ext
		o.Status = model.OrderSubmitted
		legs[kind] = o
		placed = append(placed, o)
	}

	var hops []model.TradeState
	if len(placed) > 0 || brokerErr == nil {
		err = m.store.WithSavepoint(ctx, "submit_trade", func(tx ledger.Tx) error {
			now := m.now()
			for _, o := range placed {
				o.UpdatedAt = now
				if err := tx.UpdateOrder(ctx, o); err != nil {
					return err
				}
			}
			if !allPlaced(legs) {
				return nil
			}
			var err error
			if hops, err = advance(&t, model.StateSubmitted, now); err != nil {
				return err
			}
			return tx.UpdateTrade(ctx, t)
		})
		if err != nil {
			// The venue holds orders the ledger did not record. The next sync
			// cycle recovers them by client order id.
			m.log.WithField("trade", t.ID).WithError(err).Error("recording submitted legs failed")
			return model.Trade{}, err
		}
	}
	m.recordHops(t, hops)

	if brokerErr != nil {
		m.log.WithFields(logrus.Fields{
			"trade":  t.ID,
			"placed": countPlaced(legs),
		}).WithError(brokerErr).Warn("submission incomplete")
		if countPlaced(legs) == 0 {
			return t, brokerErr
		}
		e := model.Wrap(model.ErrPartialSubmission, brokerErr,
			"trade %s: %d of %d legs placed", t.ID, countPlaced(legs), len(model.OrderKinds))
		e.Unknown = model.IsUnknownOutcome(brokerErr)
		return t, e
	}
	return t, nil
}

func allPlaced(legs model.Legs) bool {
	return countPlaced(legs) == len(model.OrderKinds)
}

func countPlaced(legs model.Legs) int {
	n := 0
	for _, kind := range model.OrderKinds {
		if o, ok := legs[kind]; ok && o.ExternalID != "" {
			n++
		}
	}
	return n
}

// Cancel withdraws every live leg at the broker and then cancels the trade.
// Legs without an external id are first looked up at the venue by client
// order id. If the broker refuses any leg, or cannot be reached for that
// lookup, the trade keeps its state; legs canceled so far are recorded.
func (m *Machine) Cancel(ctx context.Context, tradeID string) (model.Trade, error) {
	ctx, release, err := m.lockTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	defer release()

	t, err := m.store.GetTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	if !model.CanTransition(t.State, model.StateCanceled) {
		return model.Trade{}, model.Errorf(model.ErrInvalidTransition, "trade %s is %s and cannot be canceled", t.ID, t.State)
	}
	orders, err := m.store.OrdersForTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}

	found, brokerErr := m.locate(ctx, t.AccountID, orders)
	var canceled []model.Order
	for _, o := range orders {
		if brokerErr != nil {
			break
		}
		if o.Status.Terminal() {
			continue
		}
		if r, ok := found[o.ID]; ok && o.ExternalID == "" {
			o.ExternalID = r.ExternalID
			switch r.Status {
			case broker.RemoteFilled:
				brokerErr = model.Errorf(model.ErrBrokerRejected, "%s leg %s already filled at the venue", o.Kind, o.ID)
				continue
			case broker.RemoteCanceled:
				o.Status = model.OrderCanceled
				canceled = append(canceled, o)
				continue
			case broker.RemoteRejected:
				o.Status, o.Reason = model.OrderRejected, r.Reason
				canceled = append(canceled, o)
				continue
			}
		}
		if o.ExternalID != "" {
			brokerErr = m.call(ctx, "cancel", func(ctx context.Context) error {
				return m.broker.Cancel(ctx, o.ExternalID)
			})
			if brokerErr != nil {
				break
			}
		}
		o.Status = model.OrderCanceled
		canceled = append(canceled, o)
	}

	var hops []model.TradeState
	err = m.store.WithSavepoint(ctx, "cancel_trade", func(tx ledger.Tx) error {
		now := m.now()
		for _, o := range canceled {
			if brokerErr != nil && o.ExternalID == "" {
				// Unplaced legs stay pending while the trade stays open.
				continue
			}
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
		}
		if brokerErr != nil {
			return nil
		}
		var err error
		if hops, err = advance(&t, model.StateCanceled, now); err != nil {
			return err
		}
		return tx.UpdateTrade(ctx, t)
	})
	if err != nil {
		return model.Trade{}, err
	}
	if brokerErr != nil {
		m.log.WithField("trade", t.ID).WithError(brokerErr).Warn("cancel aborted")
		return t, brokerErr
	}
	m.recordHops(t, hops)
	return t, nil
}

// locate looks up, by client order id, the venue side of every live leg that
// has no external id. A submit whose reply was lost leaves such a leg open at
// the venue. Nothing is fetched when every live leg is already known.
func (m *Machine) locate(ctx context.Context, accountID string, orders []model.Order) (map[string]broker.RemoteOrder, error) {
	unknown := false
	for _, o := range orders {
		if !o.Status.Terminal() && o.ExternalID == "" {
			unknown = true
			break
		}
	}
	if !unknown {
		return nil, nil
	}
	var remote []broker.RemoteOrder
	err := m.call(ctx, "sync", func(ctx context.Context) error {
		var err error
		remote, err = m.broker.Sync(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	found := make(map[string]broker.RemoteOrder, len(remote))
	for _, r := range remote {
		if r.ClientOrderID != "" {
			found[r.ClientOrderID] = r
		}
	}
	return found, nil
}

// ModifyRequest adjusts the exit legs of a live trade. Zero fields are left
// unchanged.
type ModifyRequest struct {
	Stop   decimal.Decimal
	Target decimal.Decimal
}

// Modify moves the stop and/or target of a submitted or filled trade. The
// bracket is re-validated and the stop may not widen past the risk fixed at
// funding.
func (m *Machine) Modify(ctx context.Context, tradeID string, req ModifyRequest) (model.Trade, error) {
	ctx, release, err := m.lockTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	defer release()

	t, err := m.store.GetTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	if t.State != model.StateSubmitted && t.State != model.StateFilled {
		return model.Trade{}, model.Errorf(model.ErrInvalidTransition, "trade %s is %s; only live trades can be modified", t.ID, t.State)
	}
	stop, target := t.Stop, t.Target
	if !req.Stop.IsZero() {
		stop = req.Stop
	}
	if !req.Target.IsZero() {
		target = req.Target
	}
	if stop.Equal(t.Stop) && target.Equal(t.Target) {
		return t, nil
	}
	if err := risk.ValidateBracket(t.Side, t.Entry, stop, target); err != nil {
		return model.Trade{}, err
	}
	if r := risk.TradeRisk(t.Entry, stop, t.Quantity); r.GreaterThan(t.RiskAmount) {
		return model.Trade{}, model.Errorf(model.ErrRiskLimit,
			"new stop %s raises trade risk to %s above the funded %s", stop, r, t.RiskAmount)
	}

	orders, err := m.store.OrdersForTrade(ctx, tradeID)
	if err != nil {
		return model.Trade{}, err
	}
	legs := model.LegsOf(orders)
	changes := map[model.OrderKind]decimal.Decimal{}
	if !stop.Equal(t.Stop) {
		changes[model.OrderStop] = stop
	}
	if !target.Equal(t.Target) {
		changes[model.OrderTarget] = target
	}

	var modified []model.Order
	for _, kind := range []model.OrderKind{model.OrderStop, model.OrderTarget} {
		px, ok := changes[kind]
		if !ok {
			continue
		}
		o := legs[kind]
		if o.Status.Terminal() || o.ExternalID == "" {
			return model.Trade{}, model.Errorf(model.ErrInvalidTransition, "%s leg of trade %s is not live", kind, t.ID)
		}
		err := m.call(ctx, "modify", func(ctx context.Context) error {
			return m.broker.Modify(ctx, o.ExternalID, broker.Modification{Price: px})
		})
		if err != nil {
			if len(modified) == 0 {
				return model.Trade{}, err
			}
			m.log.WithField("trade", t.ID).WithError(err).Warn("modify incomplete")
			rec, rerr := m.recordModify(ctx, t, modified)
			if rerr != nil {
				return model.Trade{}, rerr
			}
			return rec, err
		}
		o.Price = px
		modified = append(modified, o)
	}
	return m.recordModify(ctx, t, modified)
}

func (m *Machine) recordModify(ctx context.Context, t model.Trade, modified []model.Order) (model.Trade, error) {
	err := m.store.WithSavepoint(ctx, "modify_trade", func(tx ledger.Tx) error {
		now := m.now()
		for _, o := range modified {
			o.UpdatedAt = now
			if err := tx.UpdateOrder(ctx, o); err != nil {
				return err
			}
			switch o.Kind {
			case model.OrderStop:
				t.Stop = o.Price
			case model.OrderTarget:
				t.Target = o.Price
			}
		}
		t.UpdatedAt = now
		return tx.UpdateTrade(ctx, t)
	})
	if err != nil {
		return model.Trade{}, err
	}
	return t, nil
}

// CloseAtMarket asks the broker to flatten a filled trade by executing its
// stop leg at market. The terminal transition arrives with the fill through
// the sync actor.
func (m *Machine) CloseAtMarket(ctx context.Context, tradeID string) error {
	ctx, release, err := m.lockTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	defer release()

	t, err := m.store.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.State != model.StateFilled {
		return model.Errorf(model.ErrInvalidTransition, "trade %s is %s, not filled", t.ID, t.State)
	}
	orders, err := m.store.OrdersForTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	stop := model.LegsOf(orders)[model.OrderStop]
	if stop.ExternalID == "" || stop.Status.Terminal() {
		return model.Errorf(model.ErrInvalidTransition, "stop leg of trade %s is not live", t.ID)
	}
	if err := m.call(ctx, "close", func(ctx context.Context) error {
		return m.broker.Close(ctx, stop.ExternalID)
	}); err != nil {
		return err
	}
	m.log.WithField("trade", t.ID).Info("close at market requested")
	return nil
}

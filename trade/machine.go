// Package trade owns the lifecycle of a bracket trade: draft, fund, submit,
// fill, close and cancel. Every operation serializes on the trade's account
// and commits its writes in a single savepoint.
package trade

import (
	"context"
	"time"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/internal/acctlock"
	"github.com/rustyeddy/tradeguard/internal/logs"
	"github.com/rustyeddy/tradeguard/internal/metrics"
	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/sirupsen/logrus"
)

const defaultBrokerTimeout = 5 * time.Second

// Options carries the optional collaborators of a Machine.
type Options struct {
	Locks         *acctlock.Locks
	BrokerTimeout time.Duration
	Hooks         []CloseHook
	Log           logrus.FieldLogger
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

type Machine struct {
	store   ledger.Store
	broker  broker.Client
	locks   *acctlock.Locks
	timeout time.Duration
	hooks   []CloseHook
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store ledger.Store, client broker.Client, opts Options) *Machine {
	m := &Machine{
		store:   store,
		broker:  client,
		locks:   opts.Locks,
		timeout: opts.BrokerTimeout,
		hooks:   opts.Hooks,
		log:     logs.Or(opts.Log),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if m.locks == nil {
		m.locks = acctlock.New(0)
	}
	if m.timeout <= 0 {
		m.timeout = defaultBrokerTimeout
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m
}

// AddHook appends a close hook. Hooks run in registration order.
func (m *Machine) AddHook(h CloseHook) {
	m.hooks = append(m.hooks, h)
}

// Locks exposes the account lock table so collaborators mutating the same
// accounts share it.
func (m *Machine) Locks() *acctlock.Locks { return m.locks }

func (m *Machine) Store() ledger.Store { return m.store }

func (m *Machine) lock(ctx context.Context, accountID string) (context.Context, func(), error) {
	return m.locks.Acquire(ctx, accountID)
}

// lockTrade resolves the trade's account and takes its lock. The trade must be
// re-read under the lock before any decision is made on its state.
func (m *Machine) lockTrade(ctx context.Context, tradeID string) (context.Context, func(), error) {
	t, err := m.store.GetTrade(ctx, tradeID)
	if err != nil {
		return ctx, func() {}, err
	}
	return m.lock(ctx, t.AccountID)
}

// call bounds one broker round trip and normalizes its error.
func (m *Machine) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := broker.Classify(fn(cctx), op)
	if err != nil {
		m.metrics.BrokerError(op)
	}
	return err
}

// Get returns a trade.
func (m *Machine) Get(ctx context.Context, tradeID string) (model.Trade, error) {
	return m.store.GetTrade(ctx, tradeID)
}

// Orders returns the legs of a trade, entry first.
func (m *Machine) Orders(ctx context.Context, tradeID string) ([]model.Order, error) {
	if _, err := m.store.GetTrade(ctx, tradeID); err != nil {
		return nil, err
	}
	return m.store.OrdersForTrade(ctx, tradeID)
}

// List returns the trades of an account, oldest first.
func (m *Machine) List(ctx context.Context, f ledger.TradeFilter) ([]model.Trade, error) {
	return m.store.ListTrades(ctx, f)
}

// advance walks t forward to state to, stamping every intermediate state. A
// broker event may skip ahead of what the ledger has seen (an exit fill
// observed before the entry fill), but no edge of the lifecycle is skipped.
// The visited states are returned for metrics.
func advance(t *model.Trade, to model.TradeState, now time.Time) ([]model.TradeState, error) {
	var hops []model.TradeState
	for t.State != to {
		next, ok := nextState(t.State, to)
		if !ok {
			return nil, model.Errorf(model.ErrInvalidTransition, "trade %s: %s -> %s", t.ID, t.State, to)
		}
		stamp(t, next, now)
		hops = append(hops, next)
	}
	return hops, nil
}

func nextState(from, to model.TradeState) (model.TradeState, bool) {
	if model.CanTransition(from, to) {
		return to, true
	}
	switch {
	case from == model.StateFunded && (to == model.StateFilled || to.Closed()):
		return model.StateSubmitted, true
	case from == model.StateSubmitted && to.Closed():
		return model.StateFilled, true
	}
	return "", false
}

func stamp(t *model.Trade, s model.TradeState, now time.Time) {
	t.State = s
	t.UpdatedAt = now
	switch s {
	case model.StateFunded:
		t.FundedAt = now
	case model.StateSubmitted:
		t.SubmittedAt = now
	case model.StateFilled:
		t.FilledAt = now
	case model.StateClosedTarget, model.StateClosedStopLoss, model.StateCanceled:
		t.ClosedAt = now
	}
}

func (m *Machine) recordHops(t model.Trade, hops []model.TradeState) {
	for _, s := range hops {
		m.metrics.Transition(string(s))
		m.log.WithFields(logrus.Fields{
			"trade":   t.ID,
			"account": t.AccountID,
			"state":   s,
		}).Info("trade transition")
	}
}

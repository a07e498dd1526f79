// Package paper is an in-memory venue. It accepts orders, fills them when
// told to, and exposes fault injection for outages, lost responses and
// per-leg submission failures.
package paper

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
)

type order struct {
	req    broker.OrderRequest
	extID  string
	status broker.RemoteStatus
	price  decimal.Decimal
	qty    decimal.Decimal
	fillPx decimal.Decimal
	fillQ  decimal.Decimal
	reason string
	seq    uint64
}

func (o *order) remote() broker.RemoteOrder {
	return broker.RemoteOrder{
		ExternalID:    o.extID,
		ClientOrderID: o.req.ClientOrderID,
		Status:        o.status,
		FilledPrice:   o.fillPx,
		FilledQty:     o.fillQ,
		Reason:        o.reason,
		Seq:           o.seq,
	}
}

// Broker implements broker.Client.
type Broker struct {
	mu       sync.Mutex
	orders   map[string]*order
	byClient map[string]string
	prices   map[string]decimal.Decimal
	seq      uint64

	offline     bool
	loseReplies bool
	failSubmit  map[model.OrderKind]error
	failCancel  error
	calls       map[string]int
}

var _ broker.Client = (*Broker)(nil)

func New() *Broker {
	return &Broker{
		orders:     make(map[string]*order),
		byClient:   make(map[string]string),
		prices:     make(map[string]decimal.Decimal),
		failSubmit: make(map[model.OrderKind]error),
		calls:      make(map[string]int),
	}
}

func (b *Broker) nextSeq() uint64 {
	b.seq++
	return b.seq
}

func (b *Broker) enter(ctx context.Context, op string) error {
	b.calls[op]++
	if err := ctx.Err(); err != nil {
		return broker.Classify(err, op)
	}
	if b.offline {
		return model.Errorf(model.ErrBrokerUnavailable, "%s: venue unreachable", op)
	}
	return nil
}

func (b *Broker) Submit(ctx context.Context, req broker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "submit"); err != nil {
		return "", err
	}
	if err, ok := b.failSubmit[req.Kind]; ok {
		delete(b.failSubmit, req.Kind)
		return "", err
	}
	if ext, ok := b.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return ext, nil
	}
	if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
		return "", model.Errorf(model.ErrBrokerRejected, "submit %s: price and quantity must be positive", req.ClientOrderID)
	}

	o := &order{
		req:    req,
		extID:  uuid.NewString(),
		status: broker.RemoteOpen,
		price:  req.Price,
		qty:    req.Quantity,
		fillPx: decimal.Zero,
		fillQ:  decimal.Zero,
		seq:    b.nextSeq(),
	}
	b.orders[o.extID] = o
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = o.extID
	}

	if b.loseReplies {
		e := model.Errorf(model.ErrBrokerTimeout, "submit %s: response lost", req.ClientOrderID)
		e.Unknown = true
		return "", e
	}
	return o.extID, nil
}

func (b *Broker) lookup(op, externalID string) (*order, error) {
	o, ok := b.orders[externalID]
	if !ok {
		return nil, model.Errorf(model.ErrBrokerRejected, "%s: unknown order %q", op, externalID)
	}
	return o, nil
}

func (b *Broker) Cancel(ctx context.Context, externalID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "cancel"); err != nil {
		return err
	}
	if b.failCancel != nil {
		err := b.failCancel
		b.failCancel = nil
		return err
	}
	o, err := b.lookup("cancel", externalID)
	if err != nil {
		return err
	}
	switch o.status {
	case broker.RemoteCanceled:
		return nil
	case broker.RemoteOpen:
		o.status = broker.RemoteCanceled
		o.seq = b.nextSeq()
		return nil
	default:
		return model.Errorf(model.ErrBrokerRejected, "cancel %s: order is %s", externalID, o.status)
	}
}

func (b *Broker) Modify(ctx context.Context, externalID string, m broker.Modification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "modify"); err != nil {
		return err
	}
	o, err := b.lookup("modify", externalID)
	if err != nil {
		return err
	}
	if o.status != broker.RemoteOpen {
		return model.Errorf(model.ErrBrokerRejected, "modify %s: order is %s", externalID, o.status)
	}
	if m.Price.IsPositive() {
		o.price = m.Price
	}
	if m.Quantity.IsPositive() {
		o.qty = m.Quantity
	}
	o.seq = b.nextSeq()
	return nil
}

// Close fills the order immediately at the last price set for its symbol,
// or at its own price when none was set.
func (b *Broker) Close(ctx context.Context, externalID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "close"); err != nil {
		return err
	}
	o, err := b.lookup("close", externalID)
	if err != nil {
		return err
	}
	if o.status != broker.RemoteOpen {
		return model.Errorf(model.ErrBrokerRejected, "close %s: order is %s", externalID, o.status)
	}
	px, ok := b.prices[o.req.Symbol]
	if !ok {
		px = o.price
	}
	b.fillLocked(o, px)
	return nil
}

func (b *Broker) Sync(ctx context.Context, accountID string) ([]broker.RemoteOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(ctx, "sync"); err != nil {
		return nil, err
	}
	var out []broker.RemoteOrder
	for _, o := range b.orders {
		if o.req.AccountID == accountID {
			out = append(out, o.remote())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (b *Broker) fillLocked(o *order, px decimal.Decimal) {
	o.status = broker.RemoteFilled
	o.fillPx = px
	o.fillQ = o.qty
	o.seq = b.nextSeq()
}

// Fill marks an open order filled at px. Zero px fills at the order price.
func (b *Broker) Fill(externalID string, px decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.lookup("fill", externalID)
	if err != nil {
		return err
	}
	if o.status != broker.RemoteOpen {
		return model.Errorf(model.ErrBrokerRejected, "fill %s: order is %s", externalID, o.status)
	}
	if px.IsZero() {
		px = o.price
	}
	b.fillLocked(o, px)
	return nil
}

// Reject marks an open order rejected by the venue.
func (b *Broker) Reject(externalID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.lookup("reject", externalID)
	if err != nil {
		return err
	}
	o.status = broker.RemoteRejected
	o.reason = reason
	o.seq = b.nextSeq()
	return nil
}

// ExternalID returns the venue id assigned to a client order id.
func (b *Broker) ExternalID(clientOrderID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ext, ok := b.byClient[clientOrderID]
	return ext, ok
}

// SetPrice sets the market price Close fills at.
func (b *Broker) SetPrice(symbol string, px decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = px
}

// SetOffline makes every call fail with ErrBrokerUnavailable.
func (b *Broker) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// SetLoseReplies accepts submissions but reports a timeout to the caller.
func (b *Broker) SetLoseReplies(lose bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loseReplies = lose
}

// FailNextSubmit makes the next submission of kind return err.
func (b *Broker) FailNextSubmit(kind model.OrderKind, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubmit[kind] = err
}

// FailNextCancel makes the next cancel return err.
func (b *Broker) FailNextCancel(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCancel = err
}

// Calls reports how many times op was invoked.
func (b *Broker) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Status returns the venue status of an order.
func (b *Broker) Status(externalID string) (broker.RemoteStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[externalID]
	if !ok {
		return "", false
	}
	return o.status, true
}

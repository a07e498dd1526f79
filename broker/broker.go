// Package broker defines the operations the trade machine and the sync actor
// need from a trading venue, and the events a reconciliation cycle produces.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
)

// Client is a remote venue. Every call is network-bound and may fail; callers
// bound each call with a context deadline.
type Client interface {
	// Submit places one leg and returns the venue's order id. ClientOrderID
	// is the local order id; venues dedupe on it.
	Submit(ctx context.Context, req OrderRequest) (string, error)
	Cancel(ctx context.Context, externalID string) error
	Modify(ctx context.Context, externalID string, m Modification) error
	// Close converts an open order into a market order.
	Close(ctx context.Context, externalID string) error
	// Sync returns the venue's view of every order it holds for the account.
	Sync(ctx context.Context, accountID string) ([]RemoteOrder, error)
}

type OrderRequest struct {
	AccountID     string
	ClientOrderID string
	Symbol        string
	Side          model.Side
	Kind          model.OrderKind
	Price         decimal.Decimal
	Quantity      decimal.Decimal
}

// Modification changes an open order. Zero fields are left unchanged.
type Modification struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type RemoteStatus string

const (
	RemoteOpen     RemoteStatus = "open"
	RemoteFilled   RemoteStatus = "filled"
	RemoteCanceled RemoteStatus = "canceled"
	RemoteRejected RemoteStatus = "rejected"
)

// RemoteOrder is one row of a Sync snapshot. Seq increases every time the
// venue changes the order.
type RemoteOrder struct {
	ExternalID    string
	ClientOrderID string
	Status        RemoteStatus
	FilledPrice   decimal.Decimal
	FilledQty     decimal.Decimal
	Reason        string
	Seq           uint64
}

type EventKind string

const (
	OrderAccepted      EventKind = "order_accepted"
	OrderFilled        EventKind = "order_filled"
	OrderCanceled      EventKind = "order_canceled"
	OrderRejected      EventKind = "order_rejected"
	ConnectionLost     EventKind = "connection_lost"
	ConnectionRestored EventKind = "connection_restored"
)

// Event is one discrepancy between the venue and the ledger, or a change in
// connectivity. OrderID is the local order id.
type Event struct {
	Kind       EventKind
	AccountID  string
	OrderID    string
	ExternalID string
	Price      decimal.Decimal
	Qty        decimal.Decimal
	Reason     string
	Seq        uint64
	At         time.Time
	Err        error
}

// OrderEvent reports whether e concerns an order rather than connectivity.
func (e Event) OrderEvent() bool {
	switch e.Kind {
	case OrderAccepted, OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

// Classify maps a venue call failure onto the error taxonomy. Deadline
// expiry is an unknown outcome, resolved by the next sync cycle.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e := model.Wrap(model.ErrBrokerTimeout, err, "%s timed out", op)
		e.Unknown = true
		return e
	}
	return model.Wrap(model.ErrBrokerUnavailable, err, "%s failed", op)
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderKind string

const (
	OrderEntry  OrderKind = "entry"
	OrderStop   OrderKind = "stop"
	OrderTarget OrderKind = "target"
)

// OrderKinds lists the legs of a trade in submission order.
var OrderKinds = []OrderKind{OrderEntry, OrderStop, OrderTarget}

// Rank orders legs so an entry event is always handled before its exits.
func (k OrderKind) Rank() int {
	switch k {
	case OrderEntry:
		return 0
	case OrderStop:
		return 1
	case OrderTarget:
		return 2
	}
	return 3
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderCanceled  OrderStatus = "canceled"
	OrderRejected  OrderStatus = "rejected"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

// Order is one leg of a trade. The local ID doubles as the client order id
// sent to the broker, which lets a sync cycle recover the ExternalID of a
// submission whose response was lost.
type Order struct {
	ID          string
	TradeID     string
	AccountID   string
	Kind        OrderKind
	ExternalID  string
	Status      OrderStatus
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	FilledPrice decimal.Decimal
	FilledQty   decimal.Decimal
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Legs indexes a trade's orders by kind.
type Legs map[OrderKind]Order

func LegsOf(orders []Order) Legs {
	legs := make(Legs, len(orders))
	for _, o := range orders {
		legs[o.Kind] = o
	}
	return legs
}

// Sibling returns the exit leg opposite to k.
func Sibling(k OrderKind) OrderKind {
	if k == OrderStop {
		return OrderTarget
	}
	return OrderStop
}

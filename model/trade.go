package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

func (s Side) Valid() bool { return s == Long || s == Short }

// TradeState is the lifecycle position of a trade.
type TradeState string

const (
	StateDraft          TradeState = "draft"
	StateFunded         TradeState = "funded"
	StateSubmitted      TradeState = "submitted"
	StateFilled         TradeState = "filled"
	StateClosedTarget   TradeState = "closed_target"
	StateClosedStopLoss TradeState = "closed_stop_loss"
	StateCanceled       TradeState = "canceled"
)

// Terminal reports whether no transition may leave s.
func (s TradeState) Terminal() bool {
	switch s {
	case StateClosedTarget, StateClosedStopLoss, StateCanceled:
		return true
	}
	return false
}

// Closed reports a terminal state reached through a fill.
func (s TradeState) Closed() bool {
	return s == StateClosedTarget || s == StateClosedStopLoss
}

// Open reports whether capital is committed: funded up to filled.
func (s TradeState) Open() bool {
	switch s {
	case StateFunded, StateSubmitted, StateFilled:
		return true
	}
	return false
}

var transitions = map[TradeState][]TradeState{
	StateDraft:     {StateFunded, StateCanceled},
	StateFunded:    {StateSubmitted, StateCanceled},
	StateSubmitted: {StateFilled, StateCanceled},
	StateFilled:    {StateClosedTarget, StateClosedStopLoss},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to TradeState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Trade struct {
	ID        string
	AccountID string
	Symbol    string
	Side      Side

	Entry    decimal.Decimal
	Stop     decimal.Decimal
	Target   decimal.Decimal
	Quantity decimal.Decimal

	// RiskAmount is Quantity * |Entry - Stop|, fixed when the trade is funded.
	RiskAmount decimal.Decimal

	State TradeState

	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal

	CreatedAt   time.Time
	FundedAt    time.Time
	SubmittedAt time.Time
	FilledAt    time.Time
	ClosedAt    time.Time
	UpdatedAt   time.Time
}

// CapitalRequired is the notional committed by the entry leg.
func (t Trade) CapitalRequired() decimal.Decimal {
	return t.Entry.Mul(t.Quantity)
}

// Package ledger is the transactional store behind accounts, trades, orders,
// transactions and the level-change audit trail. Every multi-record update
// runs inside WithSavepoint so a failure rolls the whole unit back.
package ledger

import (
	"context"
	"regexp"
	"time"

	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
)

// TradeFilter narrows ListTrades. Zero fields match everything.
type TradeFilter struct {
	AccountID string
	States    []model.TradeState

	// ClosedFrom/ClosedTo bound ClosedAt to [ClosedFrom, ClosedTo).
	ClosedFrom time.Time
	ClosedTo   time.Time
}

func (f TradeFilter) match(t model.Trade) bool {
	if f.AccountID != "" && t.AccountID != f.AccountID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if t.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.ClosedFrom.IsZero() && (t.ClosedAt.IsZero() || t.ClosedAt.Before(f.ClosedFrom)) {
		return false
	}
	if !f.ClosedTo.IsZero() && (t.ClosedAt.IsZero() || !t.ClosedAt.Before(f.ClosedTo)) {
		return false
	}
	return true
}

type Reader interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	GetVehicle(ctx context.Context, symbol string) (model.Vehicle, error)
	GetTrade(ctx context.Context, id string) (model.Trade, error)
	// ListTrades returns trades ordered by creation.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	OrdersForTrade(ctx context.Context, tradeID string) ([]model.Order, error)
	OrderByExternalID(ctx context.Context, accountID, externalID string) (model.Order, error)
	// OpenOrders returns the account's orders that are not yet terminal.
	OpenOrders(ctx context.Context, accountID string) ([]model.Order, error)
	ListTransactions(ctx context.Context, accountID string) ([]model.Transaction, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	// LevelHistory returns the account's level changes oldest first.
	LevelHistory(ctx context.Context, accountID string) ([]model.LevelChangeEvent, error)
}

type Writer interface {
	CreateAccount(ctx context.Context, a model.Account) error
	// UpdateAccount persists Level, Status and UpdatedAt.
	UpdateAccount(ctx context.Context, a model.Account) error
	PutVehicle(ctx context.Context, v model.Vehicle) error
	AppendTransaction(ctx context.Context, tx model.Transaction) error
	CreateTrade(ctx context.Context, t model.Trade) error
	UpdateTrade(ctx context.Context, t model.Trade) error
	CreateOrder(ctx context.Context, o model.Order) error
	UpdateOrder(ctx context.Context, o model.Order) error
	AppendLevelChange(ctx context.Context, ev model.LevelChangeEvent) error
}

// Tx is the handle passed to a savepoint body. Nested WithSavepoint calls
// roll back only their own writes on error.
type Tx interface {
	Reader
	Writer
	WithSavepoint(ctx context.Context, name string, fn func(Tx) error) error
}

// Store is a Tx that owns its storage.
type Store interface {
	Tx
	Close() error
}

var savepointName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkSavepoint(name string) error {
	if !savepointName.MatchString(name) {
		return model.Errorf(model.ErrSavepointName, "invalid savepoint name %q", name)
	}
	return nil
}

// History returns the level history of an account as a convenience for
// callers holding a Store.
func History(ctx context.Context, r Reader, accountID string) ([]model.LevelChangeEvent, error) {
	if _, err := r.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return r.LevelHistory(ctx, accountID)
}

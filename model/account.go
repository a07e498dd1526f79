// Package model holds the ledger entities shared by the trade state machine,
// the broker sync actor and the risk-level engine, plus the error taxonomy
// they all report through.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MinLevel and MaxLevel bound Account.Level.
const (
	MinLevel = 0
	MaxLevel = 4
)

// AccountStatus qualifies the current level.
type AccountStatus string

const (
	StatusNormal    AccountStatus = "normal"
	StatusProbation AccountStatus = "probation"
	StatusCooldown  AccountStatus = "cooldown"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusNormal, StatusProbation, StatusCooldown:
		return true
	}
	return false
}

// RiskRules are percentages: 1 means 1% of the account balance.
type RiskRules struct {
	MaxRiskPerTradePct decimal.Decimal
	MaxMonthlyRiskPct  decimal.Decimal
}

type Account struct {
	ID        string
	Name      string
	Currency  string
	Rules     RiskRules
	Level     int
	Status    AccountStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionKind enumerates the balance-affecting record types.
type TransactionKind string

const (
	TxDeposit    TransactionKind = "deposit"
	TxWithdrawal TransactionKind = "withdrawal"
	TxFee        TransactionKind = "fee"
	TxSettlement TransactionKind = "settlement"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case TxDeposit, TxWithdrawal, TxFee, TxSettlement:
		return true
	}
	return false
}

// Transaction is append-only. Amount is signed: deposits positive,
// withdrawals and fees negative, settlements carry the realized P/L.
type Transaction struct {
	ID        string
	AccountID string
	Kind      TransactionKind
	Amount    decimal.Decimal
	TradeID   string
	Note      string
	CreatedAt time.Time
}

// Balance sums a set of transactions.
func Balance(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	return total
}

// VehicleClass is informational; sizing only depends on LotSize.
type VehicleClass string

const (
	ClassEquity VehicleClass = "equity"
	ClassFX     VehicleClass = "fx"
	ClassCrypto VehicleClass = "crypto"
	ClassFuture VehicleClass = "future"
	ClassOption VehicleClass = "option"
)

// Vehicle is a tradable instrument.
type Vehicle struct {
	Symbol  string
	Class   VehicleClass
	LotSize decimal.Decimal
}

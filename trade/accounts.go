package trade

import (
	"context"
	"strings"

	"github.com/rustyeddy/tradeguard/ledger"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/pkg/id"
	"github.com/rustyeddy/tradeguard/risk"
	"github.com/shopspring/decimal"
)

// AccountRequest opens an account. A zero Level starts at level 0; callers
// wanting the full-size multiplier pass 3.
type AccountRequest struct {
	ID       string
	Name     string
	Currency string
	Rules    model.RiskRules
	Level    int
	Deposit  decimal.Decimal
}

// OpenAccount creates an account and, when Deposit is positive, funds it.
func (m *Machine) OpenAccount(ctx context.Context, req AccountRequest) (model.Account, error) {
	if req.ID == "" {
		req.ID = id.Prefixed("acct")
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = req.ID
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}
	if !model.ValidLevel(req.Level) {
		return model.Account{}, model.Errorf(model.ErrInvalidInput, "level %d out of range", req.Level)
	}
	if !req.Rules.MaxRiskPerTradePct.IsPositive() || !req.Rules.MaxMonthlyRiskPct.IsPositive() {
		return model.Account{}, model.Errorf(model.ErrInvalidInput, "risk rules must be positive percentages")
	}
	if req.Rules.MaxRiskPerTradePct.GreaterThan(req.Rules.MaxMonthlyRiskPct) {
		return model.Account{}, model.Errorf(model.ErrInvalidInput,
			"max risk per trade %s%% exceeds monthly max %s%%", req.Rules.MaxRiskPerTradePct, req.Rules.MaxMonthlyRiskPct)
	}
	if req.Deposit.IsNegative() {
		return model.Account{}, model.Errorf(model.ErrInvalidInput, "initial deposit %s is negative", req.Deposit)
	}

	ctx, release, err := m.lock(ctx, req.ID)
	if err != nil {
		return model.Account{}, err
	}
	defer release()

	now := m.now()
	a := model.Account{
		ID:        req.ID,
		Name:      req.Name,
		Currency:  req.Currency,
		Rules:     req.Rules,
		Level:     req.Level,
		Status:    model.StatusNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = m.store.WithSavepoint(ctx, "open_account", func(tx ledger.Tx) error {
		if err := tx.CreateAccount(ctx, a); err != nil {
			return err
		}
		if req.Deposit.IsPositive() {
			return tx.AppendTransaction(ctx, m.transaction(a.ID, model.TxDeposit, req.Deposit, "initial deposit"))
		}
		return nil
	})
	if err != nil {
		return model.Account{}, err
	}
	m.log.WithField("account", a.ID).Info("account opened")
	return a, nil
}

func (m *Machine) transaction(accountID string, kind model.TransactionKind, amount decimal.Decimal, note string) model.Transaction {
	return model.Transaction{
		ID:        id.Prefixed("txn"),
		AccountID: accountID,
		Kind:      kind,
		Amount:    amount,
		Note:      note,
		CreatedAt: m.now(),
	}
}

// Deposit credits the account.
func (m *Machine) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, note string) (model.Transaction, error) {
	if !amount.IsPositive() {
		return model.Transaction{}, model.Errorf(model.ErrInvalidInput, "deposit %s must be positive", amount)
	}
	return m.post(ctx, accountID, model.TxDeposit, amount, note)
}

// Withdraw debits the account. Capital committed to open trades cannot be
// withdrawn.
func (m *Machine) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, note string) (model.Transaction, error) {
	if !amount.IsPositive() {
		return model.Transaction{}, model.Errorf(model.ErrInvalidInput, "withdrawal %s must be positive", amount)
	}
	return m.post(ctx, accountID, model.TxWithdrawal, amount.Neg(), note)
}

// Fee debits a charge that is allowed to take the balance below committed
// capital.
func (m *Machine) Fee(ctx context.Context, accountID string, amount decimal.Decimal, note string) (model.Transaction, error) {
	if !amount.IsPositive() {
		return model.Transaction{}, model.Errorf(model.ErrInvalidInput, "fee %s must be positive", amount)
	}
	return m.post(ctx, accountID, model.TxFee, amount.Neg(), note)
}

func (m *Machine) post(ctx context.Context, accountID string, kind model.TransactionKind, amount decimal.Decimal, note string) (model.Transaction, error) {
	ctx, release, err := m.lock(ctx, accountID)
	if err != nil {
		return model.Transaction{}, err
	}
	defer release()

	txn := m.transaction(accountID, kind, amount, note)
	err = m.store.WithSavepoint(ctx, "post_"+string(kind), func(tx ledger.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		if kind == model.TxWithdrawal {
			balance, err := tx.Balance(ctx, accountID)
			if err != nil {
				return err
			}
			trades, err := tx.ListTrades(ctx, ledger.TradeFilter{AccountID: accountID})
			if err != nil {
				return err
			}
			if avail := risk.AvailableBalance(balance, trades); avail.Add(amount).IsNegative() {
				return model.Errorf(model.ErrWithdrawalOverdrawn,
					"withdrawal %s exceeds available balance %s", amount.Neg(), avail)
			}
		}
		return tx.AppendTransaction(ctx, txn)
	})
	if err != nil {
		return model.Transaction{}, err
	}
	return txn, nil
}

// Balance returns the account balance and the part of it not committed to
// open trades.
func (m *Machine) Balance(ctx context.Context, accountID string) (balance, available decimal.Decimal, err error) {
	if _, err = m.store.GetAccount(ctx, accountID); err != nil {
		return
	}
	if balance, err = m.store.Balance(ctx, accountID); err != nil {
		return
	}
	trades, err := m.store.ListTrades(ctx, ledger.TradeFilter{AccountID: accountID})
	if err != nil {
		return
	}
	return balance, risk.AvailableBalance(balance, trades), nil
}

// AddVehicle registers or replaces a tradable instrument.
func (m *Machine) AddVehicle(ctx context.Context, v model.Vehicle) error {
	v.Symbol = strings.ToUpper(strings.TrimSpace(v.Symbol))
	if v.Symbol == "" {
		return model.Errorf(model.ErrInvalidInput, "vehicle symbol required")
	}
	if !v.LotSize.IsPositive() {
		return model.Errorf(model.ErrInvalidInput, "lot size %s must be positive", v.LotSize)
	}
	if v.Class == "" {
		v.Class = model.ClassEquity
	}
	return m.store.PutVehicle(ctx, v)
}

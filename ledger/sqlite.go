package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
)

// Drivers accepted by OpenSQLite.
const (
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
)

const sqliteBusy = 5

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite is the durable Store.
type SQLite struct {
	*sqlTx
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies
// Schema. path may be ":memory:".
func OpenSQLite(driver, path string) (*SQLite, error) {
	if driver == "" {
		driver = DriverMattn
	}
	db, err := sql.Open(driver, sqliteDSN(driver, path))
	if err != nil {
		return nil, model.Persistence(err, "open ledger")
	}
	// One writer at a time; also keeps :memory: databases on a single
	// connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, model.Persistence(err, "apply schema")
	}
	return &SQLite{sqlTx: &sqlTx{q: db}, db: db}, nil
}

func sqliteDSN(driver, path string) string {
	switch driver {
	case DriverModernc:
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"
	default:
		return "file:" + path + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate"
	}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// WithSavepoint runs fn in a fresh database transaction. A non-nil return from
// fn, or a panic, rolls everything back.
func (s *SQLite) WithSavepoint(ctx context.Context, name string, fn func(Tx) error) (err error) {
	if err := checkSavepoint(name); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin "+name)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlTx{q: tx, depth: 1}); err != nil {
		_ = tx.Rollback()
		return model.Persistence(err, name)
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "commit "+name)
	}
	return nil
}

// sqlTx implements Tx over a querier. depth is zero outside a transaction.
type sqlTx struct {
	q     querier
	depth int
}

func (t *sqlTx) WithSavepoint(ctx context.Context, name string, fn func(Tx) error) error {
	if err := checkSavepoint(name); err != nil {
		return err
	}
	if t.depth == 0 {
		return model.Errorf(model.ErrPersistence, "savepoint %s outside a transaction", name)
	}
	if _, err := t.q.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return classify(err, "savepoint "+name)
	}
	inner := &sqlTx{q: t.q, depth: t.depth + 1}
	if err := fn(inner); err != nil {
		// Roll back this level only; the enclosing transaction stays usable.
		if _, rbErr := t.q.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return classify(errors.Join(err, rbErr), "rollback "+name)
		}
		if _, relErr := t.q.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return classify(errors.Join(err, relErr), "release "+name)
		}
		return model.Persistence(err, name)
	}
	if _, err := t.q.ExecContext(ctx, "RELEASE "+name); err != nil {
		return classify(err, "release "+name)
	}
	return nil
}

// classify maps driver errors onto the error taxonomy. Busy/locked databases
// are contention, everything else is persistence.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var me sqlite3.Error
	if errors.As(err, &me) && (me.Code == sqlite3.ErrBusy || me.Code == sqlite3.ErrLocked) {
		return model.Wrap(model.ErrConflict, err, "%s: database busy", op)
	}
	var ce *sqlite.Error
	if errors.As(err, &ce) && ce.Code()&0xff == sqliteBusy {
		return model.Wrap(model.ErrConflict, err, "%s: database busy", op)
	}
	return model.Persistence(err, op)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Accounts

const accountCols = `id, name, currency, max_risk_per_trade_pct, max_monthly_risk_pct, level, status, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (model.Account, error) {
	var (
		a                model.Account
		status           string
		created, updated int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Currency, &a.Rules.MaxRiskPerTradePct, &a.Rules.MaxMonthlyRiskPct,
		&a.Level, &status, &created, &updated)
	a.Status = model.AccountStatus(status)
	a.CreatedAt, a.UpdatedAt = fromNanos(created), fromNanos(updated)
	return a, err
}

func (t *sqlTx) GetAccount(ctx context.Context, id string) (model.Account, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, model.Errorf(model.ErrAccountNotFound, "account %q not found", id)
	}
	if err != nil {
		return model.Account{}, classify(err, "get account")
	}
	return a, nil
}

func (t *sqlTx) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, classify(err, "list accounts")
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, classify(err, "scan account")
		}
		out = append(out, a)
	}
	return out, classify(rows.Err(), "list accounts")
}

func (t *sqlTx) CreateAccount(ctx context.Context, a model.Account) error {
	if _, err := t.GetAccount(ctx, a.ID); err == nil {
		return model.Errorf(model.ErrDuplicateAccount, "account %q already exists", a.ID)
	} else if !errors.Is(err, model.ErrAccountNotFound) {
		return err
	}
	_, err := t.q.ExecContext(ctx, `INSERT INTO accounts (`+accountCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Currency, a.Rules.MaxRiskPerTradePct, a.Rules.MaxMonthlyRiskPct,
		a.Level, string(a.Status), nanos(a.CreatedAt), nanos(a.UpdatedAt))
	return classify(err, "create account")
}

func (t *sqlTx) UpdateAccount(ctx context.Context, a model.Account) error {
	res, err := t.q.ExecContext(ctx, `UPDATE accounts SET level = ?, status = ?, updated_at = ? WHERE id = ?`,
		a.Level, string(a.Status), nanos(a.UpdatedAt), a.ID)
	return mustAffect(res, err, model.ErrAccountNotFound, "account", a.ID)
}

func mustAffect(res sql.Result, err error, notFound *model.Error, what, id string) error {
	if err != nil {
		return classify(err, "update "+what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "update "+what)
	}
	if n == 0 {
		return model.Errorf(notFound, "%s %q not found", what, id)
	}
	return nil
}

// Vehicles

func (t *sqlTx) GetVehicle(ctx context.Context, symbol string) (model.Vehicle, error) {
	var (
		v     model.Vehicle
		class string
	)
	err := t.q.QueryRowContext(ctx, `SELECT symbol, class, lot_size FROM vehicles WHERE symbol = ?`, symbol).
		Scan(&v.Symbol, &class, &v.LotSize)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vehicle{}, model.Errorf(model.ErrVehicleNotFound, "vehicle %q not found", symbol)
	}
	if err != nil {
		return model.Vehicle{}, classify(err, "get vehicle")
	}
	v.Class = model.VehicleClass(class)
	return v, nil
}

func (t *sqlTx) PutVehicle(ctx context.Context, v model.Vehicle) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO vehicles (symbol, class, lot_size) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET class = excluded.class, lot_size = excluded.lot_size`,
		v.Symbol, string(v.Class), v.LotSize)
	return classify(err, "put vehicle")
}

// Transactions

func (t *sqlTx) AppendTransaction(ctx context.Context, tx model.Transaction) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, kind, amount, trade_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.AccountID, string(tx.Kind), tx.Amount, tx.TradeID, tx.Note, nanos(tx.CreatedAt))
	return classify(err, "append transaction")
}

func (t *sqlTx) ListTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, account_id, kind, amount, trade_id, note, created_at
		FROM transactions WHERE account_id = ? ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, classify(err, "list transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var (
			tx      model.Transaction
			kind    string
			created int64
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &kind, &tx.Amount, &tx.TradeID, &tx.Note, &created); err != nil {
			return nil, classify(err, "scan transaction")
		}
		tx.Kind = model.TransactionKind(kind)
		tx.CreatedAt = fromNanos(created)
		out = append(out, tx)
	}
	return out, classify(rows.Err(), "list transactions")
}

// Balance sums in Go; SQLite arithmetic on TEXT would go through floats.
func (t *sqlTx) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	txs, err := t.ListTransactions(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return model.Balance(txs), nil
}

// Trades

const tradeCols = `id, account_id, symbol, side, entry, stop, target, quantity, risk_amount, state,
	exit_price, realized_pnl, created_at, funded_at, submitted_at, filled_at, closed_at, updated_at`

func scanTrade(row interface{ Scan(...any) error }) (model.Trade, error) {
	var (
		tr                                                     model.Trade
		side, state                                            string
		created, funded, submitted, filled, closed, updated int64
	)
	err := row.Scan(&tr.ID, &tr.AccountID, &tr.Symbol, &side, &tr.Entry, &tr.Stop, &tr.Target, &tr.Quantity,
		&tr.RiskAmount, &state, &tr.ExitPrice, &tr.RealizedPnL,
		&created, &funded, &submitted, &filled, &closed, &updated)
	tr.Side = model.Side(side)
	tr.State = model.TradeState(state)
	tr.CreatedAt = fromNanos(created)
	tr.FundedAt = fromNanos(funded)
	tr.SubmittedAt = fromNanos(submitted)
	tr.FilledAt = fromNanos(filled)
	tr.ClosedAt = fromNanos(closed)
	tr.UpdatedAt = fromNanos(updated)
	return tr, err
}

func tradeArgs(tr model.Trade) []any {
	return []any{
		tr.AccountID, tr.Symbol, string(tr.Side), tr.Entry, tr.Stop, tr.Target, tr.Quantity,
		tr.RiskAmount, string(tr.State), tr.ExitPrice, tr.RealizedPnL,
		nanos(tr.CreatedAt), nanos(tr.FundedAt), nanos(tr.SubmittedAt), nanos(tr.FilledAt),
		nanos(tr.ClosedAt), nanos(tr.UpdatedAt),
	}
}

func (t *sqlTx) GetTrade(ctx context.Context, id string) (model.Trade, error) {
	tr, err := scanTrade(t.q.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trade{}, model.Errorf(model.ErrTradeNotFound, "trade %q not found", id)
	}
	if err != nil {
		return model.Trade{}, classify(err, "get trade")
	}
	return tr, nil
}

func (t *sqlTx) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, s := range f.States {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.ClosedFrom.IsZero() {
		where = append(where, "closed_at != 0 AND closed_at >= ?")
		args = append(args, nanos(f.ClosedFrom))
	}
	if !f.ClosedTo.IsZero() {
		where = append(where, "closed_at != 0 AND closed_at < ?")
		args = append(args, nanos(f.ClosedTo))
	}

	query := `SELECT ` + tradeCols + ` FROM trades`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list trades")
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, classify(err, "scan trade")
		}
		out = append(out, tr)
	}
	return out, classify(rows.Err(), "list trades")
}

func (t *sqlTx) CreateTrade(ctx context.Context, tr model.Trade) error {
	args := append([]any{tr.ID}, tradeArgs(tr)...)
	_, err := t.q.ExecContext(ctx, `INSERT INTO trades (`+tradeCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return classify(err, "create trade")
}

func (t *sqlTx) UpdateTrade(ctx context.Context, tr model.Trade) error {
	args := append(tradeArgs(tr), tr.ID)
	res, err := t.q.ExecContext(ctx, `UPDATE trades SET
		account_id = ?, symbol = ?, side = ?, entry = ?, stop = ?, target = ?, quantity = ?,
		risk_amount = ?, state = ?, exit_price = ?, realized_pnl = ?,
		created_at = ?, funded_at = ?, submitted_at = ?, filled_at = ?, closed_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	return mustAffect(res, err, model.ErrTradeNotFound, "trade", tr.ID)
}

// Orders

const orderCols = `id, trade_id, account_id, kind, external_id, status, price, quantity,
	filled_price, filled_qty, reason, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (model.Order, error) {
	var (
		o                model.Order
		kind, status     string
		created, updated int64
	)
	err := row.Scan(&o.ID, &o.TradeID, &o.AccountID, &kind, &o.ExternalID, &status, &o.Price, &o.Quantity,
		&o.FilledPrice, &o.FilledQty, &o.Reason, &created, &updated)
	o.Kind = model.OrderKind(kind)
	o.Status = model.OrderStatus(status)
	o.CreatedAt, o.UpdatedAt = fromNanos(created), fromNanos(updated)
	return o, err
}

func (t *sqlTx) queryOrders(ctx context.Context, where string, args ...any) ([]model.Order, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+orderCols+` FROM orders WHERE `+where, args...)
	if err != nil {
		return nil, classify(err, "query orders")
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, classify(err, "scan order")
		}
		out = append(out, o)
	}
	return out, classify(rows.Err(), "query orders")
}

func (t *sqlTx) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, err := scanOrder(t.q.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, model.Errorf(model.ErrOrderNotFound, "order %q not found", id)
	}
	if err != nil {
		return model.Order{}, classify(err, "get order")
	}
	return o, nil
}

func (t *sqlTx) OrdersForTrade(ctx context.Context, tradeID string) ([]model.Order, error) {
	orders, err := t.queryOrders(ctx, `trade_id = ?`, tradeID)
	if err != nil {
		return nil, err
	}
	sortOrders(orders)
	return orders, nil
}

func (t *sqlTx) OrderByExternalID(ctx context.Context, accountID, externalID string) (model.Order, error) {
	if externalID == "" {
		return model.Order{}, model.Errorf(model.ErrExternalIDNotFound, "empty external id")
	}
	orders, err := t.queryOrders(ctx, `account_id = ? AND external_id = ?`, accountID, externalID)
	if err != nil {
		return model.Order{}, err
	}
	if len(orders) == 0 {
		return model.Order{}, model.Errorf(model.ErrExternalIDNotFound, "no order with external id %q", externalID)
	}
	return orders[0], nil
}

func (t *sqlTx) OpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	orders, err := t.queryOrders(ctx, `account_id = ? AND status IN (?, ?)`,
		accountID, string(model.OrderPending), string(model.OrderSubmitted))
	if err != nil {
		return nil, err
	}
	sortOrders(orders)
	return orders, nil
}

func (t *sqlTx) CreateOrder(ctx context.Context, o model.Order) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO orders (`+orderCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.TradeID, o.AccountID, string(o.Kind), o.ExternalID, string(o.Status), o.Price, o.Quantity,
		o.FilledPrice, o.FilledQty, o.Reason, nanos(o.CreatedAt), nanos(o.UpdatedAt))
	return classify(err, "create order")
}

func (t *sqlTx) UpdateOrder(ctx context.Context, o model.Order) error {
	res, err := t.q.ExecContext(ctx, `UPDATE orders SET
		external_id = ?, status = ?, price = ?, quantity = ?, filled_price = ?, filled_qty = ?,
		reason = ?, updated_at = ? WHERE id = ?`,
		o.ExternalID, string(o.Status), o.Price, o.Quantity, o.FilledPrice, o.FilledQty,
		o.Reason, nanos(o.UpdatedAt), o.ID)
	return mustAffect(res, err, model.ErrOrderNotFound, "order", o.ID)
}

// Level history

func (t *sqlTx) AppendLevelChange(ctx context.Context, ev model.LevelChangeEvent) error {
	if !model.ValidLevel(ev.NewLevel) || !model.ValidLevel(ev.PreviousLevel) {
		return model.Errorf(model.ErrInvalidInput, "level change %d -> %d out of range", ev.PreviousLevel, ev.NewLevel)
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO level_changes
		(id, account_id, previous_level, new_level, previous_status, new_status, level_trigger, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AccountID, ev.PreviousLevel, ev.NewLevel, string(ev.PreviousStatus), string(ev.NewStatus),
		ev.Trigger, ev.Reason, string(ev.Actor), nanos(ev.CreatedAt))
	return classify(err, "append level change")
}

func (t *sqlTx) LevelHistory(ctx context.Context, accountID string) ([]model.LevelChangeEvent, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, account_id, previous_level, new_level, previous_status, new_status, level_trigger, reason, actor, created_at
		FROM level_changes WHERE account_id = ? ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, classify(err, "level history")
	}
	defer rows.Close()

	var out []model.LevelChangeEvent
	for rows.Next() {
		var (
			ev                    model.LevelChangeEvent
			prevStatus, newStatus string
			actor                 string
			created               int64
		)
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.PreviousLevel, &ev.NewLevel, &prevStatus, &newStatus,
			&ev.Trigger, &ev.Reason, &actor, &created); err != nil {
			return nil, classify(err, "scan level change")
		}
		ev.PreviousStatus = model.AccountStatus(prevStatus)
		ev.NewStatus = model.AccountStatus(newStatus)
		ev.Actor = model.Actor(actor)
		ev.CreatedAt = fromNanos(created)
		out = append(out, ev)
	}
	return out, classify(rows.Err(), "level history")
}

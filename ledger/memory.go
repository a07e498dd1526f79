package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rustyeddy/tradeguard/model"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Store. Savepoints snapshot the whole dataset and
// restore it on error.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

var _ Store = (*Memory)(nil)

type memData struct {
	accounts map[string]model.Account
	vehicles map[string]model.Vehicle
	trades   map[string]model.Trade
	orders   map[string]model.Order
	txs      []model.Transaction
	levels   []model.LevelChangeEvent
}

func newMemData() *memData {
	return &memData{
		accounts: map[string]model.Account{},
		vehicles: map[string]model.Vehicle{},
		trades:   map[string]model.Trade{},
		orders:   map[string]model.Order{},
	}
}

func (d *memData) clone() *memData {
	c := &memData{
		accounts: make(map[string]model.Account, len(d.accounts)),
		vehicles: make(map[string]model.Vehicle, len(d.vehicles)),
		trades:   make(map[string]model.Trade, len(d.trades)),
		orders:   make(map[string]model.Order, len(d.orders)),
		txs:      append([]model.Transaction(nil), d.txs...),
		levels:   append([]model.LevelChangeEvent(nil), d.levels...),
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.vehicles {
		c.vehicles[k] = v
	}
	for k, v := range d.trades {
		c.trades[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) tx() *memTx { return &memTx{data: m.data} }

// WithSavepoint holds the store lock for the duration of fn.
func (m *Memory) WithSavepoint(ctx context.Context, name string, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{data: m.data}).WithSavepoint(ctx, name, fn)
}

func (m *Memory) GetAccount(ctx context.Context, id string) (model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().GetAccount(ctx, id)
}

func (m *Memory) ListAccounts(ctx context.Context) ([]model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().ListAccounts(ctx)
}

func (m *Memory) GetVehicle(ctx context.Context, symbol string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().GetVehicle(ctx, symbol)
}

func (m *Memory) GetTrade(ctx context.Context, id string) (model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().GetTrade(ctx, id)
}

func (m *Memory) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().ListTrades(ctx, f)
}

func (m *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().GetOrder(ctx, id)
}

func (m *Memory) OrdersForTrade(ctx context.Context, tradeID string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().OrdersForTrade(ctx, tradeID)
}

func (m *Memory) OrderByExternalID(ctx context.Context, accountID, externalID string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().OrderByExternalID(ctx, accountID, externalID)
}

func (m *Memory) OpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().OpenOrders(ctx, accountID)
}

func (m *Memory) ListTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().ListTransactions(ctx, accountID)
}

func (m *Memory) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().Balance(ctx, accountID)
}

func (m *Memory) LevelHistory(ctx context.Context, accountID string) ([]model.LevelChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().LevelHistory(ctx, accountID)
}

func (m *Memory) CreateAccount(ctx context.Context, a model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().CreateAccount(ctx, a)
}

func (m *Memory) UpdateAccount(ctx context.Context, a model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().UpdateAccount(ctx, a)
}

func (m *Memory) PutVehicle(ctx context.Context, v model.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().PutVehicle(ctx, v)
}

func (m *Memory) AppendTransaction(ctx context.Context, tx model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().AppendTransaction(ctx, tx)
}

func (m *Memory) CreateTrade(ctx context.Context, t model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().CreateTrade(ctx, t)
}

func (m *Memory) UpdateTrade(ctx context.Context, t model.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().UpdateTrade(ctx, t)
}

func (m *Memory) CreateOrder(ctx context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().CreateOrder(ctx, o)
}

func (m *Memory) UpdateOrder(ctx context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().UpdateOrder(ctx, o)
}

func (m *Memory) AppendLevelChange(ctx context.Context, ev model.LevelChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tx().AppendLevelChange(ctx, ev)
}

// memTx operates on data without locking; the owning Memory holds the lock.
type memTx struct {
	data *memData
}

func (t *memTx) WithSavepoint(ctx context.Context, name string, fn func(Tx) error) error {
	if err := checkSavepoint(name); err != nil {
		return err
	}
	snap := t.data.clone()
	restore := func() { *t.data = *snap }

	defer func() {
		if p := recover(); p != nil {
			restore()
			panic(p)
		}
	}()
	if err := fn(t); err != nil {
		restore()
		return model.Persistence(err, name)
	}
	if err := ctx.Err(); err != nil {
		restore()
		return model.Persistence(err, name)
	}
	return nil
}

func (t *memTx) GetAccount(_ context.Context, id string) (model.Account, error) {
	a, ok := t.data.accounts[id]
	if !ok {
		return model.Account{}, model.Errorf(model.ErrAccountNotFound, "account %q not found", id)
	}
	return a, nil
}

func (t *memTx) ListAccounts(context.Context) ([]model.Account, error) {
	out := make([]model.Account, 0, len(t.data.accounts))
	for _, a := range t.data.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) CreateAccount(_ context.Context, a model.Account) error {
	if _, ok := t.data.accounts[a.ID]; ok {
		return model.Errorf(model.ErrDuplicateAccount, "account %q already exists", a.ID)
	}
	t.data.accounts[a.ID] = a
	return nil
}

func (t *memTx) UpdateAccount(_ context.Context, a model.Account) error {
	cur, ok := t.data.accounts[a.ID]
	if !ok {
		return model.Errorf(model.ErrAccountNotFound, "account %q not found", a.ID)
	}
	cur.Level, cur.Status, cur.UpdatedAt = a.Level, a.Status, a.UpdatedAt
	t.data.accounts[a.ID] = cur
	return nil
}

func (t *memTx) GetVehicle(_ context.Context, symbol string) (model.Vehicle, error) {
	v, ok := t.data.vehicles[symbol]
	if !ok {
		return model.Vehicle{}, model.Errorf(model.ErrVehicleNotFound, "vehicle %q not found", symbol)
	}
	return v, nil
}

func (t *memTx) PutVehicle(_ context.Context, v model.Vehicle) error {
	t.data.vehicles[v.Symbol] = v
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, tx model.Transaction) error {
	if _, ok := t.data.accounts[tx.AccountID]; !ok {
		return model.Errorf(model.ErrAccountNotFound, "account %q not found", tx.AccountID)
	}
	t.data.txs = append(t.data.txs, tx)
	return nil
}

func (t *memTx) ListTransactions(_ context.Context, accountID string) ([]model.Transaction, error) {
	var out []model.Transaction
	for _, tx := range t.data.txs {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	txs, err := t.ListTransactions(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return model.Balance(txs), nil
}

func (t *memTx) GetTrade(_ context.Context, id string) (model.Trade, error) {
	tr, ok := t.data.trades[id]
	if !ok {
		return model.Trade{}, model.Errorf(model.ErrTradeNotFound, "trade %q not found", id)
	}
	return tr, nil
}

func (t *memTx) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	var out []model.Trade
	for _, tr := range t.data.trades {
		if f.match(tr) {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) CreateTrade(_ context.Context, tr model.Trade) error {
	if _, ok := t.data.accounts[tr.AccountID]; !ok {
		return model.Errorf(model.ErrAccountNotFound, "account %q not found", tr.AccountID)
	}
	if _, ok := t.data.trades[tr.ID]; ok {
		return model.Errorf(model.ErrInvalidInput, "trade %q already exists", tr.ID)
	}
	t.data.trades[tr.ID] = tr
	return nil
}

func (t *memTx) UpdateTrade(_ context.Context, tr model.Trade) error {
	if _, ok := t.data.trades[tr.ID]; !ok {
		return model.Errorf(model.ErrTradeNotFound, "trade %q not found", tr.ID)
	}
	t.data.trades[tr.ID] = tr
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (model.Order, error) {
	o, ok := t.data.orders[id]
	if !ok {
		return model.Order{}, model.Errorf(model.ErrOrderNotFound, "order %q not found", id)
	}
	return o, nil
}

func (t *memTx) OrdersForTrade(_ context.Context, tradeID string) ([]model.Order, error) {
	var out []model.Order
	for _, o := range t.data.orders {
		if o.TradeID == tradeID {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (t *memTx) OrderByExternalID(_ context.Context, accountID, externalID string) (model.Order, error) {
	if externalID != "" {
		for _, o := range t.data.orders {
			if o.AccountID == accountID && o.ExternalID == externalID {
				return o, nil
			}
		}
	}
	return model.Order{}, model.Errorf(model.ErrExternalIDNotFound, "no order with external id %q", externalID)
}

func (t *memTx) OpenOrders(_ context.Context, accountID string) ([]model.Order, error) {
	var out []model.Order
	for _, o := range t.data.orders {
		if o.AccountID == accountID && !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sortOrders(out)
	return out, nil
}

func (t *memTx) CreateOrder(_ context.Context, o model.Order) error {
	if _, ok := t.data.trades[o.TradeID]; !ok {
		return model.Errorf(model.ErrTradeNotFound, "trade %q not found", o.TradeID)
	}
	if _, ok := t.data.orders[o.ID]; ok {
		return model.Errorf(model.ErrInvalidInput, "order %q already exists", o.ID)
	}
	for _, cur := range t.data.orders {
		if cur.TradeID == o.TradeID && cur.Kind == o.Kind {
			return model.Errorf(model.ErrInvalidInput, "trade %q already has a %s order", o.TradeID, o.Kind)
		}
	}
	t.data.orders[o.ID] = o
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o model.Order) error {
	if _, ok := t.data.orders[o.ID]; !ok {
		return model.Errorf(model.ErrOrderNotFound, "order %q not found", o.ID)
	}
	t.data.orders[o.ID] = o
	return nil
}

func (t *memTx) AppendLevelChange(_ context.Context, ev model.LevelChangeEvent) error {
	if !model.ValidLevel(ev.NewLevel) || !model.ValidLevel(ev.PreviousLevel) {
		return model.Errorf(model.ErrInvalidInput, "level change %d -> %d out of range", ev.PreviousLevel, ev.NewLevel)
	}
	if _, ok := t.data.accounts[ev.AccountID]; !ok {
		return model.Errorf(model.ErrAccountNotFound, "account %q not found", ev.AccountID)
	}
	t.data.levels = append(t.data.levels, ev)
	return nil
}

func (t *memTx) LevelHistory(_ context.Context, accountID string) ([]model.LevelChangeEvent, error) {
	var out []model.LevelChangeEvent
	for _, ev := range t.data.levels {
		if ev.AccountID == accountID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// sortOrders orders by trade, then leg (entry, stop, target).
func sortOrders(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if c := strings.Compare(orders[i].TradeID, orders[j].TradeID); c != 0 {
			return c < 0
		}
		return orders[i].Kind.Rank() < orders[j].Kind.Rank()
	})
}

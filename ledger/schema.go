package ledger

// Schema is applied on every open. Money and quantities are decimal strings,
// timestamps unix nanoseconds (0 for unset).
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	currency TEXT NOT NULL,
	max_risk_per_trade_pct TEXT NOT NULL,
	max_monthly_risk_pct TEXT NOT NULL,
	level INTEGER NOT NULL CHECK (level BETWEEN 0 AND 4),
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vehicles (
	symbol TEXT PRIMARY KEY,
	class TEXT NOT NULL,
	lot_size TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	kind TEXT NOT NULL,
	amount TEXT NOT NULL,
	trade_id TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, created_at, id);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	entry TEXT NOT NULL,
	stop TEXT NOT NULL,
	target TEXT NOT NULL,
	quantity TEXT NOT NULL,
	risk_amount TEXT NOT NULL,
	state TEXT NOT NULL,
	exit_price TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	funded_at INTEGER NOT NULL DEFAULT 0,
	submitted_at INTEGER NOT NULL DEFAULT 0,
	filled_at INTEGER NOT NULL DEFAULT 0,
	closed_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_account ON trades(account_id, created_at, id);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	trade_id TEXT NOT NULL REFERENCES trades(id),
	account_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	filled_price TEXT NOT NULL,
	filled_qty TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (trade_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_orders_external ON orders(account_id, external_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(account_id, status);

CREATE TABLE IF NOT EXISTS level_changes (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	previous_level INTEGER NOT NULL,
	new_level INTEGER NOT NULL,
	previous_status TEXT NOT NULL,
	new_status TEXT NOT NULL,
	level_trigger TEXT NOT NULL,
	reason TEXT NOT NULL,
	actor TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_level_changes_account ON level_changes(account_id, created_at, id);
`

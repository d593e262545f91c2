package store

// schema is applied on every open; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS products (
	id                 TEXT PRIMARY KEY,
	sku                TEXT NOT NULL UNIQUE,
	name               TEXT NOT NULL,
	category           TEXT NOT NULL CHECK (category IN ('wine','liquor','beer','other')),
	size               TEXT NOT NULL CHECK (size IN ('750ml','1L','1.5L','1.75L','other')),
	cost_cents         INTEGER NOT NULL DEFAULT 0,
	price_cents        INTEGER NOT NULL DEFAULT 0,
	parent_product_id  TEXT REFERENCES products(id),
	units_per_parent   INTEGER NOT NULL DEFAULT 0,
	loyalty_multiplier REAL NOT NULL DEFAULT 1.0,
	active             INTEGER NOT NULL DEFAULT 1,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS product_barcodes (
	id         TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id),
	barcode    TEXT NOT NULL UNIQUE,
	is_primary INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS inventory (
	product_id     TEXT PRIMARY KEY REFERENCES products(id),
	current_stock  INTEGER NOT NULL DEFAULT 0 CHECK (current_stock >= 0),
	reserved_stock INTEGER NOT NULL DEFAULT 0 CHECK (reserved_stock >= 0 AND reserved_stock <= current_stock),
	last_updated   TEXT NOT NULL,
	last_synced    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_changes (
	id             TEXT PRIMARY KEY,
	product_id     TEXT NOT NULL REFERENCES products(id),
	change_type    TEXT NOT NULL CHECK (change_type IN ('sale','return','adjustment','receive')),
	delta          INTEGER NOT NULL,
	resulting_qty  INTEGER NOT NULL,
	terminal_id    TEXT NOT NULL,
	employee_id    TEXT NOT NULL,
	transaction_id TEXT,
	item_id        TEXT,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS employees (
	id                 TEXT PRIMARY KEY,
	code               TEXT NOT NULL UNIQUE,
	first_name         TEXT NOT NULL,
	last_name          TEXT NOT NULL,
	pin_hash           TEXT NOT NULL,
	active             INTEGER NOT NULL DEFAULT 1,
	can_override_price INTEGER NOT NULL DEFAULT 0,
	can_void_txn       INTEGER NOT NULL DEFAULT 0,
	is_manager         INTEGER NOT NULL DEFAULT 0,
	updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS customers (
	id         TEXT PRIMARY KEY,
	phone      TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	points     INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id                      TEXT PRIMARY KEY,
	number                  TEXT NOT NULL UNIQUE,
	employee_id             TEXT NOT NULL,
	customer_id             TEXT REFERENCES customers(id),
	subtotal_cents          INTEGER NOT NULL DEFAULT 0,
	tax_cents               INTEGER NOT NULL DEFAULT 0,
	discount_cents          INTEGER NOT NULL DEFAULT 0,
	total_cents             INTEGER NOT NULL DEFAULT 0,
	points_earned           INTEGER NOT NULL DEFAULT 0,
	points_redeemed         INTEGER NOT NULL DEFAULT 0,
	status                  TEXT NOT NULL CHECK (status IN ('pending','completed','voided','refunded')),
	sales_channel           TEXT NOT NULL DEFAULT 'in_store',
	terminal_id             TEXT NOT NULL,
	sync_status             TEXT NOT NULL DEFAULT 'pending' CHECK (sync_status IN ('pending','synced','failed')),
	original_transaction_id TEXT REFERENCES transactions(id),
	created_at              TEXT NOT NULL,
	completed_at            TEXT,
	metadata                TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS transaction_items (
	id              TEXT PRIMARY KEY,
	transaction_id  TEXT NOT NULL REFERENCES transactions(id),
	product_id      TEXT NOT NULL REFERENCES products(id),
	quantity        INTEGER NOT NULL,
	unit_price_cents INTEGER NOT NULL,
	discount_cents  INTEGER NOT NULL DEFAULT 0,
	total_cents     INTEGER NOT NULL,
	discount_reason TEXT,
	returned        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS payments (
	id             TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	method         TEXT NOT NULL CHECK (method IN ('cash','credit','debit','gift_card','loyalty_points','employee_tab','third_party')),
	amount_cents   INTEGER NOT NULL,
	card_last4     TEXT,
	card_type      TEXT,
	auth_code      TEXT,
	tendered_cents INTEGER,
	change_cents   INTEGER,
	gift_card_id   TEXT,
	points_used    INTEGER
);

CREATE TABLE IF NOT EXISTS discount_rules (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	category      TEXT NOT NULL DEFAULT '',
	min_quantity  INTEGER NOT NULL DEFAULT 0,
	percent_off   REAL NOT NULL DEFAULT 0,
	case_discount INTEGER NOT NULL DEFAULT 0,
	active        INTEGER NOT NULL DEFAULT 1,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pos_config (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id             TEXT PRIMARY KEY,
	topic          TEXT NOT NULL,
	payload        TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','peer_ack','cloud_ack','error')),
	retries        INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL,
	peer_acked_at  TEXT,
	cloud_acked_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, id);

CREATE TABLE IF NOT EXISTS inbox_processed (
	message_id    TEXT PRIMARY KEY,
	from_terminal TEXT NOT NULL,
	topic         TEXT NOT NULL,
	payload       TEXT NOT NULL,
	processed_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	product_id TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS terminal_seq (
	terminal_id TEXT NOT NULL,
	day         TEXT NOT NULL,
	seq         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (terminal_id, day)
);
`

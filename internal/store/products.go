package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertProduct inserts or updates a product row. Last write wins by
// updated_at; a strictly older update is a no-op so replayed messages are
// idempotent.
func (t *Tx) UpsertProduct(ctx context.Context, p Product) error {
	_, err := t.Exec(ctx, `
		INSERT INTO products (id, sku, name, category, size, cost_cents, price_cents,
			parent_product_id, units_per_parent, loyalty_multiplier, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			sku                = excluded.sku,
			name               = excluded.name,
			category           = excluded.category,
			size               = excluded.size,
			cost_cents         = excluded.cost_cents,
			price_cents        = excluded.price_cents,
			parent_product_id  = excluded.parent_product_id,
			units_per_parent   = excluded.units_per_parent,
			loyalty_multiplier = excluded.loyalty_multiplier,
			active             = excluded.active,
			updated_at         = excluded.updated_at
		WHERE excluded.updated_at > products.updated_at
	`, p.ID, p.SKU, p.Name, p.Category, p.Size, p.CostCents, p.PriceCents,
		p.ParentProductID, p.UnitsPerParent, p.LoyaltyMultiplier, p.Active,
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
	}
	return nil
}

// UpsertBarcode inserts a barcode mapping. A duplicate barcode for the
// same product is benign; a duplicate for a different product is a data
// error surfaced to the caller.
func (t *Tx) UpsertBarcode(ctx context.Context, b ProductBarcode) error {
	_, err := t.Exec(ctx, `
		INSERT INTO product_barcodes (id, product_id, barcode, is_primary)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			product_id = excluded.product_id,
			barcode    = excluded.barcode,
			is_primary = excluded.is_primary
	`, b.ID, b.ProductID, b.Barcode, b.Primary)
	if err != nil {
		return fmt.Errorf("failed to upsert barcode %s: %w", b.ID, err)
	}
	return nil
}

// ProductExists reports whether a product row is visible inside the
// transaction's snapshot.
func (t *Tx) ProductExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := t.QueryRow(ctx, `SELECT 1 FROM products WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetProduct returns a product by id from committed state.
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, category, size, cost_cents, price_cents,
			parent_product_id, units_per_parent, loyalty_multiplier, active, created_at, updated_at
		FROM products WHERE id = ?
	`, id)
	return scanProduct(row)
}

// GetProductByBarcode resolves a scanned barcode to its product.
func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.sku, p.name, p.category, p.size, p.cost_cents, p.price_cents,
			p.parent_product_id, p.units_per_parent, p.loyalty_multiplier, p.active, p.created_at, p.updated_at
		FROM products p
		JOIN product_barcodes b ON b.product_id = p.id
		WHERE b.barcode = ?
	`, barcode)
	return scanProduct(row)
}

func scanProduct(row *sql.Row) (*Product, error) {
	var p Product
	var parent sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.Size, &p.CostCents, &p.PriceCents,
		&parent, &p.UnitsPerParent, &p.LoyaltyMultiplier, &p.Active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		p.ParentProductID = &parent.String
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// UpsertEmployee inserts or updates an employee row, last write wins.
func (t *Tx) UpsertEmployee(ctx context.Context, e Employee) error {
	_, err := t.Exec(ctx, `
		INSERT INTO employees (id, code, first_name, last_name, pin_hash, active,
			can_override_price, can_void_txn, is_manager, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			code               = excluded.code,
			first_name         = excluded.first_name,
			last_name          = excluded.last_name,
			pin_hash           = excluded.pin_hash,
			active             = excluded.active,
			can_override_price = excluded.can_override_price,
			can_void_txn       = excluded.can_void_txn,
			is_manager         = excluded.is_manager,
			updated_at         = excluded.updated_at
		WHERE excluded.updated_at > employees.updated_at
	`, e.ID, e.Code, e.FirstName, e.LastName, e.PinHash, e.Active,
		e.CanOverridePrice, e.CanVoidTxn, e.IsManager, fmtTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert employee %s: %w", e.ID, err)
	}
	return nil
}

// UpsertDiscountRule inserts or updates a discount rule, last write wins.
func (t *Tx) UpsertDiscountRule(ctx context.Context, r DiscountRule) error {
	_, err := t.Exec(ctx, `
		INSERT INTO discount_rules (id, name, category, min_quantity, percent_off, case_discount, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name          = excluded.name,
			category      = excluded.category,
			min_quantity  = excluded.min_quantity,
			percent_off   = excluded.percent_off,
			case_discount = excluded.case_discount,
			active        = excluded.active,
			updated_at    = excluded.updated_at
		WHERE excluded.updated_at > discount_rules.updated_at
	`, r.ID, r.Name, r.Category, r.MinQuantity, r.PercentOff, r.CaseDiscount, r.Active, fmtTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert discount rule %s: %w", r.ID, err)
	}
	return nil
}

// SetConfig upserts a pos_config key.
func (t *Tx) SetConfig(ctx context.Context, key, value, updatedAt string) error {
	_, err := t.Exec(ctx, `
		INSERT INTO pos_config (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	return nil
}

// GetConfig reads a pos_config value from committed state.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pos_config WHERE key = ?`, key).Scan(&v)
	return v, err
}

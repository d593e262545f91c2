package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownProduct is returned when an inventory mutation targets a
// product with no inventory row.
var ErrUnknownProduct = errors.New("no inventory row for product")

// ApplyInventoryDelta applies a signed stock delta and returns the
// resulting stock level. The current_stock >= 0 CHECK makes an oversell a
// transaction abort, not a silent negative.
func (t *Tx) ApplyInventoryDelta(ctx context.Context, productID string, delta int, now time.Time) (int, error) {
	res, err := t.Exec(ctx, `
		UPDATE inventory
		SET current_stock = current_stock + ?, last_updated = ?
		WHERE product_id = ?
	`, delta, fmtTime(now), productID)
	if err != nil {
		return 0, fmt.Errorf("failed to apply inventory delta for %s: %w", productID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}

	var current int
	if err := t.QueryRow(ctx, `SELECT current_stock FROM inventory WHERE product_id = ?`, productID).Scan(&current); err != nil {
		return 0, err
	}
	return current, nil
}

// UpsertInventory creates or replaces an inventory row. Used for incoming
// product:upsert inventory blocks and reconciler repairs.
func (t *Tx) UpsertInventory(ctx context.Context, inv Inventory) error {
	_, err := t.Exec(ctx, `
		INSERT INTO inventory (product_id, current_stock, reserved_stock, last_updated, last_synced)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (product_id) DO UPDATE SET
			current_stock  = excluded.current_stock,
			reserved_stock = excluded.reserved_stock,
			last_updated   = excluded.last_updated,
			last_synced    = excluded.last_synced
	`, inv.ProductID, inv.CurrentStock, inv.ReservedStock, fmtTime(inv.LastUpdated), fmtTime(inv.LastSynced))
	if err != nil {
		return fmt.Errorf("failed to upsert inventory for %s: %w", inv.ProductID, err)
	}
	return nil
}

// MarkInventorySynced stamps last_synced without touching stock.
func (t *Tx) MarkInventorySynced(ctx context.Context, productID string, now time.Time) error {
	_, err := t.Exec(ctx, `UPDATE inventory SET last_synced = ? WHERE product_id = ?`, fmtTime(now), productID)
	return err
}

// GetInventory returns the committed inventory row for a product.
func (s *Store) GetInventory(ctx context.Context, productID string) (*Inventory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT product_id, current_stock, reserved_stock, last_updated, last_synced
		FROM inventory WHERE product_id = ?
	`, productID)
	return scanInventory(row.Scan)
}

// ListInventory returns every inventory row in product_id ascending order.
// This ordering is load-bearing for the reconciler checksum.
func (s *Store) ListInventory(ctx context.Context) ([]Inventory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, current_stock, reserved_stock, last_updated, last_synced
		FROM inventory ORDER BY product_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	defer rows.Close()

	var out []Inventory
	for rows.Next() {
		inv, err := scanInventory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func scanInventory(scan func(...any) error) (*Inventory, error) {
	var inv Inventory
	var lastUpdated, lastSynced string
	if err := scan(&inv.ProductID, &inv.CurrentStock, &inv.ReservedStock, &lastUpdated, &lastSynced); err != nil {
		return nil, err
	}
	inv.LastUpdated = parseTime(lastUpdated)
	inv.LastSynced = parseTime(lastSynced)
	return &inv, nil
}

// InsertInventoryChange appends an audit row for a stock mutation.
func (t *Tx) InsertInventoryChange(ctx context.Context, c InventoryChange) error {
	_, err := t.Exec(ctx, `
		INSERT INTO inventory_changes (id, product_id, change_type, delta, resulting_qty,
			terminal_id, employee_id, transaction_id, item_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ProductID, c.ChangeType, c.Delta, c.ResultingQty,
		c.TerminalID, c.EmployeeID, c.TransactionID, c.ItemID, fmtTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert inventory change: %w", err)
	}
	return nil
}

// ListInventoryChanges returns audit rows for a product, newest first.
func (s *Store) ListInventoryChanges(ctx context.Context, productID string, limit int) ([]InventoryChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, change_type, delta, resulting_qty,
			terminal_id, employee_id, transaction_id, item_id, created_at
		FROM inventory_changes WHERE product_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InventoryChange
	for rows.Next() {
		var c InventoryChange
		var txnID, itemID sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ProductID, &c.ChangeType, &c.Delta, &c.ResultingQty,
			&c.TerminalID, &c.EmployeeID, &txnID, &itemID, &createdAt); err != nil {
			return nil, err
		}
		if txnID.Valid {
			c.TransactionID = &txnID.String
		}
		if itemID.Valid {
			c.ItemID = &itemID.String
		}
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

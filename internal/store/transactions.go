package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertTransaction writes a transaction header row. The caller supplies
// the id (ULID) and number; uniqueness of both is enforced at commit.
func (t *Tx) InsertTransaction(ctx context.Context, txn Transaction) error {
	_, err := t.Exec(ctx, `
		INSERT INTO transactions (id, number, employee_id, customer_id,
			subtotal_cents, tax_cents, discount_cents, total_cents,
			points_earned, points_redeemed, status, sales_channel, terminal_id,
			sync_status, original_transaction_id, created_at, completed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, txn.ID, txn.Number, txn.EmployeeID, txn.CustomerID,
		txn.SubtotalCents, txn.TaxCents, txn.DiscountCents, txn.TotalCents,
		txn.PointsEarned, txn.PointsRedeemed, txn.Status, txn.SalesChannel, txn.TerminalID,
		txn.SyncStatus, txn.OriginalTransactionID, fmtTime(txn.CreatedAt), fmtTimePtr(txn.CompletedAt),
		metadataOr(txn.Metadata))
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", txn.ID, err)
	}
	return nil
}

func metadataOr(m string) string {
	if m == "" {
		return "{}"
	}
	return m
}

// InsertTransactionItem writes one line item.
func (t *Tx) InsertTransactionItem(ctx context.Context, item TransactionItem) error {
	_, err := t.Exec(ctx, `
		INSERT INTO transaction_items (id, transaction_id, product_id, quantity,
			unit_price_cents, discount_cents, total_cents, discount_reason, returned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.TransactionID, item.ProductID, item.Quantity,
		item.UnitPriceCents, item.DiscountCents, item.TotalCents, item.DiscountReason, item.Returned)
	if err != nil {
		return fmt.Errorf("failed to insert transaction item %s: %w", item.ID, err)
	}
	return nil
}

// InsertPayment writes one tender row.
func (t *Tx) InsertPayment(ctx context.Context, p Payment) error {
	_, err := t.Exec(ctx, `
		INSERT INTO payments (id, transaction_id, method, amount_cents,
			card_last4, card_type, auth_code, tendered_cents, change_cents, gift_card_id, points_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.TransactionID, p.Method, p.AmountCents,
		p.CardLast4, p.CardType, p.AuthCode, p.TenderedCents, p.ChangeCents, p.GiftCardID, p.PointsUsed)
	if err != nil {
		return fmt.Errorf("failed to insert payment %s: %w", p.ID, err)
	}
	return nil
}

// TransactionExists reports whether a transaction id is present, inside
// the transaction's snapshot.
func (t *Tx) TransactionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := t.QueryRow(ctx, `SELECT 1 FROM transactions WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetTransactionStatus updates status (and completed_at when completing).
func (t *Tx) SetTransactionStatus(ctx context.Context, id, status string, completedAt *time.Time) error {
	_, err := t.Exec(ctx, `
		UPDATE transactions SET status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?
	`, status, fmtTimePtr(completedAt), id)
	if err != nil {
		return fmt.Errorf("failed to set transaction %s status: %w", id, err)
	}
	return nil
}

// SetTransactionSyncStatus updates the sync_status column.
func (t *Tx) SetTransactionSyncStatus(ctx context.Context, id, syncStatus string) error {
	_, err := t.Exec(ctx, `UPDATE transactions SET sync_status = ? WHERE id = ?`, syncStatus, id)
	return err
}

// GetTransaction returns a committed transaction header by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, number, employee_id, customer_id,
			subtotal_cents, tax_cents, discount_cents, total_cents,
			points_earned, points_redeemed, status, sales_channel, terminal_id,
			sync_status, original_transaction_id, created_at, completed_at, metadata
		FROM transactions WHERE id = ?
	`, id)

	var txn Transaction
	var customerID, originalID sql.NullString
	var createdAt string
	var completedAt sql.NullString
	err := row.Scan(&txn.ID, &txn.Number, &txn.EmployeeID, &customerID,
		&txn.SubtotalCents, &txn.TaxCents, &txn.DiscountCents, &txn.TotalCents,
		&txn.PointsEarned, &txn.PointsRedeemed, &txn.Status, &txn.SalesChannel, &txn.TerminalID,
		&txn.SyncStatus, &originalID, &createdAt, &completedAt, &txn.Metadata)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		txn.CustomerID = &customerID.String
	}
	if originalID.Valid {
		txn.OriginalTransactionID = &originalID.String
	}
	txn.CreatedAt = parseTime(createdAt)
	txn.CompletedAt = parseTimePtr(completedAt)
	return &txn, nil
}

// ListTransactionItems returns the line items of a committed transaction.
func (s *Store) ListTransactionItems(ctx context.Context, transactionID string) ([]TransactionItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, quantity,
			unit_price_cents, discount_cents, total_cents, discount_reason, returned
		FROM transaction_items WHERE transaction_id = ? ORDER BY id
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransactionItem
	for rows.Next() {
		var item TransactionItem
		var reason sql.NullString
		if err := rows.Scan(&item.ID, &item.TransactionID, &item.ProductID, &item.Quantity,
			&item.UnitPriceCents, &item.DiscountCents, &item.TotalCents, &reason, &item.Returned); err != nil {
			return nil, err
		}
		if reason.Valid {
			item.DiscountReason = &reason.String
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CountTransactions returns the committed transaction count; used by
// health reporting and tests.
func (s *Store) CountTransactions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}

// NextTransactionSeq increments and returns the per-terminal daily
// sequence used in human transaction numbers.
func (t *Tx) NextTransactionSeq(ctx context.Context, terminalID string, day string) (int, error) {
	_, err := t.Exec(ctx, `
		INSERT INTO terminal_seq (terminal_id, day, seq) VALUES (?, ?, 1)
		ON CONFLICT (terminal_id, day) DO UPDATE SET seq = seq + 1
	`, terminalID, day)
	if err != nil {
		return 0, fmt.Errorf("failed to advance transaction sequence: %w", err)
	}
	var seq int
	if err := t.QueryRow(ctx, `SELECT seq FROM terminal_seq WHERE terminal_id = ? AND day = ?`, terminalID, day).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// InsertAlert persists an operator alert.
func (t *Tx) InsertAlert(ctx context.Context, a Alert) error {
	_, err := t.Exec(ctx, `
		INSERT INTO alerts (id, kind, message, product_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.Kind, a.Message, a.ProductID, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns persisted alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, message, product_id, created_at
		FROM alerts ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var productID sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Kind, &a.Message, &productID, &createdAt); err != nil {
			return nil, err
		}
		if productID.Valid {
			a.ProductID = &productID.String
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Package sale is the boundary the operator shell calls with an
// already-priced sale. Every flow writes its business rows and its outbox
// rows in one store transaction; a rollback takes both with it.
package sale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/store"
)

var (
	// ErrNoLines is returned for a sale with no items.
	ErrNoLines = errors.New("sale has no line items")

	// ErrBadQuantity is returned for a non-positive line quantity.
	ErrBadQuantity = errors.New("line quantity must be positive")

	// ErrNotVoidable is returned when voiding anything but a completed
	// transaction.
	ErrNotVoidable = errors.New("transaction cannot be voided")
)

// Line is one priced line of a sale.
type Line struct {
	ProductID      string
	Quantity       int
	UnitPriceCents int64
	DiscountCents  int64
	TotalCents     int64
	DiscountReason *string
}

// Tender is one payment against a sale.
type Tender struct {
	Method        string
	AmountCents   int64
	CardLast4     *string
	CardType      *string
	AuthCode      *string
	TenderedCents *int64
	ChangeCents   *int64
	GiftCardID    *string
	PointsUsed    *int
}

// Sale is a completed, fully priced checkout. Pricing, tax, and loyalty
// math happened upstream; the recorder only persists and replicates.
type Sale struct {
	EmployeeID     string
	CustomerID     *string
	Lines          []Line
	Tenders        []Tender
	SubtotalCents  int64
	TaxCents       int64
	DiscountCents  int64
	TotalCents     int64
	PointsEarned   int
	PointsRedeemed int
	SalesChannel   string
	Metadata       string
}

// Recorder writes sales and stock movements for one terminal.
type Recorder struct {
	store      *store.Store
	bus        *outbox.Bus
	terminalID string
}

// NewRecorder builds a recorder bound to this terminal's identity.
func NewRecorder(s *store.Store, bus *outbox.Bus, terminalID string) *Recorder {
	return &Recorder{store: s, bus: bus, terminalID: terminalID}
}

// RecordSale persists the transaction tree, decrements inventory, appends
// audit rows, and publishes transaction:new plus one inventory:update per
// line, all atomically. It returns the new transaction id.
func (r *Recorder) RecordSale(ctx context.Context, sale Sale) (string, error) {
	if len(sale.Lines) == 0 {
		return "", ErrNoLines
	}
	for _, line := range sale.Lines {
		if line.Quantity <= 0 {
			return "", fmt.Errorf("%w: product %s", ErrBadQuantity, line.ProductID)
		}
	}

	now := time.Now().UTC()
	txnID := r.bus.NewID()

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	seq, err := tx.NextTransactionSeq(ctx, r.terminalID, now.Format("20060102"))
	if err != nil {
		return "", err
	}
	number := fmt.Sprintf("%s-%s-%04d", r.terminalID, now.Format("20060102"), seq)

	channel := sale.SalesChannel
	if channel == "" {
		channel = "in_store"
	}

	txn := store.Transaction{
		ID:             txnID,
		Number:         number,
		EmployeeID:     sale.EmployeeID,
		CustomerID:     sale.CustomerID,
		SubtotalCents:  sale.SubtotalCents,
		TaxCents:       sale.TaxCents,
		DiscountCents:  sale.DiscountCents,
		TotalCents:     sale.TotalCents,
		PointsEarned:   sale.PointsEarned,
		PointsRedeemed: sale.PointsRedeemed,
		Status:         store.TxnCompleted,
		SalesChannel:   channel,
		TerminalID:     r.terminalID,
		SyncStatus:     store.SyncPending,
		CreatedAt:      now,
		CompletedAt:    &now,
		Metadata:       sale.Metadata,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return "", err
	}

	items := make([]store.TransactionItem, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		item := store.TransactionItem{
			ID:             r.bus.NewID(),
			TransactionID:  txnID,
			ProductID:      line.ProductID,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			DiscountCents:  line.DiscountCents,
			TotalCents:     line.TotalCents,
			DiscountReason: line.DiscountReason,
		}
		if err := tx.InsertTransactionItem(ctx, item); err != nil {
			return "", err
		}
		items = append(items, item)
	}

	payments := make([]store.Payment, 0, len(sale.Tenders))
	for _, tender := range sale.Tenders {
		pay := store.Payment{
			ID:            r.bus.NewID(),
			TransactionID: txnID,
			Method:        tender.Method,
			AmountCents:   tender.AmountCents,
			CardLast4:     tender.CardLast4,
			CardType:      tender.CardType,
			AuthCode:      tender.AuthCode,
			TenderedCents: tender.TenderedCents,
			ChangeCents:   tender.ChangeCents,
			GiftCardID:    tender.GiftCardID,
			PointsUsed:    tender.PointsUsed,
		}
		if err := tx.InsertPayment(ctx, pay); err != nil {
			return "", err
		}
		payments = append(payments, pay)
	}

	msgs := []outbox.Message{{
		Topic: outbox.TopicTransactionNew,
		Payload: outbox.TransactionPayload{
			Transaction: txn,
			Items:       items,
			Payments:    payments,
		},
	}}

	for i, line := range sale.Lines {
		itemID := items[i].ID
		resulting, err := tx.ApplyInventoryDelta(ctx, line.ProductID, -line.Quantity, now)
		if err != nil {
			return "", err
		}
		if err := tx.InsertInventoryChange(ctx, store.InventoryChange{
			ID:            r.bus.NewID(),
			ProductID:     line.ProductID,
			ChangeType:    store.ChangeSale,
			Delta:         -line.Quantity,
			ResultingQty:  resulting,
			TerminalID:    r.terminalID,
			EmployeeID:    sale.EmployeeID,
			TransactionID: &txnID,
			ItemID:        &itemID,
			CreatedAt:     now,
		}); err != nil {
			return "", err
		}
		msgs = append(msgs, outbox.Message{
			Topic: outbox.TopicInventoryUpdate,
			Payload: outbox.InventoryUpdatePayload{
				ProductID:     line.ProductID,
				Delta:         -line.Quantity,
				ChangeType:    store.ChangeSale,
				EmployeeID:    sale.EmployeeID,
				TransactionID: &txnID,
			},
		})
	}

	if _, err := r.bus.PublishBatch(ctx, tx, msgs); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	log.Info().Str("txn", txnID).Str("number", number).Int64("total_cents", sale.TotalCents).Msg("sale recorded")
	return txnID, nil
}

// RecordReturn creates a refund transaction referencing the original,
// restores stock, and replicates both effects.
func (r *Recorder) RecordReturn(ctx context.Context, originalID, employeeID string, lines []Line) (string, error) {
	if len(lines) == 0 {
		return "", ErrNoLines
	}

	original, err := r.store.GetTransaction(ctx, originalID)
	if err != nil {
		return "", fmt.Errorf("original transaction %s: %w", originalID, err)
	}

	now := time.Now().UTC()
	refundID := r.bus.NewID()

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	seq, err := tx.NextTransactionSeq(ctx, r.terminalID, now.Format("20060102"))
	if err != nil {
		return "", err
	}

	var total int64
	for _, line := range lines {
		total += line.TotalCents
	}

	refund := store.Transaction{
		ID:                    refundID,
		Number:                fmt.Sprintf("%s-%s-%04d", r.terminalID, now.Format("20060102"), seq),
		EmployeeID:            employeeID,
		CustomerID:            original.CustomerID,
		SubtotalCents:         -total,
		TotalCents:            -total,
		Status:                store.TxnRefunded,
		SalesChannel:          original.SalesChannel,
		TerminalID:            r.terminalID,
		SyncStatus:            store.SyncPending,
		OriginalTransactionID: &originalID,
		CreatedAt:             now,
		CompletedAt:           &now,
	}
	if err := tx.InsertTransaction(ctx, refund); err != nil {
		return "", err
	}

	items := make([]store.TransactionItem, 0, len(lines))
	msgs := []outbox.Message{}

	for _, line := range lines {
		item := store.TransactionItem{
			ID:             r.bus.NewID(),
			TransactionID:  refundID,
			ProductID:      line.ProductID,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			TotalCents:     -line.TotalCents,
			Returned:       true,
		}
		if err := tx.InsertTransactionItem(ctx, item); err != nil {
			return "", err
		}
		items = append(items, item)

		resulting, err := tx.ApplyInventoryDelta(ctx, line.ProductID, line.Quantity, now)
		if err != nil {
			return "", err
		}
		itemID := item.ID
		if err := tx.InsertInventoryChange(ctx, store.InventoryChange{
			ID:            r.bus.NewID(),
			ProductID:     line.ProductID,
			ChangeType:    store.ChangeReturn,
			Delta:         line.Quantity,
			ResultingQty:  resulting,
			TerminalID:    r.terminalID,
			EmployeeID:    employeeID,
			TransactionID: &refundID,
			ItemID:        &itemID,
			CreatedAt:     now,
		}); err != nil {
			return "", err
		}
		msgs = append(msgs, outbox.Message{
			Topic: outbox.TopicInventoryUpdate,
			Payload: outbox.InventoryUpdatePayload{
				ProductID:     line.ProductID,
				Delta:         line.Quantity,
				ChangeType:    store.ChangeReturn,
				EmployeeID:    employeeID,
				TransactionID: &refundID,
			},
		})
	}

	msgs = append([]outbox.Message{{
		Topic: outbox.TopicTransactionNew,
		Payload: outbox.TransactionPayload{
			Transaction: refund,
			Items:       items,
		},
	}}, msgs...)

	if _, err := r.bus.PublishBatch(ctx, tx, msgs); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	log.Info().Str("refund", refundID).Str("original", originalID).Msg("return recorded")
	return refundID, nil
}

// VoidTransaction marks a completed transaction voided and restores the
// stock its lines consumed. The status change stays local; the stock
// restoration replicates as inventory:update, so every terminal converges
// on the corrected counts.
func (r *Recorder) VoidTransaction(ctx context.Context, transactionID, employeeID string) error {
	original, err := r.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", transactionID, err)
	}
	if original.Status != store.TxnCompleted {
		return fmt.Errorf("%w: %s is %s", ErrNotVoidable, transactionID, original.Status)
	}

	items, err := r.store.ListTransactionItems(ctx, transactionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.SetTransactionStatus(ctx, transactionID, store.TxnVoided, nil); err != nil {
		return err
	}

	var msgs []outbox.Message
	for _, item := range items {
		resulting, err := tx.ApplyInventoryDelta(ctx, item.ProductID, item.Quantity, now)
		if err != nil {
			return err
		}
		itemID := item.ID
		if err := tx.InsertInventoryChange(ctx, store.InventoryChange{
			ID:            r.bus.NewID(),
			ProductID:     item.ProductID,
			ChangeType:    store.ChangeAdjustment,
			Delta:         item.Quantity,
			ResultingQty:  resulting,
			TerminalID:    r.terminalID,
			EmployeeID:    employeeID,
			TransactionID: &transactionID,
			ItemID:        &itemID,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		msgs = append(msgs, outbox.Message{
			Topic: outbox.TopicInventoryUpdate,
			Payload: outbox.InventoryUpdatePayload{
				ProductID:     item.ProductID,
				Delta:         item.Quantity,
				ChangeType:    store.ChangeAdjustment,
				EmployeeID:    employeeID,
				TransactionID: &transactionID,
			},
		})
	}

	if _, err := r.bus.PublishBatch(ctx, tx, msgs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Str("txn", transactionID).Str("employee", employeeID).Msg("transaction voided")
	return nil
}

// ReceiveStock records a delivery: positive delta, receive audit type,
// replicated as inventory:update.
func (r *Recorder) ReceiveStock(ctx context.Context, productID, employeeID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: product %s", ErrBadQuantity, productID)
	}
	return r.adjust(ctx, productID, employeeID, quantity, store.ChangeReceive)
}

// AdjustStock records a manual count correction with a signed delta.
func (r *Recorder) AdjustStock(ctx context.Context, productID, employeeID string, delta int) error {
	if delta == 0 {
		return nil
	}
	return r.adjust(ctx, productID, employeeID, delta, store.ChangeAdjustment)
}

func (r *Recorder) adjust(ctx context.Context, productID, employeeID string, delta int, changeType string) error {
	now := time.Now().UTC()

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	resulting, err := tx.ApplyInventoryDelta(ctx, productID, delta, now)
	if err != nil {
		return err
	}
	if err := tx.InsertInventoryChange(ctx, store.InventoryChange{
		ID:           r.bus.NewID(),
		ProductID:    productID,
		ChangeType:   changeType,
		Delta:        delta,
		ResultingQty: resulting,
		TerminalID:   r.terminalID,
		EmployeeID:   employeeID,
		CreatedAt:    now,
	}); err != nil {
		return err
	}
	if _, err := r.bus.Publish(ctx, tx, outbox.TopicInventoryUpdate, outbox.InventoryUpdatePayload{
		ProductID:  productID,
		Delta:      delta,
		ChangeType: changeType,
		EmployeeID: employeeID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

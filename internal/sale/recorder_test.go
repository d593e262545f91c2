package sale

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store, *outbox.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bus := outbox.New(s)
	return NewRecorder(s, bus, "lane-1"), s, bus
}

func seedProduct(t *testing.T, s *store.Store, id string, stock int, priceCents int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer tx.Rollback()
	err = tx.UpsertProduct(ctx, store.Product{
		ID: id, SKU: "sku-" + id, Name: "Test " + id, Category: "liquor", Size: "1.75L",
		PriceCents: priceCents, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("UpsertProduct() failed: %v", err)
	}
	err = tx.UpsertInventory(ctx, store.Inventory{
		ProductID: id, CurrentStock: stock, LastUpdated: now, LastSynced: now,
	})
	if err != nil {
		t.Fatalf("UpsertInventory() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

func pendingTopics(t *testing.T, bus *outbox.Bus) []string {
	t.Helper()
	rows, err := bus.GetPending(context.Background(), store.StatusPending, 100)
	if err != nil {
		t.Fatalf("GetPending() failed: %v", err)
	}
	topics := make([]string, 0, len(rows))
	for _, row := range rows {
		topics = append(topics, row.Topic)
	}
	return topics
}

func TestRecordSale(t *testing.T) {
	r, s, bus := newTestRecorder(t)
	seedProduct(t, s, "p1", 10, 2499)
	ctx := context.Background()

	tendered := int64(3000)
	change := int64(501)
	txnID, err := r.RecordSale(ctx, Sale{
		EmployeeID:    "emp-1",
		SubtotalCents: 2499,
		TaxCents:      206,
		TotalCents:    2705,
		Lines: []Line{{
			ProductID:      "p1",
			Quantity:       3,
			UnitPriceCents: 2499,
			TotalCents:     7497,
		}},
		Tenders: []Tender{{
			Method:        store.PayCash,
			AmountCents:   2705,
			TenderedCents: &tendered,
			ChangeCents:   &change,
		}},
	})
	if err != nil {
		t.Fatalf("RecordSale() failed: %v", err)
	}

	txn, err := s.GetTransaction(ctx, txnID)
	if err != nil {
		t.Fatalf("GetTransaction() failed: %v", err)
	}
	if txn.Status != store.TxnCompleted {
		t.Errorf("status = %s, want completed", txn.Status)
	}
	if txn.SyncStatus != store.SyncPending {
		t.Errorf("sync status = %s, want pending", txn.SyncStatus)
	}
	if !strings.HasPrefix(txn.Number, "lane-1-") || !strings.HasSuffix(txn.Number, "-0001") {
		t.Errorf("number = %q, want lane-1-<day>-0001", txn.Number)
	}

	inv, err := s.GetInventory(ctx, "p1")
	if err != nil {
		t.Fatalf("GetInventory() failed: %v", err)
	}
	if inv.CurrentStock != 7 {
		t.Errorf("stock = %d, want 7", inv.CurrentStock)
	}

	topics := pendingTopics(t, bus)
	if len(topics) != 2 {
		t.Fatalf("outbox rows = %v, want transaction:new + inventory:update", topics)
	}
	if topics[0] != string(outbox.TopicTransactionNew) || topics[1] != string(outbox.TopicInventoryUpdate) {
		t.Errorf("topics = %v, want [transaction:new inventory:update]", topics)
	}

	changes, err := s.ListInventoryChanges(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListInventoryChanges() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(changes))
	}
	if changes[0].ChangeType != store.ChangeSale || changes[0].Delta != -3 {
		t.Errorf("audit row = %+v, want sale delta -3", changes[0])
	}
}

func TestRecordSaleOversellRollsBackEverything(t *testing.T) {
	r, s, bus := newTestRecorder(t)
	seedProduct(t, s, "p1", 2, 999)
	ctx := context.Background()

	_, err := r.RecordSale(ctx, Sale{
		EmployeeID: "emp-1",
		TotalCents: 4995,
		Lines: []Line{{
			ProductID:      "p1",
			Quantity:       5,
			UnitPriceCents: 999,
			TotalCents:     4995,
		}},
	})
	if err == nil {
		t.Fatal("RecordSale() oversold without error")
	}

	// nothing from the failed sale survives: no transaction, no stock
	// movement, no outbox rows
	n, err := s.CountTransactions(ctx)
	if err != nil {
		t.Fatalf("CountTransactions() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("transactions after failed sale = %d, want 0", n)
	}

	inv, err := s.GetInventory(ctx, "p1")
	if err != nil {
		t.Fatalf("GetInventory() failed: %v", err)
	}
	if inv.CurrentStock != 2 {
		t.Errorf("stock after failed sale = %d, want 2", inv.CurrentStock)
	}

	if topics := pendingTopics(t, bus); len(topics) != 0 {
		t.Errorf("outbox rows after failed sale = %v, want none", topics)
	}
}

func TestRecordSaleValidation(t *testing.T) {
	r, s, _ := newTestRecorder(t)
	seedProduct(t, s, "p1", 10, 999)
	ctx := context.Background()

	if _, err := r.RecordSale(ctx, Sale{EmployeeID: "emp-1"}); !errors.Is(err, ErrNoLines) {
		t.Errorf("empty sale error = %v, want ErrNoLines", err)
	}

	_, err := r.RecordSale(ctx, Sale{
		EmployeeID: "emp-1",
		Lines:      []Line{{ProductID: "p1", Quantity: 0}},
	})
	if !errors.Is(err, ErrBadQuantity) {
		t.Errorf("zero quantity error = %v, want ErrBadQuantity", err)
	}
}

func TestRecordReturn(t *testing.T) {
	r, s, _ := newTestRecorder(t)
	seedProduct(t, s, "p1", 10, 999)
	ctx := context.Background()

	saleID, err := r.RecordSale(ctx, Sale{
		EmployeeID: "emp-1",
		TotalCents: 1998,
		Lines: []Line{{
			ProductID:      "p1",
			Quantity:       2,
			UnitPriceCents: 999,
			TotalCents:     1998,
		}},
	})
	if err != nil {
		t.Fatalf("RecordSale() failed: %v", err)
	}

	refundID, err := r.RecordReturn(ctx, saleID, "emp-2", []Line{{
		ProductID:      "p1",
		Quantity:       1,
		UnitPriceCents: 999,
		TotalCents:     999,
	}})
	if err != nil {
		t.Fatalf("RecordReturn() failed: %v", err)
	}

	refund, err := s.GetTransaction(ctx, refundID)
	if err != nil {
		t.Fatalf("GetTransaction() failed: %v", err)
	}
	if refund.Status != store.TxnRefunded {
		t.Errorf("refund status = %s, want refunded", refund.Status)
	}
	if refund.OriginalTransactionID == nil || *refund.OriginalTransactionID != saleID {
		t.Errorf("original id = %v, want %s", refund.OriginalTransactionID, saleID)
	}
	if refund.TotalCents != -999 {
		t.Errorf("refund total = %d, want -999", refund.TotalCents)
	}

	inv, err := s.GetInventory(ctx, "p1")
	if err != nil {
		t.Fatalf("GetInventory() failed: %v", err)
	}
	if inv.CurrentStock != 9 {
		t.Errorf("stock after sale of 2 and return of 1 = %d, want 9", inv.CurrentStock)
	}

	items, err := s.ListTransactionItems(ctx, refundID)
	if err != nil {
		t.Fatalf("ListTransactionItems() failed: %v", err)
	}
	if len(items) != 1 || !items[0].Returned {
		t.Errorf("refund items = %+v, want one returned item", items)
	}
}

func TestVoidTransaction(t *testing.T) {
	r, s, _ := newTestRecorder(t)
	seedProduct(t, s, "p1", 10, 999)
	ctx := context.Background()

	saleID, err := r.RecordSale(ctx, Sale{
		EmployeeID: "emp-1",
		TotalCents: 2997,
		Lines: []Line{{
			ProductID:      "p1",
			Quantity:       3,
			UnitPriceCents: 999,
			TotalCents:     2997,
		}},
	})
	if err != nil {
		t.Fatalf("RecordSale() failed: %v", err)
	}

	if err := r.VoidTransaction(ctx, saleID, "emp-2"); err != nil {
		t.Fatalf("VoidTransaction() failed: %v", err)
	}

	txn, err := s.GetTransaction(ctx, saleID)
	if err != nil {
		t.Fatalf("GetTransaction() failed: %v", err)
	}
	if txn.Status != store.TxnVoided {
		t.Errorf("status = %s, want voided", txn.Status)
	}

	inv, err := s.GetInventory(ctx, "p1")
	if err != nil {
		t.Fatalf("GetInventory() failed: %v", err)
	}
	if inv.CurrentStock != 10 {
		t.Errorf("stock after void = %d, want 10 (restored)", inv.CurrentStock)
	}

	// a voided transaction cannot be voided again
	if err := r.VoidTransaction(ctx, saleID, "emp-2"); !errors.Is(err, ErrNotVoidable) {
		t.Errorf("second void = %v, want ErrNotVoidable", err)
	}
}

func TestRecordReturnUnknownOriginal(t *testing.T) {
	r, _, _ := newTestRecorder(t)

	_, err := r.RecordReturn(context.Background(), "missing", "emp-1", []Line{{
		ProductID: "p1", Quantity: 1, TotalCents: 999,
	}})
	if err == nil {
		t.Fatal("RecordReturn() with unknown original succeeded")
	}
}

func TestReceiveAndAdjustStock(t *testing.T) {
	r, s, bus := newTestRecorder(t)
	seedProduct(t, s, "p1", 10, 999)
	ctx := context.Background()

	if err := r.ReceiveStock(ctx, "p1", "emp-1", 24); err != nil {
		t.Fatalf("ReceiveStock() failed: %v", err)
	}
	if err := r.AdjustStock(ctx, "p1", "emp-1", -4); err != nil {
		t.Fatalf("AdjustStock() failed: %v", err)
	}
	// zero delta is a no-op, not an error
	if err := r.AdjustStock(ctx, "p1", "emp-1", 0); err != nil {
		t.Errorf("AdjustStock(0) = %v, want nil", err)
	}
	if err := r.ReceiveStock(ctx, "p1", "emp-1", -5); !errors.Is(err, ErrBadQuantity) {
		t.Errorf("ReceiveStock(-5) = %v, want ErrBadQuantity", err)
	}

	inv, err := s.GetInventory(ctx, "p1")
	if err != nil {
		t.Fatalf("GetInventory() failed: %v", err)
	}
	if inv.CurrentStock != 30 {
		t.Errorf("stock = %d, want 30", inv.CurrentStock)
	}

	changes, err := s.ListInventoryChanges(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListInventoryChanges() failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(changes))
	}

	topics := pendingTopics(t, bus)
	if len(topics) != 2 {
		t.Errorf("outbox rows = %v, want two inventory:update rows", topics)
	}
}

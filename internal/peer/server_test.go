package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/store"
)

func mustParseDuration(t *testing.T, s string) time.Duration {
	t.Helper()
	d, err := time.ParseDuration(s)
	if err != nil {
		t.Fatalf("bad duration %q: %v", s, err)
	}
	return d
}

func newTestStore(t *testing.T) (*store.Store, *outbox.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, outbox.New(s)
}

func seedProduct(t *testing.T, s *store.Store, id string, stock int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer tx.Rollback()
	err = tx.UpsertProduct(ctx, store.Product{
		ID: id, SKU: "sku-" + id, Name: "Test " + id, Category: "liquor", Size: "750ml",
		CreatedAt: now, UpdatedAt: now,
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

// recordingSink captures reconciler traffic handed off by the server.
type recordingSink struct {
	mu        sync.Mutex
	checksums []string
	snapshots []string
}

func (r *recordingSink) HandleChecksum(_ context.Context, fromTerminal string, _ outbox.ChecksumPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checksums = append(r.checksums, fromTerminal)
}

func (r *recordingSink) HandleSnapshot(_ context.Context, fromTerminal, _ string, _ []InventorySnapshotRow, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, fromTerminal)
}

func (r *recordingSink) checksumCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.checksums)
}

func startServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
	header := http.Header{}
	header.Set(terminalIDHeader, "T2")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if got := resp.Header.Get(terminalIDHeader); got != srv.TerminalID {
		t.Errorf("handshake terminal id = %q, want %q", got, srv.TerminalID)
	}
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env outbox.Envelope) {
	t.Helper()
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("WriteJSON() failed: %v", err)
	}
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON() failed: %v", err)
	}
	return reply
}

func TestServerAppliesInventoryUpdateOnce(t *testing.T) {
	s, bus := newTestStore(t)
	seedProduct(t, s, "p1", 10)
	srv := NewServer(s, bus, "T1")
	conn := startServer(t, srv)
	ctx := context.Background()

	env := outbox.Envelope{
		ID:           bus.NewID(),
		FromTerminal: "T2",
		Topic:        string(outbox.TopicInventoryUpdate),
		Payload:      []byte(`{"productId":"p1","delta":-2,"changeType":"sale","employeeId":"emp-1"}`),
		Timestamp:    time.Now().UTC(),
	}

	// deliver the same message twice; both get acks, the effect lands once
	for i := 0; i < 2; i++ {
		sendEnvelope(t, conn, env)
		reply := readReply(t, conn)
		if reply["type"] != frameAck {
			t.Fatalf("delivery %d reply = %v, want ack", i+1, reply)
		}
		if reply["messageId"] != env.ID {
			t.Errorf("delivery %d ack messageId = %v, want %s", i+1, reply["messageId"], env.ID)
		}
	}

	inv, err := s.GetInventory(ctx, "p1")
	if err != nil {
		t.Fatalf("GetInventory() failed: %v", err)
	}
	if inv.CurrentStock != 8 {
		t.Errorf("stock after duplicate delivery = %d, want 8", inv.CurrentStock)
	}

	n, err := s.CountInboxProcessed(ctx, env.ID)
	if err != nil {
		t.Fatalf("CountInboxProcessed() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("inbox entries = %d, want 1", n)
	}

	changes, err := s.ListInventoryChanges(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListInventoryChanges() failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(changes))
	}
	if changes[0].TerminalID != "T2" || changes[0].ChangeType != store.ChangeSale {
		t.Errorf("audit row = %+v, want terminal T2 sale", changes[0])
	}
}

func TestServerReplicatesTransaction(t *testing.T) {
	s, bus := newTestStore(t)
	seedProduct(t, s, "p1", 10)
	srv := NewServer(s, bus, "T1")
	conn := startServer(t, srv)
	ctx := context.Background()

	payload, _ := json.Marshal(outbox.TransactionPayload{
		Transaction: store.Transaction{
			ID:         "01ARZ3NDEKTSV4RRFFQ69G5FAV",
			Number:     "T2-20260301-0001",
			EmployeeID: "emp-1",
			TotalCents: 1999,
			Status:     store.TxnCompleted,
			TerminalID: "T2",
			SyncStatus: store.SyncPending,
			CreatedAt:  time.Now().UTC(),
		},
		Items: []store.TransactionItem{{
			ID: "item-1", TransactionID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", ProductID: "p1",
			Quantity: 1, UnitPriceCents: 1999, TotalCents: 1999,
		}},
		Payments: []store.Payment{{
			ID: "pay-1", TransactionID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
			Method: store.PayCash, AmountCents: 1999,
		}},
	})

	sendEnvelope(t, conn, outbox.Envelope{
		ID:           bus.NewID(),
		FromTerminal: "T2",
		Topic:        string(outbox.TopicTransactionNew),
		Payload:      payload,
		Timestamp:    time.Now().UTC(),
	})
	reply := readReply(t, conn)
	if reply["type"] != frameAck {
		t.Fatalf("reply = %v, want ack", reply)
	}

	txn, err := s.GetTransaction(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if err != nil {
		t.Fatalf("GetTransaction() failed: %v", err)
	}
	// replicated copies never re-enter the sync pipeline
	if txn.SyncStatus != store.SyncSynced {
		t.Errorf("replicated sync status = %s, want synced", txn.SyncStatus)
	}
	if txn.TerminalID != "T2" {
		t.Errorf("terminal id = %s, want originating terminal T2", txn.TerminalID)
	}

	items, err := s.ListTransactionItems(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if err != nil {
		t.Fatalf("ListTransactionItems() failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}
}

func TestServerRejectsUnknownTopic(t *testing.T) {
	s, bus := newTestStore(t)
	srv := NewServer(s, bus, "T1")
	conn := startServer(t, srv)

	env := outbox.Envelope{
		ID:           bus.NewID(),
		FromTerminal: "T2",
		Topic:        "bogus:topic",
		Payload:      []byte(`{}`),
		Timestamp:    time.Now().UTC(),
	}
	sendEnvelope(t, conn, env)

	reply := readReply(t, conn)
	if reply["type"] != frameError {
		t.Fatalf("reply = %v, want error frame", reply)
	}

	// an unacked, unapplied message leaves no inbox entry
	n, err := s.CountInboxProcessed(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("CountInboxProcessed() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("inbox entries for rejected message = %d, want 0", n)
	}
}

func TestServerNoAckOnApplyFailure(t *testing.T) {
	s, bus := newTestStore(t)
	srv := NewServer(s, bus, "T1")
	conn := startServer(t, srv)

	// delta against a product this terminal has never seen
	env := outbox.Envelope{
		ID:           bus.NewID(),
		FromTerminal: "T2",
		Topic:        string(outbox.TopicInventoryUpdate),
		Payload:      []byte(`{"productId":"ghost","delta":-1}`),
		Timestamp:    time.Now().UTC(),
	}
	sendEnvelope(t, conn, env)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err == nil {
		t.Fatalf("got reply %v, want silence so the sender retries", reply)
	}

	n, err := s.CountInboxProcessed(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("CountInboxProcessed() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("inbox entries for failed apply = %d, want 0", n)
	}
}

func TestServerForwardsChecksumToReconciler(t *testing.T) {
	s, bus := newTestStore(t)
	sink := &recordingSink{}
	srv := NewServer(s, bus, "T1")
	srv.Recon = sink
	conn := startServer(t, srv)

	payload, _ := json.Marshal(outbox.ChecksumPayload{
		Checksum:    "abc123",
		RowCount:    7,
		GeneratedAt: time.Now().UTC(),
	})
	sendEnvelope(t, conn, outbox.Envelope{
		ID:           bus.NewID(),
		FromTerminal: "T2",
		Topic:        string(outbox.TopicInventoryChecksum),
		Payload:      payload,
		Timestamp:    time.Now().UTC(),
	})

	reply := readReply(t, conn)
	if reply["type"] != frameAck {
		t.Fatalf("reply = %v, want ack", reply)
	}
	if got := sink.checksumCount(); got != 1 {
		t.Errorf("reconciler received %d checksums, want 1", got)
	}
}

func TestServerServesInventorySnapshot(t *testing.T) {
	s, bus := newTestStore(t)
	seedProduct(t, s, "p1", 4)
	seedProduct(t, s, "p2", 9)
	srv := NewServer(s, bus, "T1")
	conn := startServer(t, srv)

	if err := conn.WriteJSON(inventoryRequestFrame{Type: frameInventoryRequest, RequestID: "req-1"}); err != nil {
		t.Fatalf("WriteJSON() failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp inventoryResponseFrame
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON() failed: %v", err)
	}
	if resp.Type != frameInventoryResponse || resp.RequestID != "req-1" {
		t.Fatalf("response = %+v, want inventory_response req-1", resp)
	}
	if len(resp.Inventory) != 2 {
		t.Fatalf("snapshot rows = %d, want 2", len(resp.Inventory))
	}
	if resp.Inventory[0].ProductID != "p1" || resp.Inventory[0].CurrentStock != 4 {
		t.Errorf("snapshot[0] = %+v, want p1 stock 4", resp.Inventory[0])
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, bus := newTestStore(t)
	srv := NewServer(s, bus, "T1")
	srv.Health = func() any { return []PeerStatus{{URL: "ws://lane-2:8083/sync", State: "connected"}} }

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["peers"] == nil {
		t.Error("peers field missing from health body")
	}
}

package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/store"
)

func waitFor(t *testing.T, d time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// capturePeer is a minimal remote terminal: it accepts the sync handshake,
// records envelope ids in arrival order, and acks everything.
type capturePeer struct {
	terminalID string
	upgrader   websocket.Upgrader

	mu  sync.Mutex
	ids []string
}

func (p *capturePeer) handler(w http.ResponseWriter, r *http.Request) {
	respHeader := http.Header{}
	respHeader.Set(terminalIDHeader, p.terminalID)
	conn, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := decodeFrame(raw)
		if err != nil || frame.envelope == nil {
			continue
		}
		p.mu.Lock()
		p.ids = append(p.ids, frame.envelope.ID)
		p.mu.Unlock()
		conn.WriteJSON(ackFrame{Type: frameAck, MessageID: frame.envelope.ID})
	}
}

func (p *capturePeer) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ids))
	copy(out, p.ids)
	return out
}

func startCapturePeer(t *testing.T, terminalID string) (*capturePeer, string) {
	t.Helper()
	p := &capturePeer{terminalID: terminalID}
	ts := httptest.NewServer(http.HandlerFunc(p.handler))
	t.Cleanup(ts.Close)
	return p, "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"
}

func publishRow(t *testing.T, bus *outbox.Bus, s *store.Store, productID string) string {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer tx.Rollback()
	id, err := bus.Publish(ctx, tx, outbox.TopicInventoryUpdate, outbox.InventoryUpdatePayload{
		ProductID: productID,
		Delta:     -1,
	})
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return id
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("client did not stop after cancel")
		}
	})
}

func TestClientDrainsBacklogInOrder(t *testing.T) {
	s, bus := newTestStore(t)
	peer, url := startCapturePeer(t, "T2")

	// rows published before the link exists replicate on connect
	var published []string
	for _, pid := range []string{"p1", "p2", "p3"} {
		published = append(published, publishRow(t, bus, s, pid))
	}

	c := NewClient(bus, "T1", []string{url}, ClientOptions{
		BackoffBase:   100 * time.Millisecond,
		DrainInterval: 20 * time.Millisecond,
	})
	runClient(t, c)

	ctx := context.Background()
	waitFor(t, 5*time.Second, "all rows peer_ack", func() bool {
		for _, id := range published {
			row, err := bus.Get(ctx, id)
			if err != nil || row.Status != store.StatusPeerAck {
				return false
			}
		}
		return true
	})

	got := peer.received()
	seen := make(map[string]bool)
	var firstSeen []string
	for _, id := range got {
		if !seen[id] {
			seen[id] = true
			firstSeen = append(firstSeen, id)
		}
	}
	if len(firstSeen) != len(published) {
		t.Fatalf("peer saw %d distinct rows, want %d", len(firstSeen), len(published))
	}
	for i := range published {
		if firstSeen[i] != published[i] {
			t.Errorf("arrival order[%d] = %s, want %s", i, firstSeen[i], published[i])
		}
	}
}

func TestClientDeliversToRealServer(t *testing.T) {
	// two full terminals: A records a stock movement, B applies it
	storeA, busA := newTestStore(t)
	storeB, busB := newTestStore(t)
	seedProduct(t, storeA, "p1", 10)
	seedProduct(t, storeB, "p1", 10)

	srvB := NewServer(storeB, busB, "T2")
	ts := httptest.NewServer(srvB.Routes())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"

	c := NewClient(busA, "T1", []string{url}, ClientOptions{
		BackoffBase:   100 * time.Millisecond,
		DrainInterval: 20 * time.Millisecond,
	})
	runClient(t, c)

	id := publishRow(t, busA, storeA, "p1")

	ctx := context.Background()
	waitFor(t, 5*time.Second, "row peer_ack at origin", func() bool {
		row, err := busA.Get(ctx, id)
		return err == nil && row.Status == store.StatusPeerAck
	})
	waitFor(t, 5*time.Second, "delta applied at receiver", func() bool {
		inv, err := storeB.GetInventory(ctx, "p1")
		return err == nil && inv.CurrentStock == 9
	})

	// the link learned the remote terminal id from the handshake
	waitFor(t, 5*time.Second, "remote terminal learned", func() bool {
		status := c.Status()
		return len(status) == 1 && status[0].RemoteTerminal == "T2"
	})
}

func TestClientStatusWhilePeerDown(t *testing.T) {
	_, bus := newTestStore(t)

	c := NewClient(bus, "T1", []string{"ws://127.0.0.1:1/sync"}, ClientOptions{
		BackoffBase:   50 * time.Millisecond,
		DrainInterval: 20 * time.Millisecond,
	})
	runClient(t, c)

	waitFor(t, 5*time.Second, "link to enter backoff", func() bool {
		status := c.Status()
		if len(status) != 1 {
			return false
		}
		return status[0].State == string(stateBackoff) || status[0].State == string(stateConnecting)
	})
}

func TestRequestInventoryUnknownPeer(t *testing.T) {
	_, bus := newTestStore(t)
	c := NewClient(bus, "T1", nil, ClientOptions{})

	err := c.RequestInventory(context.Background(), "T9", "req-1")
	if err == nil {
		t.Fatal("RequestInventory() to unknown peer succeeded, want ErrPeerUnavailable")
	}
}

// flakyPeer accepts the handshake, reads one frame, and drops the
// connection without ever acking.
type flakyPeer struct {
	terminalID string
	upgrader   websocket.Upgrader
}

func (p *flakyPeer) handler(w http.ResponseWriter, r *http.Request) {
	respHeader := http.Header{}
	respHeader.Set(terminalIDHeader, p.terminalID)
	conn, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return
	}
	conn.ReadMessage()
	conn.Close()
}

func TestDisconnectCountsInflightAsRetry(t *testing.T) {
	s, bus := newTestStore(t)
	p := &flakyPeer{terminalID: "T2"}
	ts := httptest.NewServer(http.HandlerFunc(p.handler))
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"

	id := publishRow(t, bus, s, "p1")

	c := NewClient(bus, "T1", []string{url}, ClientOptions{
		BackoffBase:   20 * time.Millisecond,
		MaxRetries:    2,
		DrainInterval: 20 * time.Millisecond,
	})
	runClient(t, c)

	// every dropped connection counts the in-flight row as a failed
	// attempt, so a row stuck behind a flapping peer still reaches the
	// retry cap
	ctx := context.Background()
	waitFor(t, 5*time.Second, "row to dead-letter", func() bool {
		row, err := bus.Get(ctx, id)
		return err == nil && row.Status == store.StatusError
	})
}

// silentPeer accepts the handshake and reads frames but never replies,
// keeping the connection open.
type silentPeer struct {
	terminalID string
	upgrader   websocket.Upgrader
}

func (p *silentPeer) handler(w http.ResponseWriter, r *http.Request) {
	respHeader := http.Header{}
	respHeader.Set(terminalIDHeader, p.terminalID)
	conn, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestAckTimeoutRetriesUnackedRow(t *testing.T) {
	s, bus := newTestStore(t)
	p := &silentPeer{terminalID: "T2"}
	ts := httptest.NewServer(http.HandlerFunc(p.handler))
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync"

	id := publishRow(t, bus, s, "p1")

	c := NewClient(bus, "T1", []string{url}, ClientOptions{
		BackoffBase:   10 * time.Millisecond,
		MaxRetries:    2,
		DrainInterval: 20 * time.Millisecond,
	})
	runClient(t, c)

	// the ack timer fires on the healthy connection, each timeout counts
	// a retry and re-sends, and the row dead-letters at the cap
	ctx := context.Background()
	waitFor(t, 5*time.Second, "unacked row to dead-letter", func() bool {
		row, err := bus.Get(ctx, id)
		return err == nil && row.Status == store.StatusError
	})
}

func TestRowDeadLettersAfterMaxRetries(t *testing.T) {
	s, bus := newTestStore(t)
	id := publishRow(t, bus, s, "p1")

	c := NewClient(bus, "T1", nil, ClientOptions{MaxRetries: 3})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.rowRetry(ctx, id)
	}

	row, err := bus.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if row.Status != store.StatusError {
		t.Errorf("status after %d retries = %s, want error", 3, row.Status)
	}
	if row.Retries != 3 {
		t.Errorf("retries = %d, want 3", row.Retries)
	}
}

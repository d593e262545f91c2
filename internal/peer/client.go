package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lanesync/lanesync/internal/metrics"
	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/store"
)

// Link states. Reconnection is uncapped: a peer that is down for hours
// reconnects as soon as it comes back.
type linkState string

const (
	stateDisconnected linkState = "disconnected"
	stateConnecting   linkState = "connecting"
	stateConnected    linkState = "connected"
	stateBackoff      linkState = "backoff"
)

// ErrPeerUnavailable is returned when a request targets a terminal with no
// connected link.
var ErrPeerUnavailable = errors.New("peer not connected")

// drainBatchSize bounds rows fetched per drain tick.
const drainBatchSize = 256

// ClientOptions tune the peer client.
type ClientOptions struct {
	BackoffBase   time.Duration
	MaxRetries    int
	DrainInterval time.Duration
}

// PeerStatus is a health snapshot of one link.
type PeerStatus struct {
	URL            string `json:"url"`
	State          string `json:"state"`
	RemoteTerminal string `json:"remoteTerminal,omitempty"`
	PendingAcks    int    `json:"pendingAcks"`
}

// Client maintains one outbound connection per configured peer and drains
// pending outbox rows into all of them. A row becomes peer_ack as soon as
// any one peer acknowledges it.
type Client struct {
	terminalID string
	bus        *outbox.Bus
	opts       ClientOptions

	// Recon receives inventory snapshots arriving on outbound links.
	Recon ReconcilerSink

	mu    sync.Mutex
	links []*peerLink

	drainNow chan struct{}
	draining atomic.Bool
}

// NewClient builds a client for the given peer URLs. An empty list is a
// legal single-lane deployment; the drain loop then only exists to feed
// reconnection of later-configured peers and does nothing.
func NewClient(bus *outbox.Bus, terminalID string, peerURLs []string, opts ClientOptions) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 200 * time.Millisecond
	}

	c := &Client{
		terminalID: terminalID,
		bus:        bus,
		opts:       opts,
		drainNow:   make(chan struct{}, 1),
	}
	for _, u := range peerURLs {
		c.links = append(c.links, newPeerLink(c, u))
	}
	return c
}

// Run starts one manager goroutine per peer plus the drain ticker, and
// blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range c.links {
		wg.Add(1)
		go func(l *peerLink) {
			defer wg.Done()
			l.run(ctx)
		}(l)
	}

	ticker := time.NewTicker(c.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			c.drain(ctx)
		case <-c.drainNow:
			c.drain(ctx)
		}
	}
}

// drain feeds pending rows to every connected link, oldest first. A tick
// that fires while the previous drain is still running is skipped.
func (c *Client) drain(ctx context.Context) {
	if !c.draining.CompareAndSwap(false, true) {
		return
	}
	defer c.draining.Store(false)

	rows, err := c.bus.GetPending(ctx, store.StatusPending, drainBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("drain: failed to read outbox")
		return
	}
	if len(rows) == 0 {
		return
	}

	c.mu.Lock()
	links := make([]*peerLink, len(c.links))
	copy(links, c.links)
	c.mu.Unlock()

	for _, l := range links {
		if l.currentState() != stateConnected {
			continue
		}
		// Rows stay in ULID order through the outbound channel, so each
		// link transmits in chronological order.
		for i := range rows {
			l.offer(outboundRow{row: rows[i]})
		}
	}
}

// kick schedules an immediate drain, used when a link (re)connects.
func (c *Client) kick() {
	select {
	case c.drainNow <- struct{}{}:
	default:
	}
}

// RequestInventory sends an inventory_request to the named terminal over
// its connected link.
func (c *Client) RequestInventory(ctx context.Context, terminalID, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.links {
		if l.remoteID() == terminalID && l.currentState() == stateConnected {
			if l.offer(inventoryRequestFrame{Type: frameInventoryRequest, RequestID: requestID}) {
				return nil
			}
			return fmt.Errorf("%w: %s send queue full", ErrPeerUnavailable, terminalID)
		}
	}
	return fmt.Errorf("%w: %s", ErrPeerUnavailable, terminalID)
}

// Status returns a health snapshot of every link.
func (c *Client) Status() []PeerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerStatus, 0, len(c.links))
	for _, l := range c.links {
		out = append(out, l.status())
	}
	return out
}

// rowRetry counts one failed delivery attempt for a row and dead-letters
// it once retries reach the cap.
func (c *Client) rowRetry(ctx context.Context, id string) {
	metrics.PeerRetries.Inc()
	n, err := c.bus.IncrementRetries(ctx, id)
	if err != nil {
		if !errors.Is(err, outbox.ErrRowNotFound) {
			log.Error().Err(err).Str("id", id).Msg("failed to count retry")
		}
		return
	}
	if n >= c.opts.MaxRetries {
		if err := c.bus.MarkError(ctx, id); err != nil {
			if !errors.Is(err, outbox.ErrInvalidTransition) {
				log.Error().Err(err).Str("id", id).Msg("failed to dead-letter row")
			}
			return
		}
		metrics.DeadLettered.Inc()
	}
}

// outboundRow wraps an outbox row queued for one link.
type outboundRow struct {
	row store.OutboxRow
}

// pendingAck tracks one unacknowledged transmission.
type pendingAck struct {
	timer *time.Timer
}

// peerLink is the per-peer manager: a single task owning the connection,
// the pending-ack map, and all writes.
type peerLink struct {
	c   *Client
	url string

	mu             sync.Mutex
	state          linkState
	remoteTerminal string

	outbound chan any
	timeouts chan string

	// pending is owned by the run goroutine; no lock needed. The count is
	// mirrored atomically for the health snapshot.
	pending      map[string]*pendingAck
	pendingCount atomic.Int32

	logger zerolog.Logger
}

func newPeerLink(c *Client, url string) *peerLink {
	return &peerLink{
		c:        c,
		url:      url,
		state:    stateDisconnected,
		outbound: make(chan any, 512),
		timeouts: make(chan string, 512),
		pending:  make(map[string]*pendingAck),
		logger:   log.With().Str("peer_url", url).Logger(),
	}
}

func (l *peerLink) currentState() linkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *peerLink) setState(s linkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *peerLink) remoteID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteTerminal
}

func (l *peerLink) status() PeerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return PeerStatus{
		URL:            l.url,
		State:          string(l.state),
		RemoteTerminal: l.remoteTerminal,
		PendingAcks:    int(l.pendingCount.Load()),
	}
}

// offer enqueues a frame without blocking; a full queue drops the frame
// and the next drain tick retries.
func (l *peerLink) offer(v any) bool {
	select {
	case l.outbound <- v:
		return true
	default:
		return false
	}
}

// run is the link's connection lifecycle loop: dial with jittered
// exponential backoff, serve the connection, repeat.
func (l *peerLink) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.c.opts.BackoffBase
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return
		}

		l.setState(stateConnecting)
		conn, remote, err := l.dial(ctx)
		if err != nil {
			l.setState(stateBackoff)
			wait := bo.NextBackOff()
			l.logger.Debug().Err(err).Dur("backoff", wait).Msg("connect failed")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				l.setState(stateDisconnected)
				return
			}
			continue
		}

		bo.Reset()
		l.mu.Lock()
		l.state = stateConnected
		l.remoteTerminal = remote
		l.mu.Unlock()
		metrics.PeersConnected.Inc()
		l.logger.Info().Str("remote", remote).Msg("peer link established")

		l.c.kick()
		l.serve(ctx, conn)

		metrics.PeersConnected.Dec()
		l.setState(stateDisconnected)
		l.expireAllPending(ctx)
	}
}

func (l *peerLink) dial(ctx context.Context) (*websocket.Conn, string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(map[string][]string)
	header[terminalIDHeader] = []string{l.c.terminalID}

	conn, resp, err := dialer.DialContext(ctx, l.url, header)
	if err != nil {
		return nil, "", err
	}
	remote := ""
	if resp != nil {
		remote = resp.Header.Get(terminalIDHeader)
	}
	return conn, remote, nil
}

// serve is the single-connection event loop over incoming frames, queued
// outbound work, and ack timeouts. It returns when the connection dies.
func (l *peerLink) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	incoming := make(chan *decodedFrame, 64)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := decodeFrame(raw)
			if err != nil {
				l.logger.Debug().Err(err).Msg("dropping malformed reply")
				continue
			}
			select {
			case incoming <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(time.Second))
			return

		case <-readDone:
			return

		case frame := <-incoming:
			l.handleFrame(ctx, frame)

		case id := <-l.timeouts:
			if _, ok := l.pending[id]; !ok {
				continue
			}
			delete(l.pending, id)
			l.pendingCount.Store(int32(len(l.pending)))
			l.logger.Debug().Str("id", id).Msg("ack timeout")
			l.c.rowRetry(ctx, id)

		case v := <-l.outbound:
			if !l.send(ctx, conn, v) {
				return
			}
		}
	}
}

// send writes one queued frame. A send failure counts as a retry for the
// affected row and tears the connection down; the row stays pending and
// is re-drained after reconnect.
func (l *peerLink) send(ctx context.Context, conn *websocket.Conn, v any) bool {
	switch out := v.(type) {
	case outboundRow:
		id := out.row.ID
		if _, inFlight := l.pending[id]; inFlight {
			return true
		}

		env := outbox.EnvelopeFromRow(out.row, l.c.terminalID)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(env); err != nil {
			l.logger.Warn().Err(err).Str("id", id).Msg("send failed")
			l.c.rowRetry(ctx, id)
			return false
		}
		metrics.PeerFramesSent.Inc()

		timeout := ackTimeout(l.c.opts.BackoffBase, out.row.Retries)
		l.pending[id] = &pendingAck{
			timer: time.AfterFunc(timeout, func() {
				// Block rather than drop on a full channel: a lost
				// notification strands the pending entry and the row
				// cannot be re-sent until the next disconnect.
				select {
				case l.timeouts <- id:
				case <-ctx.Done():
				}
			}),
		}
		l.pendingCount.Store(int32(len(l.pending)))
		return true

	default:
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(v); err != nil {
			l.logger.Warn().Err(err).Msg("control send failed")
			return false
		}
		return true
	}
}

func (l *peerLink) handleFrame(ctx context.Context, frame *decodedFrame) {
	switch {
	case frame.ack != nil:
		id := frame.ack.MessageID
		entry, ok := l.pending[id]
		if ok {
			entry.timer.Stop()
			delete(l.pending, id)
			l.pendingCount.Store(int32(len(l.pending)))
		}
		metrics.PeerAcksReceived.Inc()
		if err := l.c.bus.MarkSent(ctx, id, store.StatusPeerAck); err != nil {
			// A second peer acking the same row lands here; only log real
			// failures.
			if !errors.Is(err, outbox.ErrRowNotFound) && !errors.Is(err, outbox.ErrInvalidTransition) {
				l.logger.Error().Err(err).Str("id", id).Msg("failed to mark peer_ack")
			}
		}

	case frame.err != nil:
		// Protocol error reply: the affected rows cannot be identified from
		// the frame, so let their ack timers run out and retry.
		l.logger.Warn().Str("reason", frame.err.Reason).Msg("peer rejected frame")

	case frame.invResp != nil:
		if l.c.Recon != nil {
			l.c.Recon.HandleSnapshot(ctx, l.remoteID(), frame.invResp.RequestID, frame.invResp.Inventory, frame.invResp.GeneratedAt)
		}

	default:
		l.logger.Debug().Msg("ignoring unexpected frame on outbound link")
	}
}

// expireAllPending flushes all in-flight entries after a disconnect. Each
// entry counts as a failed attempt, the same as an ack timeout, so a row
// stuck behind a flapping peer still progresses toward the retry cap. On
// shutdown the entries are dropped uncounted; the rows stay pending.
func (l *peerLink) expireAllPending(ctx context.Context) {
	for id, entry := range l.pending {
		entry.timer.Stop()
		delete(l.pending, id)
		if ctx.Err() == nil {
			l.c.rowRetry(ctx, id)
		}
	}
	l.pendingCount.Store(0)
}

// ackTimeout is base * 2^retries, clamped to a sensible floor.
func ackTimeout(base time.Duration, retries int) time.Duration {
	if base < 100*time.Millisecond {
		base = 100 * time.Millisecond
	}
	if retries > 16 {
		retries = 16
	}
	return base * time.Duration(1<<uint(retries))
}

package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lanesync/lanesync/internal/metrics"
	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/store"
)

// DefaultMaxFrameBytes caps inbound frames; oversize frames get an error
// reply and the connection is closed.
const DefaultMaxFrameBytes = 1 << 20

// writeTimeout bounds every outbound write. There is no whole-message read
// timeout; idle peers are healthy and TCP keep-alive covers dead ones.
const writeTimeout = 10 * time.Second

// ReconcilerSink receives reconciliation traffic surfaced by the fabric.
type ReconcilerSink interface {
	HandleChecksum(ctx context.Context, fromTerminal string, p outbox.ChecksumPayload)
	HandleSnapshot(ctx context.Context, fromTerminal, requestID string, rows []InventorySnapshotRow, generatedAt time.Time)
}

// Server accepts inbound peer connections and applies their messages
// idempotently. It never initiates traffic beyond replies on the same
// connection.
type Server struct {
	Store         *store.Store
	Bus           *outbox.Bus
	TerminalID    string
	MaxFrameBytes int64
	Recon         ReconcilerSink

	// Health is invoked by the /healthz endpoint; the supervisor wires in
	// connection-table state.
	Health func() any

	upgrader websocket.Upgrader
}

// NewServer builds a peer server over the given store and bus.
func NewServer(s *store.Store, bus *outbox.Bus, terminalID string) *Server {
	return &Server{
		Store:         s,
		Bus:           bus,
		TerminalID:    terminalID,
		MaxFrameBytes: DefaultMaxFrameBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are trusted by network topology (the store LAN).
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes returns the listener mux: the sync endpoint plus health and
// metrics.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/sync", s.handleSync)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if s.Health != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "peers": s.Health()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	respHeader := http.Header{}
	respHeader.Set(terminalIDHeader, s.TerminalID)

	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	fromTerminal := r.Header.Get(terminalIDHeader)
	go s.serveConn(conn, fromTerminal)
}

// serveConn is the per-connection event loop. It is the sole reader and
// sole writer for its connection.
func (s *Server) serveConn(conn *websocket.Conn, fromTerminal string) {
	connID := uuid.NewString()
	logger := log.With().Str("conn", connID).Str("peer", fromTerminal).Logger()
	logger.Info().Msg("peer connected")

	max := s.MaxFrameBytes
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	conn.SetReadLimit(max)

	defer func() {
		conn.Close()
		logger.Info().Msg("peer disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if err == websocket.ErrReadLimit {
				s.writeFrame(conn, errorFrame{Type: frameError, Reason: "frame too large"})
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		frame, err := decodeFrame(raw)
		if err != nil {
			logger.Warn().Err(err).Msg("rejecting malformed frame")
			s.writeFrame(conn, errorFrame{Type: frameError, Reason: err.Error()})
			continue
		}

		switch {
		case frame.envelope != nil:
			s.handleEnvelope(conn, frame.envelope, fromTerminal, logger)
		case frame.invReq != nil:
			s.handleInventoryRequest(conn, frame.invReq, logger)
		case frame.invResp != nil:
			if s.Recon != nil {
				s.Recon.HandleSnapshot(context.Background(), fromTerminal, frame.invResp.RequestID, frame.invResp.Inventory, frame.invResp.GeneratedAt)
			}
		default:
			// Acks and error frames are sender-side concerns; a server
			// receiving one has a confused peer.
			logger.Debug().Msg("ignoring reply frame on inbound connection")
		}
	}
}

// handleEnvelope applies one message with the inbox guard and acks on
// success. The apply and the inbox insert share one transaction, so a
// crash between them cannot split them.
func (s *Server) handleEnvelope(conn *websocket.Conn, env *outbox.Envelope, fromTerminal string, logger zerolog.Logger) {
	ctx := context.Background()
	if fromTerminal == "" {
		fromTerminal = env.FromTerminal
	}

	processed, err := s.Store.IsInboxProcessed(ctx, env.ID)
	if err != nil {
		logger.Error().Err(err).Str("id", env.ID).Msg("inbox lookup failed")
		return
	}
	if processed {
		metrics.InboxDuplicates.Inc()
		s.writeFrame(conn, ackFrame{Type: frameAck, MessageID: env.ID})
		return
	}

	tx, err := s.Store.Begin(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to begin transaction")
		return
	}
	defer tx.Rollback()

	a := &applier{terminalID: s.TerminalID, bus: s.Bus}
	payload, err := a.apply(ctx, tx, env)
	if err != nil {
		if errors.Is(err, outbox.ErrUnknownTopic) {
			logger.Warn().Str("topic", env.Topic).Str("id", env.ID).Msg("dropping message with unknown topic")
			s.writeFrame(conn, errorFrame{Type: frameError, Reason: err.Error()})
			return
		}
		// Apply failure: no ack, the sender's retry timer re-delivers.
		logger.Error().Err(err).Str("id", env.ID).Str("topic", env.Topic).Msg("failed to apply message")
		return
	}

	err = tx.InsertInboxProcessed(ctx, store.InboxEntry{
		MessageID:    env.ID,
		FromTerminal: env.FromTerminal,
		Topic:        env.Topic,
		Payload:      env.Payload,
		ProcessedAt:  time.Now().UTC(),
	})
	if err != nil {
		if store.IsDuplicate(err) {
			// Another delivery won the race; the message is applied.
			metrics.InboxDuplicates.Inc()
			s.writeFrame(conn, ackFrame{Type: frameAck, MessageID: env.ID})
			return
		}
		logger.Error().Err(err).Str("id", env.ID).Msg("failed to record inbox entry")
		return
	}

	if err := tx.Commit(); err != nil {
		logger.Error().Err(err).Str("id", env.ID).Msg("failed to commit message")
		return
	}

	metrics.InboxApplied.WithLabelValues(env.Topic).Inc()
	s.writeFrame(conn, ackFrame{Type: frameAck, MessageID: env.ID})

	// Checksums feed the reconciler once durable.
	if p, ok := payload.(*outbox.ChecksumPayload); ok && s.Recon != nil {
		s.Recon.HandleChecksum(ctx, env.FromTerminal, *p)
	}
}

func (s *Server) handleInventoryRequest(conn *websocket.Conn, req *inventoryRequestFrame, logger zerolog.Logger) {
	rows, err := s.Store.ListInventory(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("failed to snapshot inventory")
		s.writeFrame(conn, errorFrame{Type: frameError, Reason: "snapshot failed"})
		return
	}

	snapshot := make([]InventorySnapshotRow, 0, len(rows))
	for _, inv := range rows {
		snapshot = append(snapshot, InventorySnapshotRow{
			ProductID:     inv.ProductID,
			CurrentStock:  inv.CurrentStock,
			ReservedStock: inv.ReservedStock,
			LastUpdated:   inv.LastUpdated,
		})
	}

	s.writeFrame(conn, inventoryResponseFrame{
		Type:        frameInventoryResponse,
		RequestID:   req.RequestID,
		Inventory:   snapshot,
		GeneratedAt: time.Now().UTC(),
	})
}

func (s *Server) writeFrame(conn *websocket.Conn, v any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		log.Debug().Err(err).Msg("reply write failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

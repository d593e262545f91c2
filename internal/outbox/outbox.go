// Package outbox implements the durable message log shared by the peer
// fabric and the cloud uplink. Rows are co-committed with the business
// writes they describe and drained asynchronously.
package outbox

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/lanesync/lanesync/internal/metrics"
	"github.com/lanesync/lanesync/internal/store"
)

var (
	// ErrInvalidTransition is returned when a status change violates
	// pending -> peer_ack -> cloud_ack (with error reachable from the
	// first two).
	ErrInvalidTransition = errors.New("invalid outbox status transition")

	// ErrRowNotFound is returned when an outbox id does not exist.
	ErrRowNotFound = errors.New("outbox row not found")
)

// Bus publishes durable messages into the outbox and manages their
// delivery status. Ids are monotonic ULIDs, so lexicographic order is
// creation order.
type Bus struct {
	s *store.Store

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Bus over the given store.
func New(s *store.Store) *Bus {
	return &Bus{
		s:       s,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewID returns a fresh monotonic ULID.
func (b *Bus) NewID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
}

// Publish appends one pending outbox row inside the caller's open
// transaction. A rollback of the business write rolls back the row; that
// coupling is the entire point of the outbox.
func (b *Bus) Publish(ctx context.Context, tx *store.Tx, topic Topic, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}

	id := b.NewID()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (id, topic, payload, status, retries, created_at)
		VALUES (?, ?, ?, 'pending', 0, ?)
	`, id, topic.String(), string(raw), now.Format(time.RFC3339Nano))
	if err != nil {
		if store.IsDuplicate(err) {
			// Benign by contract; the row is already durable.
			log.Warn().Str("id", id).Str("topic", topic.String()).Msg("duplicate outbox insert ignored")
			return id, nil
		}
		return "", fmt.Errorf("failed to insert outbox row: %w", err)
	}
	metrics.OutboxPublished.WithLabelValues(topic.String()).Inc()
	return id, nil
}

// PublishBatch appends several rows atomically within the caller's
// transaction.
func (b *Bus) PublishBatch(ctx context.Context, tx *store.Tx, msgs []Message) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		id, err := b.Publish(ctx, tx, m.Topic, m.Payload)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MarkSent advances a row to peer_ack or cloud_ack and stamps the
// corresponding timestamp. The WHERE clause enforces the legal transition,
// so a stale or duplicate ack cannot move a row backwards.
func (b *Bus) MarkSent(ctx context.Context, id, stage string) error {
	var res sql.Result
	var err error
	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch stage {
	case store.StatusPeerAck:
		res, err = b.s.DB().ExecContext(ctx, `
			UPDATE outbox SET status = 'peer_ack', peer_acked_at = ?
			WHERE id = ? AND status = 'pending'
		`, now, id)
	case store.StatusCloudAck:
		res, err = b.s.DB().ExecContext(ctx, `
			UPDATE outbox SET status = 'cloud_ack', cloud_acked_at = ?
			WHERE id = ? AND status = 'peer_ack'
		`, now, id)
	default:
		return fmt.Errorf("%w: stage %q", ErrInvalidTransition, stage)
	}
	if err != nil {
		return fmt.Errorf("failed to mark %s %s: %w", id, stage, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is gone or it already advanced. A duplicate ack
		// for an already-acked row is not an error.
		row, getErr := b.Get(ctx, id)
		if getErr != nil {
			return ErrRowNotFound
		}
		if row.Status == stage || (stage == store.StatusPeerAck && row.Status == store.StatusCloudAck) {
			return nil
		}
		return fmt.Errorf("%w: %s is %s, wanted %s", ErrInvalidTransition, id, row.Status, stage)
	}
	return nil
}

// MarkError dead-letters a row. Only pending and peer_ack rows can fail;
// cloud_ack is terminal.
func (b *Bus) MarkError(ctx context.Context, id string) error {
	res, err := b.s.DB().ExecContext(ctx, `
		UPDATE outbox SET status = 'error'
		WHERE id = ? AND status IN ('pending', 'peer_ack')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s error: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: cannot dead-letter %s", ErrInvalidTransition, id)
	}
	log.Warn().Str("id", id).Msg("outbox row dead-lettered")
	return nil
}

// IncrementRetries adds one to the row's retry count and returns the new
// value.
func (b *Bus) IncrementRetries(ctx context.Context, id string) (int, error) {
	_, err := b.s.DB().ExecContext(ctx, `UPDATE outbox SET retries = retries + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retries for %s: %w", id, err)
	}
	var retries int
	err = b.s.DB().QueryRowContext(ctx, `SELECT retries FROM outbox WHERE id = ?`, id).Scan(&retries)
	if err == sql.ErrNoRows {
		return 0, ErrRowNotFound
	}
	return retries, err
}

// GetPending returns up to limit rows at the given status, oldest first
// (ULID ascending is chronological).
func (b *Bus) GetPending(ctx context.Context, status string, limit int) ([]store.OutboxRow, error) {
	rows, err := b.s.DB().QueryContext(ctx, `
		SELECT id, topic, payload, status, retries, created_at, peer_acked_at, cloud_acked_at
		FROM outbox WHERE status = ? ORDER BY id ASC LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []store.OutboxRow
	for rows.Next() {
		row, err := scanOutboxRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, rows.Err()
}

// Get returns a single outbox row by id.
func (b *Bus) Get(ctx context.Context, id string) (*store.OutboxRow, error) {
	row := b.s.DB().QueryRowContext(ctx, `
		SELECT id, topic, payload, status, retries, created_at, peer_acked_at, cloud_acked_at
		FROM outbox WHERE id = ?
	`, id)
	out, err := scanOutboxRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRowNotFound
	}
	return out, err
}

// PruneCloudAcked deletes cloud_ack rows older than the cutoff. Terminal
// error rows are never pruned; they are the operator's surface.
func (b *Bus) PruneCloudAcked(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := b.s.DB().ExecContext(ctx, `
		DELETE FROM outbox WHERE status = 'cloud_ack' AND created_at < ?
	`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanOutboxRow(scan func(...any) error) (*store.OutboxRow, error) {
	var row store.OutboxRow
	var payload, createdAt string
	var peerAckedAt, cloudAckedAt sql.NullString
	if err := scan(&row.ID, &row.Topic, &payload, &row.Status, &row.Retries, &createdAt, &peerAckedAt, &cloudAckedAt); err != nil {
		return nil, err
	}
	row.Payload = []byte(payload)
	row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if peerAckedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, peerAckedAt.String); err == nil {
			row.PeerAckedAt = &t
		}
	}
	if cloudAckedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, cloudAckedAt.String); err == nil {
			row.CloudAckedAt = &t
		}
	}
	return &row, nil
}

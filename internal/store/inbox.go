package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertInboxProcessed records that a message id has been applied. A
// duplicate insert means the message was already applied and is benign;
// callers detect it with IsDuplicate.
func (t *Tx) InsertInboxProcessed(ctx context.Context, e InboxEntry) error {
	_, err := t.Exec(ctx, `
		INSERT INTO inbox_processed (message_id, from_terminal, topic, payload, processed_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.MessageID, e.FromTerminal, e.Topic, string(e.Payload), fmtTime(e.ProcessedAt))
	if err != nil {
		if IsDuplicate(err) {
			return err
		}
		return fmt.Errorf("failed to insert inbox entry %s: %w", e.MessageID, err)
	}
	return nil
}

// IsInboxProcessed reports whether a message id has already been applied,
// reading committed state.
func (s *Store) IsInboxProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM inbox_processed WHERE message_id = ?`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CountInboxProcessed returns the number of inbox entries for a message
// id; always 0 or 1 by the primary key.
func (s *Store) CountInboxProcessed(ctx context.Context, messageID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox_processed WHERE message_id = ?`, messageID).Scan(&n)
	return n, err
}

// PruneInbox deletes inbox entries older than the cutoff. Retention only;
// pruning a live id would break idempotency, so cutoffs should be long.
func (s *Store) PruneInbox(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbox_processed WHERE processed_at < ?`, fmtTime(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

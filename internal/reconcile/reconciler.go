// Package reconcile implements the periodic cross-terminal inventory
// consistency check. It is advisory: inventory:update replication is the
// primary mechanism, and the reconciler closes windows left by message
// loss or prolonged partition.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lanesync/lanesync/internal/metrics"
	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/peer"
	"github.com/lanesync/lanesync/internal/store"
)

// PeerRequester lets the reconciler ask a named terminal for its
// inventory snapshot over the peer fabric.
type PeerRequester interface {
	RequestInventory(ctx context.Context, terminalID, requestID string) error
}

// Options tune the reconciler.
type Options struct {
	Interval  time.Duration
	Threshold int
}

// Reconciler periodically publishes inventory checksums and repairs
// row-level divergence by last-writer-wins.
type Reconciler struct {
	store      *store.Store
	bus        *outbox.Bus
	peers      PeerRequester
	terminalID string
	opts       Options

	mu sync.Mutex
	// requested maps remote terminal id -> outstanding snapshot request id.
	requested map[string]string
}

// New builds a reconciler. It implements peer.ReconcilerSink.
func New(s *store.Store, bus *outbox.Bus, peers PeerRequester, terminalID string, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 10
	}
	return &Reconciler{
		store:      s,
		bus:        bus,
		peers:      peers,
		terminalID: terminalID,
		opts:       opts,
		requested:  make(map[string]string),
	}
}

// Run publishes a checksum on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.PublishChecksum(ctx); err != nil {
				log.Error().Err(err).Msg("reconciler: checksum publish failed")
			}
		}
	}
}

// PublishChecksum computes and publishes the terminal's inventory
// checksum. Also the on-demand entry point.
func (r *Reconciler) PublishChecksum(ctx context.Context) error {
	sum, err := computeChecksum(ctx, r.store)
	if err != nil {
		return err
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = r.bus.Publish(ctx, tx, outbox.TopicInventoryChecksum, outbox.ChecksumPayload{
		Checksum:    sum.Digest,
		RowCount:    sum.RowCount,
		GeneratedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	metrics.ReconcileRuns.Inc()
	log.Debug().Str("checksum", sum.Digest).Int("rows", sum.RowCount).Msg("inventory checksum published")
	return nil
}

// HandleChecksum compares a peer's checksum against a fresh local one and
// requests that peer's snapshot on divergence.
func (r *Reconciler) HandleChecksum(ctx context.Context, fromTerminal string, p outbox.ChecksumPayload) {
	if fromTerminal == "" || fromTerminal == r.terminalID {
		return
	}

	local, err := computeChecksum(ctx, r.store)
	if err != nil {
		log.Error().Err(err).Msg("reconciler: local checksum failed")
		return
	}
	if local.Digest == p.Checksum {
		return
	}

	log.Info().
		Str("peer", fromTerminal).
		Int("local_rows", local.RowCount).
		Int("peer_rows", p.RowCount).
		Msg("inventory checksum divergence detected")

	requestID := r.bus.NewID()
	r.mu.Lock()
	if _, outstanding := r.requested[fromTerminal]; outstanding {
		r.mu.Unlock()
		return
	}
	r.requested[fromTerminal] = requestID
	r.mu.Unlock()

	if err := r.peers.RequestInventory(ctx, fromTerminal, requestID); err != nil {
		log.Warn().Err(err).Str("peer", fromTerminal).Msg("reconciler: snapshot request failed")
		r.mu.Lock()
		delete(r.requested, fromTerminal)
		r.mu.Unlock()
	}
}

// HandleSnapshot reconciles a peer's inventory snapshot row-by-row.
// Snapshots that are unsolicited, or that answer a different request than
// the outstanding one, are dropped; a stale response from a slow peer must
// not clear a newer request.
func (r *Reconciler) HandleSnapshot(ctx context.Context, fromTerminal, requestID string, rows []peer.InventorySnapshotRow, generatedAt time.Time) {
	r.mu.Lock()
	want, solicited := r.requested[fromTerminal]
	if solicited && want == requestID {
		delete(r.requested, fromTerminal)
	}
	r.mu.Unlock()
	if !solicited || want != requestID {
		log.Debug().Str("peer", fromTerminal).Str("request", requestID).Msg("reconciler: dropping unsolicited snapshot")
		return
	}

	if err := r.reconcile(ctx, fromTerminal, rows); err != nil {
		log.Error().Err(err).Str("peer", fromTerminal).Msg("reconciler: reconcile failed")
	}
}

// reconcile applies the row-wise last-writer-wins rule. Rows whose
// divergence exceeds the threshold are left untouched and raised as
// operator alerts: large gaps indicate lost sales or mis-scans, not
// replication lag.
func (r *Reconciler) reconcile(ctx context.Context, fromTerminal string, remote []peer.InventorySnapshotRow) error {
	localRows, err := r.store.ListInventory(ctx)
	if err != nil {
		return err
	}

	local := make(map[string]store.Inventory, len(localRows))
	for _, inv := range localRows {
		local[inv.ProductID] = inv
	}
	remoteByID := make(map[string]peer.InventorySnapshotRow, len(remote))
	ids := make(map[string]bool, len(remote)+len(localRows))
	for _, row := range remote {
		remoteByID[row.ProductID] = row
		ids[row.ProductID] = true
	}
	for id := range local {
		ids[id] = true
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var repaired, alerted int
	now := time.Now().UTC()

	for _, pid := range ordered {
		loc, hasLocal := local[pid]
		rem, hasRemote := remoteByID[pid]

		switch {
		case hasLocal && !hasRemote:
			// Local-only rows stand; the peer will adopt them from our
			// snapshot when it reconciles.

		case !hasLocal && hasRemote:
			if err := r.adoptRemote(ctx, tx, fromTerminal, pid, 0, rem, now); err != nil {
				return err
			}
			repaired++

		case loc.CurrentStock != rem.CurrentStock || loc.ReservedStock != rem.ReservedStock:
			diff := loc.CurrentStock - rem.CurrentStock
			if diff < 0 {
				diff = -diff
			}
			if diff > r.opts.Threshold {
				if err := r.raiseAlert(ctx, tx, fromTerminal, pid, loc.CurrentStock, rem.CurrentStock); err != nil {
					return err
				}
				alerted++
				continue
			}
			if !remoteWins(loc.LastUpdated, rem.LastUpdated, r.terminalID, fromTerminal) {
				continue
			}
			if err := r.adoptRemote(ctx, tx, fromTerminal, pid, loc.CurrentStock, rem, now); err != nil {
				return err
			}
			repaired++
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if repaired > 0 || alerted > 0 {
		log.Info().
			Str("event", "inventory.reconciled").
			Str("peer", fromTerminal).
			Int("repaired", repaired).
			Int("alerts", alerted).
			Msg("inventory reconciliation complete")
	}
	return nil
}

// remoteWins decides last-writer-wins; equal timestamps break by
// lexicographic terminal id, smaller id winning, so both sides converge
// on the same row.
func remoteWins(localUpdated, remoteUpdated time.Time, localTerminal, remoteTerminal string) bool {
	if remoteUpdated.After(localUpdated) {
		return true
	}
	if localUpdated.After(remoteUpdated) {
		return false
	}
	return remoteTerminal < localTerminal
}

func (r *Reconciler) adoptRemote(ctx context.Context, tx *store.Tx, fromTerminal, pid string, previous int, rem peer.InventorySnapshotRow, now time.Time) error {
	// Inventory has a product FK; a remote row for a product we have not
	// replicated yet waits for its product:upsert.
	exists, err := tx.ProductExists(ctx, pid)
	if err != nil {
		return err
	}
	if !exists {
		log.Warn().Str("product", pid).Msg("reconciler: skipping row for unknown product")
		return nil
	}

	if err := tx.UpsertInventory(ctx, store.Inventory{
		ProductID:     pid,
		CurrentStock:  rem.CurrentStock,
		ReservedStock: rem.ReservedStock,
		LastUpdated:   rem.LastUpdated,
		LastSynced:    now,
	}); err != nil {
		return err
	}

	if err := tx.InsertInventoryChange(ctx, store.InventoryChange{
		ID:           r.bus.NewID(),
		ProductID:    pid,
		ChangeType:   store.ChangeAdjustment,
		Delta:        rem.CurrentStock - previous,
		ResultingQty: rem.CurrentStock,
		TerminalID:   fromTerminal,
		EmployeeID:   "reconciler",
		CreatedAt:    now,
	}); err != nil {
		return err
	}

	metrics.ReconcileRepairs.Inc()
	log.Info().
		Str("event", "inventory.reconciled").
		Str("product", pid).
		Int("from", previous).
		Int("to", rem.CurrentStock).
		Str("peer", fromTerminal).
		Msg("inventory row repaired")
	return nil
}

func (r *Reconciler) raiseAlert(ctx context.Context, tx *store.Tx, fromTerminal, pid string, localStock, remoteStock int) error {
	metrics.ReconcileAlerts.Inc()
	msg := fmt.Sprintf("inventory divergence for %s exceeds threshold: local=%d peer(%s)=%d",
		pid, localStock, fromTerminal, remoteStock)
	log.Warn().
		Str("event", "inventory.divergence").
		Str("product", pid).
		Int("local", localStock).
		Int("remote", remoteStock).
		Str("peer", fromTerminal).
		Msg("divergence above threshold, operator action required")

	return tx.InsertAlert(ctx, store.Alert{
		ID:        uuid.NewString(),
		Kind:      "inventory.divergence",
		Message:   msg,
		ProductID: &pid,
		CreatedAt: time.Now().UTC(),
	})
}

package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lanesync/lanesync/internal/outbox"
	"github.com/lanesync/lanesync/internal/store"
)

// applier executes the per-topic effect of an inbound envelope inside the
// receiving transaction. Effects are commutative per topic: deltas sum,
// upserts are last-write-wins, transactions insert by unique id.
type applier struct {
	terminalID string
	bus        *outbox.Bus
}

// apply performs the store effect for env and returns the decoded payload
// so the caller can forward side-channel topics (checksums) after commit.
func (a *applier) apply(ctx context.Context, tx *store.Tx, env *outbox.Envelope) (any, error) {
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}

	switch p := payload.(type) {
	case *outbox.TransactionPayload:
		if err := a.applyTransaction(ctx, tx, env, p); err != nil {
			return nil, err
		}
	case *outbox.InventoryUpdatePayload:
		if err := a.applyInventoryUpdate(ctx, tx, env, p); err != nil {
			return nil, err
		}
	case *outbox.ChecksumPayload:
		// No store effect; the caller feeds the reconciler after commit.
	case *store.Employee:
		if err := tx.UpsertEmployee(ctx, *p); err != nil {
			return nil, err
		}
	case *outbox.ProductPayload:
		if err := a.applyProduct(ctx, tx, p); err != nil {
			return nil, err
		}
	case *store.DiscountRule:
		if err := tx.UpsertDiscountRule(ctx, *p); err != nil {
			return nil, err
		}
	case *outbox.ConfigPayload:
		if err := tx.SetConfig(ctx, p.Key, p.Value, env.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", outbox.ErrUnknownTopic, env.Topic)
	}

	return payload, nil
}

func (a *applier) applyTransaction(ctx context.Context, tx *store.Tx, env *outbox.Envelope, p *outbox.TransactionPayload) error {
	exists, err := tx.TransactionExists(ctx, p.Transaction.ID)
	if err != nil {
		return err
	}
	if exists {
		// Replica already holds this transaction; the inbox guard normally
		// prevents reaching here, but a re-publish under a new message id
		// must still be a no-op.
		log.Debug().Str("txn", p.Transaction.ID).Msg("transaction already replicated")
		return nil
	}

	txn := p.Transaction
	txn.SyncStatus = store.SyncSynced
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return err
	}
	for _, item := range p.Items {
		if err := tx.InsertTransactionItem(ctx, item); err != nil {
			return err
		}
	}
	for _, pay := range p.Payments {
		if err := tx.InsertPayment(ctx, pay); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) applyInventoryUpdate(ctx context.Context, tx *store.Tx, env *outbox.Envelope, p *outbox.InventoryUpdatePayload) error {
	resulting, err := tx.ApplyInventoryDelta(ctx, p.ProductID, p.Delta, time.Now().UTC())
	if err != nil {
		return err
	}

	changeType := p.ChangeType
	if changeType == "" {
		changeType = store.ChangeAdjustment
	}
	return tx.InsertInventoryChange(ctx, store.InventoryChange{
		ID:            a.bus.NewID(),
		ProductID:     p.ProductID,
		ChangeType:    changeType,
		Delta:         p.Delta,
		ResultingQty:  resulting,
		TerminalID:    env.FromTerminal,
		EmployeeID:    p.EmployeeID,
		TransactionID: p.TransactionID,
		CreatedAt:     time.Now().UTC(),
	})
}

func (a *applier) applyProduct(ctx context.Context, tx *store.Tx, p *outbox.ProductPayload) error {
	if err := tx.UpsertProduct(ctx, p.Product); err != nil {
		return err
	}
	for _, b := range p.Barcodes {
		if err := tx.UpsertBarcode(ctx, b); err != nil {
			return err
		}
	}
	if p.Inventory != nil {
		if err := tx.UpsertInventory(ctx, *p.Inventory); err != nil {
			return err
		}
	}
	return nil
}

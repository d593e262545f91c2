package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/lanesync/lanesync/internal/store"
)

// Checksum is a digest of the terminal's inventory, comparable across
// terminals. RowCount disambiguates the empty digest and gives operators
// a cheap first-order diff.
type Checksum struct {
	Digest   string
	RowCount int
}

// computeChecksum digests (productId, currentStock, reservedStock) in
// productId ascending order. The `|` and `;` delimiters prevent field
// concatenation collisions.
func computeChecksum(ctx context.Context, s *store.Store) (Checksum, error) {
	rows, err := s.ListInventory(ctx)
	if err != nil {
		return Checksum{}, fmt.Errorf("failed to read inventory for checksum: %w", err)
	}

	h := sha256.New()
	for _, inv := range rows {
		fmt.Fprintf(h, "%s|%d|%d;", inv.ProductID, inv.CurrentStock, inv.ReservedStock)
	}
	return Checksum{
		Digest:   hex.EncodeToString(h.Sum(nil)),
		RowCount: len(rows),
	}, nil
}

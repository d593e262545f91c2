package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lanesync/lanesync/internal/store"
)

// Envelope is the peer wire frame for one replicated message. Payload
// stays raw until the topic is known; DecodePayload performs the typed
// decode.
type Envelope struct {
	ID           string          `json:"id"`
	FromTerminal string          `json:"fromTerminal"`
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
}

// TransactionPayload is the transaction:new payload: the full transaction
// tree as committed at the originating terminal.
type TransactionPayload struct {
	Transaction store.Transaction       `json:"transaction"`
	Items       []store.TransactionItem `json:"items"`
	Payments    []store.Payment         `json:"payments"`
}

// InventoryUpdatePayload is the inventory:update payload. Deltas are
// signed and commutative; receivers simply sum them. The audit fields let
// the receiving side record who caused the change.
type InventoryUpdatePayload struct {
	ProductID     string  `json:"productId"`
	Delta         int     `json:"delta"`
	ChangeType    string  `json:"changeType,omitempty"`
	EmployeeID    string  `json:"employeeId,omitempty"`
	TransactionID *string `json:"transactionId,omitempty"`
}

// ChecksumPayload is the inventory:checksum payload.
type ChecksumPayload struct {
	Checksum    string    `json:"checksum"`
	RowCount    int       `json:"rowCount"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// ProductPayload is the product:upsert payload; the inventory block is
// optional and seeds the local row when present.
type ProductPayload struct {
	Product   store.Product          `json:"product"`
	Barcodes  []store.ProductBarcode `json:"barcodes,omitempty"`
	Inventory *store.Inventory       `json:"inventory,omitempty"`
}

// ConfigPayload is the pos_config:update payload.
type ConfigPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Message pairs a topic with its typed payload for publication.
type Message struct {
	Topic   Topic
	Payload any
}

// DecodePayload decodes an envelope's payload into the typed form for its
// topic. An unrecognized topic yields ErrUnknownTopic.
func (e *Envelope) DecodePayload() (any, error) {
	topic, err := ParseTopic(e.Topic)
	if err != nil {
		return nil, err
	}

	var out any
	switch topic {
	case TopicTransactionNew:
		out = &TransactionPayload{}
	case TopicInventoryUpdate:
		out = &InventoryUpdatePayload{}
	case TopicInventoryChecksum:
		out = &ChecksumPayload{}
	case TopicEmployeeUpsert:
		out = &store.Employee{}
	case TopicProductUpsert:
		out = &ProductPayload{}
	case TopicDiscountRule:
		out = &store.DiscountRule{}
	case TopicPosConfig:
		out = &ConfigPayload{}
	}

	if err := json.Unmarshal(e.Payload, out); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.Topic, err)
	}
	return out, nil
}

// EnvelopeFromRow builds the wire envelope for an outbox row. The frame
// timestamp is the row's creation time, not send time, so retransmissions
// are byte-identical.
func EnvelopeFromRow(row store.OutboxRow, fromTerminal string) Envelope {
	return Envelope{
		ID:           row.ID,
		FromTerminal: fromTerminal,
		Topic:        row.Topic,
		Payload:      json.RawMessage(row.Payload),
		Timestamp:    row.CreatedAt,
	}
}

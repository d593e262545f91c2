package peer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lanesync/lanesync/internal/outbox"
)

// Reply and sub-protocol frame types. Message envelopes carry no type
// field; anything with one is a control frame.
const (
	frameAck               = "ack"
	frameError             = "error"
	frameInventoryRequest  = "inventory_request"
	frameInventoryResponse = "inventory_response"
)

// terminalIDHeader identifies each side during the websocket handshake.
// The dialer sends it on the upgrade request; the listener echoes its own
// id on the response. Trust still derives from the store LAN; the header
// only names the peer for correlation.
const terminalIDHeader = "x-terminal-id"

// ackFrame acknowledges one applied message.
type ackFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// errorFrame reports a parse or apply failure; the sender retries.
type errorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// inventoryRequestFrame asks the peer for a full inventory snapshot.
type inventoryRequestFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// InventorySnapshotRow is one row of an inventory snapshot exchange.
type InventorySnapshotRow struct {
	ProductID     string    `json:"productId"`
	CurrentStock  int       `json:"currentStock"`
	ReservedStock int       `json:"reservedStock"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// inventoryResponseFrame carries the snapshot back to the requester.
type inventoryResponseFrame struct {
	Type        string                 `json:"type"`
	RequestID   string                 `json:"requestId"`
	Inventory   []InventorySnapshotRow `json:"inventory"`
	GeneratedAt time.Time              `json:"generatedAt"`
}

// decodedFrame is the result of parsing one inbound websocket message.
// Exactly one field is set.
type decodedFrame struct {
	envelope *outbox.Envelope
	ack      *ackFrame
	err      *errorFrame
	invReq   *inventoryRequestFrame
	invResp  *inventoryResponseFrame
}

// decodeFrame parses a raw frame, dispatching on the optional type field.
func decodeFrame(raw []byte) (*decodedFrame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch probe.Type {
	case "":
		var env outbox.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("malformed envelope: %w", err)
		}
		if env.ID == "" || env.Topic == "" {
			return nil, fmt.Errorf("envelope missing id or topic")
		}
		return &decodedFrame{envelope: &env}, nil
	case frameAck:
		var f ackFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("malformed ack: %w", err)
		}
		return &decodedFrame{ack: &f}, nil
	case frameError:
		var f errorFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		return &decodedFrame{err: &f}, nil
	case frameInventoryRequest:
		var f inventoryRequestFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("malformed inventory_request: %w", err)
		}
		return &decodedFrame{invReq: &f}, nil
	case frameInventoryResponse:
		var f inventoryResponseFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("malformed inventory_response: %w", err)
		}
		return &decodedFrame{invResp: &f}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", probe.Type)
	}
}

package peer

import (
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		check   func(*decodedFrame) bool
		wantErr bool
	}{
		{
			name:  "envelope",
			raw:   `{"id":"01ARZ3NDEKTSV4RRFFQ69G5FAV","fromTerminal":"T1","topic":"inventory:update","payload":{"productId":"p1","delta":-1}}`,
			check: func(f *decodedFrame) bool { return f.envelope != nil && f.envelope.ID == "01ARZ3NDEKTSV4RRFFQ69G5FAV" },
		},
		{
			name:  "ack",
			raw:   `{"type":"ack","messageId":"01ARZ3NDEKTSV4RRFFQ69G5FAV"}`,
			check: func(f *decodedFrame) bool { return f.ack != nil && f.ack.MessageID == "01ARZ3NDEKTSV4RRFFQ69G5FAV" },
		},
		{
			name:  "error",
			raw:   `{"type":"error","reason":"unknown topic"}`,
			check: func(f *decodedFrame) bool { return f.err != nil && f.err.Reason == "unknown topic" },
		},
		{
			name:  "inventory request",
			raw:   `{"type":"inventory_request","requestId":"req-1"}`,
			check: func(f *decodedFrame) bool { return f.invReq != nil && f.invReq.RequestID == "req-1" },
		},
		{
			name:  "inventory response",
			raw:   `{"type":"inventory_response","requestId":"req-1","inventory":[{"productId":"p1","currentStock":4}]}`,
			check: func(f *decodedFrame) bool { return f.invResp != nil && len(f.invResp.Inventory) == 1 },
		},
		{
			name:    "unknown type",
			raw:     `{"type":"handshake"}`,
			wantErr: true,
		},
		{
			name:    "envelope missing id",
			raw:     `{"topic":"inventory:update","payload":{}}`,
			wantErr: true,
		},
		{
			name:    "envelope missing topic",
			raw:     `{"id":"01ARZ3NDEKTSV4RRFFQ69G5FAV","payload":{}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `not json at all`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := decodeFrame([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Errorf("decodeFrame(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeFrame(%q) failed: %v", tt.raw, err)
			}
			if !tt.check(frame) {
				t.Errorf("decodeFrame(%q) = %+v, failed check", tt.raw, frame)
			}
		})
	}
}

func TestAckTimeout(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		retries int
		want    string
	}{
		{name: "first attempt", base: "2s", retries: 0, want: "2s"},
		{name: "third retry", base: "2s", retries: 3, want: "16s"},
		{name: "floor applies", base: "10ms", retries: 0, want: "100ms"},
		{name: "shift capped", base: "1s", retries: 40, want: "18h12m16s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := mustParseDuration(t, tt.base)
			want := mustParseDuration(t, tt.want)
			if got := ackTimeout(base, tt.retries); got != want {
				t.Errorf("ackTimeout(%v, %d) = %v, want %v", base, tt.retries, got, want)
			}
		})
	}
}

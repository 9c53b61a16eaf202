package limits

import (
	"errors"
	"testing"
)

// TestPacketHeaderSize verifies the header layout adds up to 36 bytes.
func TestPacketHeaderSize(t *testing.T) {
	if PacketHeaderSize != 36 {
		t.Errorf("PacketHeaderSize = %d, want 36", PacketHeaderSize)
	}
}

func TestValidatePacket(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrPacketTooShort},
		{"one short of header", PacketHeaderSize - 1, ErrPacketTooShort},
		{"header only", PacketHeaderSize, nil},
		{"max", MaxPacketSize, nil},
		{"over max", MaxPacketSize + 1, ErrPacketTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePacket(make([]byte, tt.size))
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidatePacket(%d) unexpected error: %v", tt.size, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePacket(%d) = %v, want %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	if err := ValidatePayload(nil); err != nil {
		t.Errorf("empty payload should be allowed: %v", err)
	}
	if err := ValidatePayload(make([]byte, MaxPayloadSize)); err != nil {
		t.Errorf("max payload should be allowed: %v", err)
	}
	if err := ValidatePayload(make([]byte, MaxPayloadSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized payload: got %v, want ErrMessageTooLarge", err)
	}
}

func TestValidateFrameLength(t *testing.T) {
	if err := ValidateFrameLength(0); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("zero length: got %v", err)
	}
	if err := ValidateFrameLength(MaxFrameSize); err != nil {
		t.Errorf("max length: %v", err)
	}
	if err := ValidateFrameLength(MaxFrameSize + 1); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized: got %v", err)
	}
}

func TestValidateMessageSize(t *testing.T) {
	if err := ValidateMessageSize([]byte{1, 2, 3}, 3); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateMessageSize([]byte{1, 2, 3}, 2); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("got %v, want ErrMessageTooLarge", err)
	}
	if err := ValidateMessageSize(nil, 2); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("got %v, want ErrMessageEmpty", err)
	}
}

package gateway

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	frame := func(seq uint32, payload []byte) []byte {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], seq)
		return append(hdr[:], payload...)
	}

	tests := []struct {
		name        string
		data        []byte
		wantSeq     uint32
		wantPayload []byte
		wantErr     bool
	}{
		{"single byte payload", frame(1, []byte{0xFF}), 1, []byte{0xFF}, false},
		{"large sequence id", frame(0xFFFFFFFF, []byte("audio")), 0xFFFFFFFF, []byte("audio"), false},
		{"zero sequence id", frame(0, []byte{0}), 0, []byte{0}, false},
		{"empty payload", frame(7, nil), 0, nil, true},
		{"three bytes total", []byte{0, 0, 1}, 0, nil, true},
		{"empty frame", nil, 0, nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			seq, payload, err := decodeFrame(tc.data)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidFrame) {
					t.Fatalf("decodeFrame error = %v, want ErrInvalidFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeFrame error: %v", err)
			}
			if seq != tc.wantSeq {
				t.Errorf("seq = %d, want %d", seq, tc.wantSeq)
			}
			if !bytes.Equal(payload, tc.wantPayload) {
				t.Errorf("payload = %v, want %v", payload, tc.wantPayload)
			}
		})
	}
}

func TestDecodeFrame_BigEndianOrder(t *testing.T) {
	t.Parallel()

	seq, _, err := decodeFrame([]byte{0x00, 0x00, 0x01, 0x02, 0xAA})
	if err != nil {
		t.Fatalf("decodeFrame error: %v", err)
	}
	if seq != 258 {
		t.Errorf("seq = %d, want 258", seq)
	}
}

// Package gateway implements the streaming transcription gateway core: the
// per-connection session state machine, the process-wide session registry,
// per-user work queues, and the dispatcher that drains them under a global
// concurrency cap.
package gateway

import (
	"encoding/binary"
	"errors"
	"time"
)

// frameHeaderSize is the length of the sequence-id prefix on every inbound
// binary frame.
const frameHeaderSize = 4

// maxFrameBytes is the read limit applied to inbound frames. Audio packets
// beyond this size terminate the connection at the transport layer.
const maxFrameBytes = 1 << 20

// ErrInvalidFrame is returned for inbound frames shorter than the header or
// carrying an empty payload.
var ErrInvalidFrame = errors.New("gateway: invalid frame")

// WorkItem is one pending transcription request: the client-assigned
// sequence id and the raw audio payload.
type WorkItem struct {
	Seq        uint32
	Payload    []byte
	EnqueuedAt time.Time
}

// decodeFrame splits an inbound binary frame into its big-endian uint32
// sequence id and payload. Frames shorter than the header or with an empty
// payload yield [ErrInvalidFrame]. The payload is never inspected; audio
// bytes are opaque.
func decodeFrame(data []byte) (seq uint32, payload []byte, err error) {
	if len(data) <= frameHeaderSize {
		return 0, nil, ErrInvalidFrame
	}
	return binary.BigEndian.Uint32(data[:frameHeaderSize]), data[frameHeaderSize:], nil
}

// readyEvent announces that a session passed admission and accepts frames.
type readyEvent struct {
	Event string `json:"event"`
}

// resultEvent is the per-packet transcription reply. ID echoes the request's
// sequence id so clients can reconcile pipelined requests.
type resultEvent struct {
	ID               uint32  `json:"id"`
	Transcript       string  `json:"transcript"`
	Confidence       float64 `json:"confidence"`
	UsageUsedMs      int64   `json:"usageUsedMs"`
	UsageRemainingMs int64   `json:"usageRemainingMs"`
}

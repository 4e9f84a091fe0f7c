package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// StatusTimeout is the application-defined WebSocket close status for a
// packet that exceeded the per-task deadline.
const StatusTimeout websocket.StatusCode = 3008

// ErrorCode identifies why the server closed a session. Codes are part of
// the wire protocol: they travel in the close frame's reason payload and
// must not be renumbered.
type ErrorCode int

const (
	CodeExceededAllocatedUsage ErrorCode = 0
	CodeTimeout                ErrorCode = 1
	CodeAborted                ErrorCode = 2
	CodeConnectionReplaced     ErrorCode = 3
	CodeUnauthorized           ErrorCode = 4
	CodeShuttingDown           ErrorCode = 5
	CodeNotReady               ErrorCode = 6
	CodeInvalidData            ErrorCode = 7
	CodeQueueOverflow          ErrorCode = 8
	CodeServerError            ErrorCode = 99
)

// String returns the human-readable message for the code. It doubles as the
// default close-reason message.
func (c ErrorCode) String() string {
	switch c {
	case CodeExceededAllocatedUsage:
		return "exceeded allocated usage"
	case CodeTimeout:
		return "timeout"
	case CodeAborted:
		return "aborted"
	case CodeConnectionReplaced:
		return "connection replaced"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeShuttingDown:
		return "shutting down"
	case CodeNotReady:
		return "not ready"
	case CodeInvalidData:
		return "invalid data"
	case CodeQueueOverflow:
		return "queue overflow"
	case CodeServerError:
		return "server error"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// Status maps the code onto the WebSocket close status carried alongside it.
func (c ErrorCode) Status() websocket.StatusCode {
	switch c {
	case CodeExceededAllocatedUsage, CodeConnectionReplaced, CodeUnauthorized,
		CodeNotReady, CodeQueueOverflow:
		return websocket.StatusPolicyViolation
	case CodeTimeout:
		return StatusTimeout
	case CodeAborted, CodeShuttingDown:
		return websocket.StatusGoingAway
	case CodeInvalidData:
		return websocket.StatusInvalidFramePayloadData
	default:
		return websocket.StatusInternalError
	}
}

// CloseReason is the structured reason carried in a server-initiated close
// frame, serialised as compact JSON. The message is human-readable; the code
// is the machine-readable contract.
type CloseReason struct {
	Message string    `json:"error"`
	Code    ErrorCode `json:"code"`
}

// reasonFor builds a CloseReason with the code's default message.
func reasonFor(code ErrorCode) CloseReason {
	return CloseReason{Message: code.String(), Code: code}
}

// encode serialises the reason for the close frame. Close-frame reasons are
// capped at 123 bytes by the protocol, so overly long messages are truncated
// to keep the JSON well formed and the code intact.
func (r CloseReason) encode() string {
	const maxMessage = 80
	if len(r.Message) > maxMessage {
		r.Message = r.Message[:maxMessage]
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"error":%q,"code":%d}`, r.Code.String(), int(r.Code))
	}
	return string(data)
}

// ParseCloseReason decodes a close frame's reason payload. Clients use it to
// recover the structured code from a received close.
func ParseCloseReason(s string) (CloseReason, error) {
	var r CloseReason
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return CloseReason{}, fmt.Errorf("gateway: parse close reason: %w", err)
	}
	return r, nil
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tessira/echogate/internal/observe"
)

// ErrSessionClosed is returned by send attempts on a session that has
// already emitted its close frame.
var ErrSessionClosed = errors.New("gateway: session closed")

// sessionState tracks a session's position in its lifecycle. Transitions
// only move forward: unauthenticated → admitting → ready → closing.
type sessionState int32

const (
	stateUnauthenticated sessionState = iota
	stateAdmitting
	stateReady
	stateClosing
)

// Session is one live upgraded connection. It owns the connection's write
// side, its per-user work queue, and its lifecycle state. Exactly one
// session per user may be ready at any moment; the [Registry] enforces that.
//
// All methods are safe for concurrent use.
type Session struct {
	id       string
	userID   string
	conn     *websocket.Conn
	queue    *Queue
	registry *Registry
	metrics  *observe.Metrics

	state atomic.Int32

	// writeMu serialises all frame writes, including the close frame, so
	// that nothing is ever written after the close frame.
	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

// newSession wraps an accepted connection. The session starts
// unauthenticated with no user identity.
func newSession(conn *websocket.Conn, registry *Registry, metrics *observe.Metrics, queueLimit int) *Session {
	s := &Session{
		id:       uuid.NewString(),
		conn:     conn,
		queue:    newQueue(queueLimit),
		registry: registry,
		metrics:  metrics,
		closed:   make(chan struct{}),
	}
	metrics.ActiveSessions.Add(context.Background(), 1)
	return s
}

// ID returns the session's unique instance identifier, used in logs.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user, or "" before authentication.
func (s *Session) UserID() string { return s.userID }

// Queue returns the session's work queue.
func (s *Session) Queue() *Queue { return s.queue }

// Ready reports whether the session passed admission and accepts frames.
func (s *Session) Ready() bool {
	return sessionState(s.state.Load()) == stateReady
}

// Closed returns a channel that is closed when the session ends. In-flight
// tasks watch it to cancel promptly on disconnect.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// beginAdmission records the authenticated user and moves the session to the
// admitting state. Must be called exactly once, before registration.
func (s *Session) beginAdmission(userID string) {
	s.userID = userID
	s.state.CompareAndSwap(int32(stateUnauthenticated), int32(stateAdmitting))
}

// markReady moves the session from admitting to ready. Returns false when
// the session was closed during admission (eviction, shutdown), in which
// case the caller must not announce readiness.
func (s *Session) markReady() bool {
	return s.state.CompareAndSwap(int32(stateAdmitting), int32(stateReady))
}

// sendReady announces readiness to the client.
func (s *Session) sendReady(ctx context.Context) error {
	return s.send(ctx, readyEvent{Event: "ready"})
}

// send marshals v and writes it as a text frame. Fails with
// [ErrSessionClosed] once the close frame has been emitted.
func (s *Session) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal outbound message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gateway: write frame: %w", err)
	}
	return nil
}

// Close ends the session with a structured close frame. Idempotent: only
// the first close (of any kind) takes effect.
func (s *Session) Close(reason CloseReason) {
	s.end(reason.Code.String(), func() {
		_ = s.conn.Close(reason.Code.Status(), reason.encode())
	})
}

// abort ends the session without a close handshake. Used when the peer is
// already gone (client close or socket error).
func (s *Session) abort() {
	s.end("", func() {
		_ = s.conn.CloseNow()
	})
}

// end performs the one-time teardown: mark closing, wake waiters, write the
// final frame under writeMu, drop the registry entry, and discard pending
// work. reasonLabel is empty for client-initiated ends.
func (s *Session) end(reasonLabel string, closeConn func()) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosing))
		close(s.closed)

		s.writeMu.Lock()
		closeConn()
		s.writeMu.Unlock()

		// Compare-and-remove: a successor registered for the same user must
		// not be unregistered by this predecessor's teardown.
		if s.userID != "" {
			s.registry.Unregister(s.userID, s)
		}
		s.queue.Clear()

		s.metrics.ActiveSessions.Add(context.Background(), -1)
		if reasonLabel != "" {
			s.metrics.RecordSessionClose(context.Background(), reasonLabel)
		}
	})
}

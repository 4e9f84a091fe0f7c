package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tessira/echogate/internal/auth"
	"github.com/tessira/echogate/internal/observe"
	"github.com/tessira/echogate/pkg/transcriber"
	"github.com/tessira/echogate/pkg/usage"
)

// Config tunes the gateway core.
type Config struct {
	// MaxConcurrent caps transcription tasks in flight across all users.
	// Non-positive selects the default of 5.
	MaxConcurrent int

	// TaskTimeout is the hard per-packet deadline. Non-positive selects the
	// default of 60 s.
	TaskTimeout time.Duration

	// QueueLimit caps each user's pending queue. 0 means unbounded;
	// exceeding a configured cap closes the session.
	QueueLimit int
}

// Gateway owns the transcription surface: it upgrades connections,
// authenticates and admits them, routes inbound frames onto per-user queues,
// and runs the dispatcher that drains them.
type Gateway struct {
	resolver *auth.Resolver
	store    usage.Store
	registry *Registry
	disp     *Dispatcher
	metrics  *observe.Metrics
	cfg      Config

	// accepting gates new upgrades; cleared at the start of shutdown.
	accepting atomic.Bool
}

// New wires a Gateway from its collaborators.
func New(resolver *auth.Resolver, store usage.Store, engine transcriber.Engine, metrics *observe.Metrics, cfg Config) *Gateway {
	registry := NewRegistry()
	g := &Gateway{
		resolver: resolver,
		store:    store,
		registry: registry,
		disp:     newDispatcher(registry, store, engine, metrics, cfg.MaxConcurrent, cfg.TaskTimeout),
		metrics:  metrics,
		cfg:      cfg,
	}
	g.accepting.Store(true)
	return g
}

// Registry exposes the session registry for readiness checks and tests.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Run executes the dispatcher until ctx is cancelled, then drains in-flight
// work. Call Shutdown first (or concurrently with the cancellation) so live
// sessions receive their close frames.
func (g *Gateway) Run(ctx context.Context) error {
	return g.disp.Run(ctx)
}

// Shutdown stops accepting upgrades and announces the shutdown to every
// live session. In-flight task cancellation follows from cancelling the
// context passed to Run.
func (g *Gateway) Shutdown() {
	if !g.accepting.CompareAndSwap(true, false) {
		return
	}
	sessions := g.registry.Snapshot()
	slog.Info("closing live sessions", "count", len(sessions))
	for _, s := range sessions {
		s.Close(reasonFor(CodeShuttingDown))
	}
}

// HandleTranscribe upgrades the connection and runs the session to
// completion: authenticate, register (evicting any predecessor), admit
// against the remaining budget, announce readiness, then pump inbound
// frames until the session ends.
func (g *Gateway) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	if !g.accepting.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	s := newSession(conn, g.registry, g.metrics, g.cfg.QueueLimit)

	userID, err := g.resolver.Resolve(r.Header.Get("Authorization"))
	if err != nil {
		slog.Info("rejecting unauthenticated session", "session_id", s.ID(), "remote", r.RemoteAddr)
		s.Close(reasonFor(CodeUnauthorized))
		return
	}

	s.beginAdmission(userID)
	if prev := g.registry.Register(userID, s); prev != nil {
		slog.Info("evicting replaced session",
			"user_id", userID, "old_session_id", prev.ID(), "new_session_id", s.ID())
		prev.Close(reasonFor(CodeConnectionReplaced))
	}

	// The read pump starts before admission completes so frames sent ahead
	// of the ready announcement are answered with a not-ready close rather
	// than sitting unread in the socket.
	go g.readLoop(s)

	rec, err := g.store.Get(r.Context(), userID)
	switch {
	case err != nil:
		slog.Error("admission check failed", "user_id", userID, "err", err)
		s.Close(CloseReason{Message: err.Error(), Code: CodeServerError})
		return
	case rec.RemainingMs <= 0:
		slog.Info("rejecting exhausted user", "user_id", userID, "session_id", s.ID())
		s.Close(reasonFor(CodeExceededAllocatedUsage))
		return
	}

	if !s.markReady() {
		// Evicted or shut down while admitting; the close path already ran.
		return
	}
	if err := s.sendReady(r.Context()); err != nil {
		s.abort()
		return
	}
	slog.Info("session ready",
		"user_id", userID, "session_id", s.ID(), "remaining_ms", rec.RemainingMs)
	g.disp.Wake()

	// Hold the handler open until the session ends so the HTTP middleware
	// observes the session's full lifetime.
	<-s.Closed()
}

// readLoop pumps inbound frames into the session's queue until the
// connection ends. It owns the session's invalid-traffic policy: non-binary
// frames and malformed binary frames close the session, as do frames
// arriving before readiness or beyond a configured queue cap.
func (g *Gateway) readLoop(s *Session) {
	for {
		typ, data, err := s.conn.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Debug("client closed session", "session_id", s.ID(), "status", int(status))
			} else {
				slog.Debug("session read ended", "session_id", s.ID(), "err", err)
			}
			// Teardown cancels any in-flight task via the closed channel.
			s.abort()
			return
		}

		if typ != websocket.MessageBinary {
			s.Close(reasonFor(CodeInvalidData))
			return
		}

		seq, payload, err := decodeFrame(data)
		if err != nil {
			s.Close(reasonFor(CodeInvalidData))
			return
		}

		if !s.Ready() {
			s.Close(reasonFor(CodeNotReady))
			return
		}

		item := WorkItem{Seq: seq, Payload: payload, EnqueuedAt: time.Now()}
		if err := s.Queue().Enqueue(item); err != nil {
			s.Close(reasonFor(CodeQueueOverflow))
			return
		}
		g.metrics.FramesReceived.Add(context.Background(), 1)
		g.disp.Wake()
	}
}

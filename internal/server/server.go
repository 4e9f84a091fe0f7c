// Package server assembles the HTTP surface of the gateway: the WebSocket
// upgrade route, the usage read-through, health and metrics endpoints, and
// the graceful-shutdown choreography tying them to the dispatcher.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tessira/echogate/internal/auth"
	"github.com/tessira/echogate/internal/gateway"
	"github.com/tessira/echogate/internal/health"
	"github.com/tessira/echogate/internal/observe"
	"github.com/tessira/echogate/pkg/usage"
)

// Config holds the server's network settings.
type Config struct {
	// ListenAddr is the TCP address to listen on (e.g., ":3000").
	ListenAddr string

	// ShutdownTimeout bounds the graceful drain of in-flight requests and
	// tasks once the stop signal arrives.
	ShutdownTimeout time.Duration

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
}

// Server owns the HTTP listener and routes requests into the gateway.
type Server struct {
	cfg      Config
	gw       *gateway.Gateway
	resolver *auth.Resolver
	store    usage.Store
	metrics  *observe.Metrics
	health   *health.Handler

	httpSrv *http.Server
}

// New assembles a Server from its collaborators.
func New(cfg Config, gw *gateway.Gateway, resolver *auth.Resolver, store usage.Store, metrics *observe.Metrics, healthHandler *health.Handler) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		gw:       gw,
		resolver: resolver,
		store:    store,
		metrics:  metrics,
		health:   healthHandler,
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.Routes(),
	}
	return s
}

// Routes builds the router: the transcription upgrade, the usage
// read-through, and the operational endpoints.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	r.Get("/transcribe", s.gw.HandleTranscribe)
	r.Get("/api/usage", s.handleUsage)
	s.health.Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// Run serves until ctx is cancelled, then performs the shutdown sequence:
// stop accepting upgrades, close every live session, cancel the dispatcher
// and its in-flight tasks, and close the listener. It returns once
// everything has drained, or with the shutdown context's error if the drain
// exceeds the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	// The dispatcher's context is cancelled only after live sessions have
	// received their shutdown closes.
	dispCtx, cancelDisp := context.WithCancel(context.Background())
	defer cancelDisp()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.listenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := s.gw.Run(dispCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		s.gw.Shutdown()
		cancelDisp()

		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			return err
		}
		return nil
	})

	return g.Wait()
}

// listenAndServe starts the listener, with TLS when configured.
func (s *Server) listenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	slog.Info("listening", "addr", ln.Addr().String(), "tls", s.cfg.CertFile != "")

	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		return s.httpSrv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
	}
	return s.httpSrv.Serve(ln)
}

// handleUsage is the authenticated read-through to the caller's budget
// record.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := s.resolver.Resolve(r.Header.Get("Authorization"))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	rec, err := s.store.Get(r.Context(), userID)
	if err != nil {
		slog.Error("usage lookup failed", "user_id", userID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{"message": err.Error()},
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

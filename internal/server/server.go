// Package server exposes the gateway's HTTP surface: task submission,
// session polling, log tailing, artifact fetch, and abort.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vberezny/agentgate/internal/config"
	"github.com/vberezny/agentgate/internal/gate"
	"github.com/vberezny/agentgate/internal/policy"
	"github.com/vberezny/agentgate/internal/prompt"
	"github.com/vberezny/agentgate/internal/store"
	"github.com/vberezny/agentgate/internal/supervise"
)

// Server wires the gateway components behind the HTTP API.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	gate     *gate.Gate
	policy   *policy.Policy
	prompts  *prompt.Builder
	sup      *supervise.Supervisor
	registry *Registry
	metrics  *metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	log     zerolog.Logger
}

// New builds a fully wired server. Startup recovery (running -> aborted)
// happens here, before any listener can bind.
func New(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	st, err := store.New(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}
	if err := st.MarkAbortedOnStartup(); err != nil {
		return nil, err
	}

	builder, err := prompt.NewBuilder(cfg.PromptAppend)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := gate.New()
	s := &Server{
		cfg:     cfg,
		store:   st,
		gate:    g,
		prompts: builder,
		policy: &policy.Policy{
			AllowedRoots:   cfg.AllowedRoots,
			DenyGlobs:      cfg.DenyGlobs,
			TurnsCap:       cfg.MaxTurnsCap,
			TimeoutCapSecs: cfg.TimeoutCapSeconds,
		},
		sup: &supervise.Supervisor{
			Store:     st,
			Gate:      g,
			AgentBin:  cfg.AgentBin,
			KillGrace: time.Duration(cfg.KillGraceSeconds) * time.Second,
			Log:       log,
		},
		registry: NewRegistry(),
		metrics:  newMetrics(),
		baseCtx:  ctx,
		cancel:   cancel,
		log:      log,
	}

	s.httpSrv = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestMetrics)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// Unauthenticated probes.
	r.Get("/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Post("/v1/tasks", s.handleSubmitTask)
		r.Get("/v1/sessions", s.handleListSessions)
		r.Route("/v1/sessions/{id}", func(r chi.Router) {
			r.Get("/state", s.handleGetState)
			r.Post("/abort", s.handleAbort)
			r.Get("/excerpt", s.handleExcerpt)
			r.Get("/artifacts", s.handleListArtifacts)
			r.Get("/artifacts/{name}", s.handleFetchArtifact)
			r.Get("/logtail", s.handleLogtail)
		})
	})
	return r
}

// requireBearer enforces the shared-secret Authorization header. Both
// sides are hashed before comparing, which keeps the comparison
// constant-time and length-safe without depending on token length.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, found := strings.Cut(header, " ")
		if !found || scheme != "Bearer" || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing or malformed bearer token")
			return
		}
		want := sha256.Sum256([]byte(s.cfg.Token))
		got := sha256.Sum256([]byte(strings.TrimSpace(token)))
		if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// requestMetrics labels the request counter with the chi route pattern, not
// the raw path, so session ids never become label values.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		s.metrics.observeRequest(r.Method, path, ww.Status())
	})
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.Info().Str("signal", sig.String()).Msg("shutting down")
		s.Shutdown()
	}()

	s.log.Info().Str("addr", s.cfg.Addr()).Msg("listening")
	s.httpSrv.Addr = s.cfg.Addr()
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown cancels running sessions and drains HTTP connections.
func (s *Server) Shutdown() {
	s.registry.CancelAll("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}

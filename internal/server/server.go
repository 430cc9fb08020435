// ABOUTME: HTTP server wiring: chi router, request logging, background work and lifecycle
// ABOUTME: Run serves until the context ends, then shuts down gracefully

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"tailscale.com/tsnet"

	"github.com/2389/laraclaw/internal/auth"
	"github.com/2389/laraclaw/internal/config"
	"github.com/2389/laraclaw/internal/events"
	"github.com/2389/laraclaw/internal/gateway"
	"github.com/2389/laraclaw/internal/metrics"
	"github.com/2389/laraclaw/internal/orchestrator"
	"github.com/2389/laraclaw/internal/store"
)

// Orchestrator is the slice of *orchestrator.Orchestrator the server drives.
type Orchestrator interface {
	HandleInbound(ctx context.Context, gatewayName string, raw []byte, sig gateway.Signature, retryCount int) ([]*orchestrator.Outcome, error)
	Ask(ctx context.Context, message string, userID *string) (*orchestrator.Outcome, error)
	RefreshActiveConversations(ctx context.Context) (int, error)
}

// BindingService manages channel bindings. *binding.Manager implements it.
type BindingService interface {
	Bind(ctx context.Context, gateway, channelID string, userID, conversationID *string, metadata store.Metadata) (*store.ChannelBinding, error)
	Unbind(ctx context.Context, gateway, channelID string) (bool, error)
	ListBindings(ctx context.Context, gateway string, activeOnly bool) ([]*store.ChannelBinding, error)
	ActivateBinding(ctx context.Context, gateway, channelID string) (bool, error)
	DeactivateBinding(ctx context.Context, gateway, channelID string) (bool, error)
}

// UsageReader reports per-conversation usage totals.
type UsageReader interface {
	ConversationUsage(ctx context.Context, conversationID string) (*store.UsageTotals, error)
}

// Options are the collaborators of a Server. Verifier nil leaves /api unmounted.
type Options struct {
	Config       *config.Config
	Orchestrator Orchestrator
	Gateways     *gateway.Registry
	Bindings     BindingService
	Usage        UsageReader
	Events       *events.Broadcaster
	Metrics      *metrics.Collector
	Verifier     auth.TokenVerifier
	Logger       *slog.Logger
}

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Server is the laraclaw HTTP surface.
type Server struct {
	cfg        *config.Config
	orch       Orchestrator
	gateways   *gateway.Registry
	bindings   BindingService
	usage      UsageReader
	events     *events.Broadcaster
	metrics    *metrics.Collector
	verifier   auth.TokenVerifier
	logger     *slog.Logger
	httpServer *http.Server
	tsnet      *tsnet.Server

	// background tracks deferred webhook processing.
	background sync.WaitGroup
}

// New builds a Server. It does not listen until Run.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server requires a config")
	}
	if opts.Orchestrator == nil {
		return nil, errors.New("server requires an orchestrator")
	}
	if opts.Gateways == nil {
		return nil, errors.New("server requires a gateway registry")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		cfg:      opts.Config,
		orch:     opts.Orchestrator,
		gateways: opts.Gateways,
		bindings: opts.Bindings,
		usage:    opts.Usage,
		events:   opts.Events,
		metrics:  opts.Metrics,
		verifier: opts.Verifier,
		logger:   opts.Logger.With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:              opts.Config.Server.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		r.Get(s.cfg.Metrics.Path, s.handleMetrics)
	}

	r.Post("/webhooks/{gateway}", s.handleWebhook)
	// Matrix appservices deliver transactions with PUT.
	r.Put("/webhooks/{gateway}", s.handleWebhook)
	r.Put("/webhooks/{gateway}/_matrix/app/v1/transactions/{txn}", s.handleWebhook)

	if s.verifier == nil {
		s.logger.Warn("auth.jwt_secret not set, /api routes disabled")
		return r
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(s.verifier))

		r.Post("/ask", s.handleAsk)
		if s.events != nil {
			r.Get("/events", s.handleEvents)
		}
		if s.bindings != nil {
			r.Get("/bindings", s.handleListBindings)
			r.Post("/bindings", s.handleCreateBinding)
			r.Delete("/bindings/{gateway}/{channel}", s.handleDeleteBinding)
			r.Post("/bindings/{gateway}/{channel}/{action}", s.handleSetBindingActive)
		}
		if s.usage != nil {
			r.Get("/conversations/{id}/usage", s.handleConversationUsage)
		}
	})
	return r
}

// requestLogger logs each request through slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Run starts listening and blocks until ctx is cancelled or the server fails.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "gateways", s.gateways.Names())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go s.refreshLoop(refreshCtx)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}
	stopRefresh()

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// refreshLoop keeps the active_conversations gauge current.
func (s *Server) refreshLoop(ctx context.Context) {
	interval := s.cfg.Metrics.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.orch.RefreshActiveConversations(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("refreshing active conversations", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (s *Server) gracefulShutdown() error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting requests, waits for background webhook work and
// releases the tailnet node.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	// ends open event streams so HTTP shutdown does not wait on them
	if s.events != nil {
		s.events.Close()
	}

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background work: %w", ctx.Err()))
	}

	if s.tsnet != nil {
		if err := s.tsnet.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until deferred webhook processing has finished.
func (s *Server) Wait() {
	s.background.Wait()
}

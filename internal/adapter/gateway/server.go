package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"niolab/internal/adapter/history"
	"niolab/internal/adapter/llm"
	"niolab/internal/infra/config"
	"niolab/internal/infra/middleware"
	"niolab/internal/usecase/orchestrate"

	"niolab/internal/domain"
)

// Server is the HTTP gateway: the JSON API plus the websocket event feed.
type Server struct {
	cfg          config.GatewayConfig
	orchestrator *orchestrate.Orchestrator
	registry     *orchestrate.Registry
	modelService *config.ModelService
	llmClient    *llm.Client
	store        *history.Store // nil when run history is disabled
	bus          domain.EventBus
	auth         Authenticator
	logger       *slog.Logger

	httpSrv   *http.Server
	boundAddr string
	unsubAll  func()
	wsHub     *wsHub
}

// NewServer wires the gateway over the application services. store may be
// nil when run history is disabled.
func NewServer(
	cfg config.GatewayConfig,
	orchestrator *orchestrate.Orchestrator,
	registry *orchestrate.Registry,
	modelService *config.ModelService,
	llmClient *llm.Client,
	store *history.Store,
	bus domain.EventBus,
	logger *slog.Logger,
) *Server {
	var auth Authenticator = OpenAuth{}
	if len(cfg.Auth.Tokens) > 0 {
		auth = NewStaticTokenAuth(cfg.Auth.Tokens)
	}
	return &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		registry:     registry,
		modelService: modelService,
		llmClient:    llmClient,
		store:        store,
		bus:          bus,
		auth:         auth,
		logger:       logger,
		wsHub:        newWSHub(logger),
	}
}

// buildHandler assembles the mux and middleware chain.
func (s *Server) buildHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	if s.cfg.RateLimit.Enabled {
		handler = middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
			RequestsPerMin: s.cfg.RateLimit.RequestsPerMin,
			BurstSize:      s.cfg.RateLimit.Burst,
		})(handler)
	}
	return middleware.SecurityHeaders(handler)
}

// Start begins serving. Blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.buildHandler(ctx)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		s.wsHub.broadcast(event)
	})

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}
	s.wsHub.closeAll()

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/ai/chat", s.handleChat)
	mux.HandleFunc("GET /api/ai/experts", s.handleListExperts)
	mux.HandleFunc("GET /api/ai/experts/{id}", s.handleGetExpert)
	mux.HandleFunc("POST /api/ai/experts/custom", s.handleAddExpert)
	mux.HandleFunc("DELETE /api/ai/experts/custom/{id}", s.handleRemoveExpert)

	mux.HandleFunc("GET /api/ai/config", s.handleGetConfig)
	mux.HandleFunc("GET /api/ai/config/summary", s.handleGetConfig)
	mux.HandleFunc("POST /api/ai/config", s.handleUpdateConfig)
	mux.HandleFunc("POST /api/ai/config/test", s.handleTestConfig)
	mux.HandleFunc("POST /api/ai/config/reset", s.handleResetConfig)

	mux.HandleFunc("GET /api/ai/runs", s.handleListRuns)
}

// authMiddleware enforces bearer token auth on API routes. The health check
// stays open; the websocket route authenticates during its own upgrade.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := s.auth.Authenticate(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"mcpoverride-go/internal/catalog"
	"mcpoverride-go/internal/config"
	"mcpoverride-go/internal/metrics"
	"mcpoverride-go/internal/override"
	"mcpoverride-go/internal/session"
	"mcpoverride-go/internal/storage"
	"mcpoverride-go/internal/upstream"
)

// Server owns the proxy's lifecycle: the upstream session registry, the
// tool catalog, the override table and the HTTP surface serving the MCP
// endpoint, the admin API and metrics.
type Server struct {
	config    *config.Config
	logger    *zap.Logger
	registry  *session.Registry
	catalog   *catalog.Manager
	overrides *override.Table
	storage   *storage.Manager // nil when history is disabled
	metrics   *metrics.Metrics
	mcpProxy  *MCPProxyServer
	dial      session.Dialer

	mu         sync.Mutex
	httpServer *http.Server
	shutdown   bool
}

// NewServer wires the proxy components from configuration. The upstream
// catalog is not loaded yet; Start performs the bootstrap.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m := metrics.New()

	dial := func(ctx context.Context) (session.Conn, error) {
		conn := upstream.New(upstream.Options{
			URL:            cfg.UpstreamURL,
			Protocol:       cfg.Protocol,
			ConnectTimeout: cfg.ConnectTimeout.Duration(),
			CallTimeout:    cfg.CallToolTimeout.Duration(),
		}, logger)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		m.SessionsOpened.Inc()
		return conn, nil
	}

	var store *storage.Manager
	if cfg.DataDir != "" && cfg.CallHistoryLimit > 0 {
		var err error
		store, err = storage.NewManager(cfg.DataDir, cfg.CallHistoryLimit, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize call history: %w", err)
		}
	}

	registry := session.NewRegistry(dial, logger)
	cat := catalog.NewManager(logger)
	overrides := override.NewTable(logger)

	s := &Server{
		config:    cfg,
		logger:    logger,
		registry:  registry,
		catalog:   cat,
		overrides: overrides,
		storage:   store,
		metrics:   m,
		dial:      dial,
	}
	s.mcpProxy = NewMCPProxyServer(registry, cat, overrides, store, m, logger)
	return s, nil
}

// Start loads the upstream catalog, registers the tools and serves HTTP
// until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Connecting to upstream MCP server",
		zap.String("upstream", s.config.UpstreamURL),
		zap.String("protocol", s.config.Protocol))

	if err := s.catalog.Load(ctx, s.dial); err != nil {
		return fmt.Errorf("failed to load upstream tool catalog: %w", err)
	}
	s.mcpProxy.RegisterUpstreamTools()

	streamableServer := mcpserver.NewStreamableHTTPServer(s.mcpProxy.GetMCPServer())

	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Use(s.corsMiddleware)
	router.Use(s.loggingMiddleware)

	// Standard MCP endpoint according to the specification.
	router.Handle("/mcp", streamableServer)
	router.Handle("/mcp/*", streamableServer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	router.Route("/api/v1", s.registerAdminRoutes)

	httpServer := &http.Server{
		Addr:              s.config.Listen,
		Handler:           router,
		ReadHeaderTimeout: 60 * time.Second,
		ReadTimeout:       120 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       180 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("server already shut down")
	}
	s.httpServer = httpServer
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			s.logger.Warn("error during shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("Starting MCP proxy server",
		zap.String("listen", s.config.Listen),
		zap.Strings("endpoints", []string{"/mcp", "/healthz", "/metrics", "/api/v1"}))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP server error", zap.Error(err))
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Shutdown stops the HTTP server, then closes every session's upstream
// connection and the call history store. Safe to call more than once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	httpServer := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Shutting down MCP proxy server...")

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server forced shutdown due to timeout", zap.Error(err))
			_ = httpServer.Close()
		}
	}

	closed := s.registry.Count()
	if err := s.registry.CloseAll(); err != nil {
		s.logger.Warn("error closing upstream connections", zap.Error(err))
	}
	s.metrics.SessionsClosed.Add(float64(closed))
	s.metrics.ActiveSessions.Set(0)

	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.logger.Warn("error closing call history store", zap.Error(err))
		}
	}

	s.logger.Info("Shutdown complete")
	return nil
}

// RegisterOverride installs an override handler for a tool. The name
// must exist in the upstream catalog; overrides never introduce tools
// the upstream does not have.
func (s *Server) RegisterOverride(name string, handler override.Handler) error {
	if !s.catalog.Has(name) {
		return fmt.Errorf("cannot override %q: %w", name, catalog.ErrUnknownTool)
	}
	s.overrides.Register(name, handler)
	return nil
}

// UnregisterOverride removes an override handler. No-op if absent.
func (s *Server) UnregisterOverride(name string) {
	s.overrides.Unregister(name)
}

// EnableTool restores a tool to the servable catalog.
func (s *Server) EnableTool(name string) error {
	if err := s.catalog.Enable(name); err != nil {
		return err
	}
	s.metrics.ServableTools.Set(float64(len(s.catalog.ListServable())))
	return nil
}

// DisableTool hides a tool from clients without touching the upstream
// snapshot or any override registered for it.
func (s *Server) DisableTool(name string) {
	s.catalog.Disable(name)
	s.metrics.ServableTools.Set(float64(len(s.catalog.ListServable())))
}

// corsMiddleware allows browser-based MCP clients to reach the proxy.
// The session header must be exposed or clients cannot resume sessions.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each HTTP request with timing and status.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		if ww.Status() >= 400 {
			s.logger.Warn("request completed with error",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status_code", ww.Status()),
				zap.Duration("duration", duration))
		} else {
			s.logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status_code", ww.Status()),
				zap.Duration("duration", duration))
		}
	})
}

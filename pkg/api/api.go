// Package api serves the admin monitoring and control REST surface.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"wequi-guard/pkg/cache"
	"wequi-guard/pkg/config"
	"wequi-guard/pkg/directory"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/monitor"
	"wequi-guard/pkg/policy"
	"wequi-guard/pkg/ratelimit"
	"wequi-guard/pkg/tlscert"
	"wequi-guard/pkg/upstream"
)

// SchemaVersion is stamped on every response body.
const SchemaVersion = 1

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the API server
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger

	policies   *policy.Store
	directory  *directory.Directory
	monitor    *monitor.Aggregator
	alerter    *monitor.Alerter
	cache      *cache.ShardedCache
	upstreams  *upstream.Pool
	tls        *tlscert.Inspector
	storage    Pinger
	limiter    *ratelimit.Manager
	auth       *authenticator
	corsOrigin map[string]bool

	version   string
	startTime time.Time
	now       func() time.Time
}

// Config holds API server dependencies. Nil components are reported as
// unavailable by the routes that need them.
type Config struct {
	ListenAddress string
	CORSOrigins   []string
	Auth          config.AuthConfig

	Policies     *policy.Store
	Directory    *directory.Directory
	Monitor      *monitor.Aggregator
	Alerter      *monitor.Alerter
	Cache        *cache.ShardedCache
	Upstreams    *upstream.Pool
	TLS          *tlscert.Inspector
	Storage      Pinger
	LoginLimiter *ratelimit.Manager
	// Metrics serves /metrics when set.
	Metrics http.Handler

	Logger  *logging.Logger
	Version string
	Now     func() time.Time
}

// New creates a new API server
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		logger:     cfg.Logger,
		policies:   cfg.Policies,
		directory:  cfg.Directory,
		monitor:    cfg.Monitor,
		alerter:    cfg.Alerter,
		cache:      cfg.Cache,
		upstreams:  cfg.Upstreams,
		tls:        cfg.TLS,
		storage:    cfg.Storage,
		limiter:    cfg.LoginLimiter,
		auth:       newAuthenticator(cfg.Auth, cfg.Now),
		corsOrigin: make(map[string]bool, len(cfg.CORSOrigins)),
		version:    cfg.Version,
		startTime:  cfg.Now(),
		now:        cfg.Now,
	}
	for _, o := range cfg.CORSOrigins {
		s.corsOrigin[o] = true
	}
	switch {
	case !cfg.Auth.Required():
		s.logger.Warn("Admin API authentication disabled",
			"component", "api",
			"approved_by", cfg.Auth.DisabledApprovedBy)
	case !cfg.Auth.HasCredentials():
		s.logger.Warn("Admin API requires authentication but no tokens or accounts are configured",
			"component", "api")
	}

	mux := http.NewServeMux()

	// Probes
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("POST /api/v1/login", s.handleLogin)

	// Monitoring
	mux.HandleFunc("GET /api/v1/admin/monitor/overview", s.handleOverview)
	mux.HandleFunc("GET /api/v1/admin/monitor/query-feed", s.handleQueryFeed)
	mux.HandleFunc("GET /api/v1/admin/monitor/query-feed/export", s.handleQueryFeedExport)
	mux.HandleFunc("GET /api/v1/admin/monitor/query-feed/stream", s.handleQueryFeedStream)
	mux.HandleFunc("GET /api/v1/admin/monitor/upstreams", s.handleUpstreams)
	mux.HandleFunc("GET /api/v1/admin/monitor/tls", s.handleTLS)
	mux.HandleFunc("GET /api/v1/admin/monitor/cache", s.handleCache)
	mux.HandleFunc("GET /api/v1/admin/monitor/alerts", s.handleAlerts)

	// Policies and overrides
	mux.HandleFunc("GET /api/v1/admin/monitor/policies", s.handleGetPolicies)
	mux.HandleFunc("PUT /api/v1/admin/monitor/policies/{ownerId}", s.handleUpdatePolicy)
	mux.HandleFunc("GET /api/v1/admin/monitor/overrides", s.handleListOverrides)
	mux.HandleFunc("POST /api/v1/admin/monitor/overrides", s.handleCreateOverride)
	mux.HandleFunc("DELETE /api/v1/admin/monitor/overrides/{id}", s.handleDeleteOverride)

	// Directory
	mux.HandleFunc("GET /api/v1/admin/accounts", s.handleAccounts)
	mux.HandleFunc("GET /api/v1/admin/devices", s.handleDevices)

	handler := s.authMiddleware(mux)
	handler = s.loggingMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.recoverMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is canceled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.logger.Info("Starting API server", "address", l.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/event"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/telemetry"
)

// Server owns the UDP, TCP and DoT listeners.
type Server struct {
	cfg        config.ServerConfig
	resolver   Resolver
	logger     *logging.Logger
	metrics    *telemetry.Metrics
	handshakes HandshakeRecorder
	timeout    time.Duration

	mu      sync.RWMutex
	running bool
	certs   *certStore
	servers []*dns.Server
	addrs   map[event.Protocol]net.Addr
	ready   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithHandshakeRecorder reports DoT handshake outcomes to r.
func WithHandshakeRecorder(r HandshakeRecorder) Option {
	return func(s *Server) { s.handshakes = r }
}

// WithQueryTimeout bounds how long one query may take end to end.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates the listeners' owner. Nothing is bound until Start.
func NewServer(cfg config.ServerConfig, resolver Resolver, logger *logging.Logger, metrics *telemetry.Metrics, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
		timeout:  DefaultQueryTimeout,
		addrs:    make(map[event.Protocol]net.Addr),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds every enabled listener and serves until ctx is canceled or a
// listener fails. Bind errors are returned before anything is served.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	servers, err := s.bind(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if len(servers) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no DNS listener enabled")
	}
	s.servers = servers
	s.running = true
	s.mu.Unlock()

	errChan := make(chan error, len(servers))
	var started sync.WaitGroup
	started.Add(len(servers))
	for _, srv := range servers {
		srv.NotifyStartedFunc = started.Done
		go func(srv *dns.Server) {
			if err := srv.ActivateAndServe(); err != nil {
				errChan <- fmt.Errorf("%s server failed: %w", srv.Net, err)
			}
		}(srv)
	}
	startedCh := make(chan struct{})
	go func() {
		started.Wait()
		close(startedCh)
	}()

	select {
	case <-startedCh:
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		_ = s.Shutdown(context.Background())
		return err
	}
	close(s.ready)

	s.logger.Info("DNS server started",
		"address", s.cfg.ListenAddress,
		"udp", s.cfg.UDPEnabled,
		"tcp", s.cfg.TCPEnabled,
		"dot", s.cfg.DoT.Enabled,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		_ = s.Shutdown(context.Background())
		return err
	}
}

// bind opens the sockets. On failure everything opened so far is closed.
func (s *Server) bind(ctx context.Context) ([]*dns.Server, error) {
	var (
		servers []*dns.Server
		closers []func() error
	)
	fail := func(err error) ([]*dns.Server, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}

	if s.cfg.UDPEnabled {
		pc, err := net.ListenPacket("udp", s.cfg.ListenAddress)
		if err != nil {
			return fail(fmt.Errorf("listen udp %s: %w", s.cfg.ListenAddress, err))
		}
		closers = append(closers, pc.Close)
		s.addrs[event.ProtocolUDP] = pc.LocalAddr()
		servers = append(servers, &dns.Server{
			PacketConn: pc,
			Net:        "udp",
			Handler:    NewHandler(ctx, s.resolver, event.ProtocolUDP, s.timeout, s.logger),
		})
		s.logger.Info("Starting UDP DNS server", "address", pc.LocalAddr().String())
	}

	if s.cfg.TCPEnabled {
		l, err := net.Listen("tcp", s.cfg.ListenAddress)
		if err != nil {
			return fail(fmt.Errorf("listen tcp %s: %w", s.cfg.ListenAddress, err))
		}
		closers = append(closers, l.Close)
		s.addrs[event.ProtocolTCP] = l.Addr()
		servers = append(servers, &dns.Server{
			Listener: l,
			Net:      "tcp",
			Handler:  NewHandler(ctx, s.resolver, event.ProtocolTCP, s.timeout, s.logger),
		})
		s.logger.Info("Starting TCP DNS server", "address", l.Addr().String())
	}

	if s.cfg.DoT.Enabled {
		certs, err := newCertStore(s.cfg.DoT)
		if err != nil {
			return fail(err)
		}
		l, err := net.Listen("tcp", s.cfg.DoT.ListenAddress)
		if err != nil {
			return fail(fmt.Errorf("listen dot %s: %w", s.cfg.DoT.ListenAddress, err))
		}
		closers = append(closers, l.Close)
		s.certs = certs
		s.addrs[event.ProtocolDoT] = l.Addr()
		servers = append(servers, &dns.Server{
			Listener: newHandshakeListener(l, certs.tlsConfig(), s.handshakes, s.metrics),
			Net:      "tcp-tls",
			Handler:  NewHandler(ctx, s.resolver, event.ProtocolDoT, s.timeout, s.logger),
		})
		s.logger.Info("Starting DoT server", "address", l.Addr().String())
	}
	return servers, nil
}

// Ready is closed once every listener is serving.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address for protocol, or nil.
func (s *Server) Addr(protocol event.Protocol) net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addrs[protocol]
}

// ReloadCertificate re-reads the DoT key pair. New handshakes use it at once.
func (s *Server) ReloadCertificate() error {
	s.mu.RLock()
	certs := s.certs
	s.mu.RUnlock()
	if certs == nil {
		return nil
	}
	if err := certs.reload(); err != nil {
		return err
	}
	s.logger.Info("DoT certificate reloaded", "cert_file", s.cfg.DoT.CertFile)
	return nil
}

// Shutdown stops every listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	var errs []error
	for _, srv := range s.servers {
		if err := srv.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", srv.Net, err))
		}
	}
	s.running = false
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("DNS server shut down successfully")
	return nil
}

// IsRunning reports whether the listeners are up.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

package dns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/telemetry"
)

// HandshakeRecorder receives the outcome of every DoT handshake.
// *monitor.Aggregator implements it.
type HandshakeRecorder interface {
	RecordHandshake(ok bool)
}

// certStore holds the served key pair so it can be swapped without
// restarting the listener.
type certStore struct {
	cfg  config.DoTConfig
	cert atomic.Pointer[tls.Certificate]
}

func newCertStore(cfg config.DoTConfig) (*certStore, error) {
	s := &certStore{cfg: cfg}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *certStore) reload() error {
	if s.cfg.CertFile == "" || s.cfg.KeyFile == "" {
		return errors.New("DoT enabled but cert_file or key_file is empty")
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load DoT key pair: %w", err)
	}
	if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
		cert.Leaf = leaf
	}
	s.cert.Store(&cert)
	return nil
}

func (s *certStore) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	c := s.cert.Load()
	if c == nil {
		return nil, errors.New("certificate not loaded")
	}
	return c, nil
}

func (s *certStore) tlsConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: s.getCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"dot"},
	}
}

// handshakeListener terminates TLS on accepted connections and reports each
// handshake once, whether it completed or not.
type handshakeListener struct {
	net.Listener
	config *tls.Config
	record func(ok bool)
}

func newHandshakeListener(inner net.Listener, cfg *tls.Config, recorder HandshakeRecorder, metrics *telemetry.Metrics) *handshakeListener {
	return &handshakeListener{
		Listener: inner,
		config:   cfg,
		record: func(ok bool) {
			if recorder != nil {
				recorder.RecordHandshake(ok)
			}
			if metrics != nil && metrics.DoTHandshakes != nil {
				result := "ok"
				if !ok {
					result = "error"
				}
				metrics.DoTHandshakes.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("result", result)))
			}
		},
	}
}

func (l *handshakeListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &handshakeConn{Conn: tls.Server(c, l.config), record: l.record}, nil
}

// handshakeConn runs the handshake on first use. The embedded *tls.Conn keeps
// ConnectionState reachable for SNI lookups.
type handshakeConn struct {
	*tls.Conn
	record func(ok bool)
	once   sync.Once
	err    error
}

func (c *handshakeConn) handshake() error {
	c.once.Do(func() {
		c.err = c.Conn.Handshake()
		c.record(c.err == nil)
	})
	return c.err
}

func (c *handshakeConn) Read(b []byte) (int, error) {
	if err := c.handshake(); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *handshakeConn) Write(b []byte) (int, error) {
	if err := c.handshake(); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

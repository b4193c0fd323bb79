package upstream

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/miekg/dns"
)

// Exchanger sends one query to one server.
type Exchanger interface {
	Exchange(ctx context.Context, msg *dns.Msg, server *Server) (*dns.Msg, time.Duration, error)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context, msg *dns.Msg, server *Server) (*dns.Msg, time.Duration, error)

// Exchange calls f.
func (f ExchangerFunc) Exchange(ctx context.Context, msg *dns.Msg, server *Server) (*dns.Msg, time.Duration, error) {
	return f(ctx, msg, server)
}

// DNSExchanger talks to servers over UDP, TCP or DNS-over-TLS. Truncated
// UDP answers are retried over TCP within the same deadline.
type DNSExchanger struct {
	udp *dns.Client
	tcp *dns.Client
}

// NewDNSExchanger creates an exchanger. The per-attempt deadline comes
// from the context; timeout is only an upper bound for the dialer.
func NewDNSExchanger(timeout time.Duration) *DNSExchanger {
	return &DNSExchanger{
		udp: &dns.Client{Net: "udp", Timeout: timeout, UDPSize: dns.DefaultMsgSize},
		tcp: &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// Exchange implements Exchanger.
func (e *DNSExchanger) Exchange(ctx context.Context, msg *dns.Msg, server *Server) (*dns.Msg, time.Duration, error) {
	switch server.Protocol {
	case ProtocolTCP:
		return e.tcp.ExchangeContext(ctx, msg, server.Address)
	case ProtocolDoT:
		return e.dotClient(server).ExchangeContext(ctx, msg, server.Address)
	default:
		resp, rtt, err := e.udp.ExchangeContext(ctx, msg, server.Address)
		if err == nil && resp != nil && resp.Truncated {
			return e.tcp.ExchangeContext(ctx, msg, server.Address)
		}
		return resp, rtt, err
	}
}

func (e *DNSExchanger) dotClient(server *Server) *dns.Client {
	return &dns.Client{
		Net:     "tcp-tls",
		Timeout: e.tcp.Timeout,
		TLSConfig: &tls.Config{
			ServerName: server.ServerName,
			MinVersion: tls.VersionTLS12,
		},
	}
}

// Package dns runs the UDP, TCP and DNS-over-TLS listeners in front of the
// query pipeline.
package dns

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"wequi-guard/pkg/event"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/pipeline"
)

// DefaultQueryTimeout bounds one query when no timeout is configured.
const DefaultQueryTimeout = 2 * time.Second

// Resolver answers a single query. *pipeline.Pipeline implements it.
type Resolver interface {
	Handle(ctx context.Context, req pipeline.Request) (*dns.Msg, error)
}

// Handler adapts a Resolver to dns.Handler for one protocol.
type Handler struct {
	resolver Resolver
	protocol event.Protocol
	logger   *logging.Logger
	timeout  time.Duration
	base     context.Context
}

// NewHandler returns a handler tagging its queries with protocol. Queries
// are canceled when base is done.
func NewHandler(base context.Context, resolver Resolver, protocol event.Protocol, timeout time.Duration, logger *logging.Logger) *Handler {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Handler{
		resolver: resolver,
		protocol: protocol,
		logger:   logger,
		timeout:  timeout,
		base:     base,
	}
}

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if r.Opcode != dns.OpcodeQuery {
		resp := new(dns.Msg)
		resp.SetRcode(r, dns.RcodeNotImplemented)
		h.write(w, resp)
		return
	}

	ctx, cancel := context.WithTimeout(h.base, h.timeout)
	defer cancel()

	req := pipeline.Request{
		Msg:      r,
		ClientIP: clientAddr(w),
		Protocol: h.protocol,
	}
	if cs, ok := w.(dns.ConnectionStater); ok {
		if state := cs.ConnectionState(); state != nil {
			req.ServerName = state.ServerName
		}
	}

	resp, err := h.resolver.Handle(ctx, req)
	if err != nil {
		// The client gave up or we are shutting down; there is nobody to answer.
		h.logger.Debug("Query abandoned", "component", "listener", "protocol", h.protocol, "error", err)
		return
	}

	info := GetEDNSInfo(r)
	SetEDNS0(resp, info)
	if h.protocol == event.ProtocolUDP {
		resp.Truncate(udpLimit(info))
	}
	h.write(w, resp)
}

func (h *Handler) write(w dns.ResponseWriter, resp *dns.Msg) {
	if err := w.WriteMsg(resp); err != nil {
		h.logger.Debug("Failed to write DNS response", "component", "listener", "protocol", h.protocol, "error", err)
	}
}

// clientAddr extracts the peer address without its port.
func clientAddr(w dns.ResponseWriter) netip.Addr {
	switch a := w.RemoteAddr().(type) {
	case *net.UDPAddr:
		return a.AddrPort().Addr().Unmap()
	case *net.TCPAddr:
		return a.AddrPort().Addr().Unmap()
	case nil:
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(w.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

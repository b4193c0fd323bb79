package dns

import (
	"github.com/miekg/dns"
)

// EDNS0 buffer limits advertised to clients.
const (
	DefaultEDNSBufferSize = 4096
	MaxEDNSBufferSize     = 4096
	MinEDNSBufferSize     = 512
)

// EDNSInfo is the OPT data a client sent.
type EDNSInfo struct {
	Present    bool
	Version    uint8
	BufferSize uint16
	DO         bool
}

// GetEDNSInfo reads the OPT record of req, if any.
func GetEDNSInfo(req *dns.Msg) EDNSInfo {
	var info EDNSInfo
	if req == nil {
		return info
	}
	if opt := req.IsEdns0(); opt != nil {
		info.Present = true
		info.Version = opt.Version()
		info.BufferSize = opt.UDPSize()
		info.DO = opt.Do()
	}
	return info
}

// SetEDNS0 echoes an OPT record on resp when the client sent one. The DO bit
// is preserved; the buffer size is clamped to what we are willing to send.
func SetEDNS0(resp *dns.Msg, info EDNSInfo) {
	if resp == nil || !info.Present || resp.IsEdns0() != nil {
		return
	}
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	// Class carries the payload size on OPT; never set it directly.
	opt.SetUDPSize(negotiateBufferSize(info.BufferSize))
	if info.DO {
		opt.SetDo()
	}
	resp.Extra = append(resp.Extra, opt)
}

func negotiateBufferSize(requested uint16) uint16 {
	switch {
	case requested == 0:
		return DefaultEDNSBufferSize
	case requested < MinEDNSBufferSize:
		return MinEDNSBufferSize
	case requested > MaxEDNSBufferSize:
		return MaxEDNSBufferSize
	}
	return requested
}

// udpLimit is the largest UDP response the client accepts.
func udpLimit(info EDNSInfo) int {
	if !info.Present {
		return dns.MinMsgSize
	}
	return int(negotiateBufferSize(info.BufferSize))
}

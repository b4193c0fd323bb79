package dns

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEDNSInfo(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	assert.False(t, GetEDNSInfo(req).Present)
	assert.False(t, GetEDNSInfo(nil).Present)

	req.SetEdns0(1232, true)
	info := GetEDNSInfo(req)
	assert.True(t, info.Present)
	assert.Equal(t, uint16(1232), info.BufferSize)
	assert.True(t, info.DO)
}

func TestSetEDNS0(t *testing.T) {
	resp := new(dns.Msg)
	SetEDNS0(resp, EDNSInfo{})
	assert.Nil(t, resp.IsEdns0(), "no OPT unless the client sent one")

	SetEDNS0(resp, EDNSInfo{Present: true, BufferSize: 1232})
	opt := resp.IsEdns0()
	require.NotNil(t, opt)
	assert.Equal(t, uint16(1232), opt.UDPSize())
	assert.False(t, opt.Do())

	// A second call leaves the existing record alone.
	SetEDNS0(resp, EDNSInfo{Present: true, BufferSize: 4096, DO: true})
	assert.Len(t, resp.Extra, 1)
	assert.False(t, resp.IsEdns0().Do())
}

func TestNegotiateBufferSize(t *testing.T) {
	tests := []struct {
		in, want uint16
	}{
		{0, DefaultEDNSBufferSize},
		{100, MinEDNSBufferSize},
		{1232, 1232},
		{65535, MaxEDNSBufferSize},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, negotiateBufferSize(tt.in), "requested %d", tt.in)
	}
	assert.Equal(t, dns.MinMsgSize, udpLimit(EDNSInfo{}))
	assert.Equal(t, 1232, udpLimit(EDNSInfo{Present: true, BufferSize: 1232}))
}

// Package event defines the immutable per-query record emitted by the
// resolution pipeline and consumed by the monitor ring and the archive.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action is the decision taken for a query.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionBlock   Action = "block"
	ActionRewrite Action = "rewrite"
	ActionError   Action = "error"
)

// ServedFrom names the component that produced the final answer.
type ServedFrom string

const (
	ServedFromCache    ServedFrom = "cache"
	ServedFromUpstream ServedFrom = "upstream"
	ServedFromPolicy   ServedFrom = "policy"
)

// Protocol is the client-facing transport a query arrived on.
type Protocol string

const (
	ProtocolUDP Protocol = "UDP"
	ProtocolTCP Protocol = "TCP"
	ProtocolDoT Protocol = "DoT"
)

// ParseAction returns the Action for s (case-insensitive).
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAllow:
		return ActionAllow, true
	case ActionBlock:
		return ActionBlock, true
	case ActionRewrite:
		return ActionRewrite, true
	case ActionError:
		return ActionError, true
	}
	return "", false
}

// ParseProtocol accepts "udp", "tcp", "dot" in any case.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UDP":
		return ProtocolUDP, true
	case "TCP":
		return ProtocolTCP, true
	case "DOT":
		return ProtocolDoT, true
	}
	return "", false
}

// ParseServedFrom accepts "cache", "upstream" or "policy".
func ParseServedFrom(s string) (ServedFrom, bool) {
	switch ServedFrom(strings.ToLower(strings.TrimSpace(s))) {
	case ServedFromCache:
		return ServedFromCache, true
	case ServedFromUpstream:
		return ServedFromUpstream, true
	case ServedFromPolicy:
		return ServedFromPolicy, true
	}
	return "", false
}

// ErrInconsistent is returned by Validate when action and served-from disagree.
var ErrInconsistent = errors.New("inconsistent query event")

// QueryEvent is one DNS query's full lifecycle record. It is never mutated
// after being handed to a sink.
type QueryEvent struct {
	Timestamp  time.Time  `json:"timestamp"`
	ID         string     `json:"id"`
	ClientIP   string     `json:"client_ip"`
	ASN        string     `json:"asn,omitempty"`
	Protocol   Protocol   `json:"proto"`
	QName      string     `json:"qname"`
	QType      string     `json:"qtype"`
	UserID     string     `json:"user_id,omitempty"`
	UserName   string     `json:"user,omitempty"`
	DeviceID   string     `json:"device_id,omitempty"`
	DeviceName string     `json:"device,omitempty"`
	Action     Action     `json:"action"`
	ServedFrom ServedFrom `json:"served_from"`
	Upstream   string     `json:"upstream,omitempty"`
	Rcode      string     `json:"rcode"`
	Reason     string     `json:"reason,omitempty"`
	LatencyMs  float64    `json:"latency_ms"`
	UpstreamMs float64    `json:"upstream_ms"`
	PolicyMs   float64    `json:"policy_ms"`
	Attempts   int        `json:"attempts"`
}

// Validate checks the action/served-from invariant.
func (e *QueryEvent) Validate() error {
	switch e.Action {
	case ActionBlock:
		if e.ServedFrom != ServedFromPolicy {
			return fmt.Errorf("%w: block served from %q", ErrInconsistent, e.ServedFrom)
		}
		if e.Upstream != "" {
			return fmt.Errorf("%w: block with upstream %q", ErrInconsistent, e.Upstream)
		}
	case ActionRewrite:
		if e.ServedFrom != ServedFromPolicy && e.ServedFrom != ServedFromCache {
			return fmt.Errorf("%w: rewrite served from %q", ErrInconsistent, e.ServedFrom)
		}
	case ActionAllow:
		if e.ServedFrom != ServedFromCache && e.ServedFrom != ServedFromUpstream {
			return fmt.Errorf("%w: allow served from %q", ErrInconsistent, e.ServedFrom)
		}
	case ActionError:
		if e.Rcode != "SERVFAIL" {
			return fmt.Errorf("%w: error with rcode %q", ErrInconsistent, e.Rcode)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInconsistent, e.Action)
	}
	return nil
}

// Sink receives finished events. Implementations must not block the caller
// for longer than a short critical section.
type Sink interface {
	RecordEvent(e *QueryEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e *QueryEvent)

// RecordEvent calls f(e).
func (f SinkFunc) RecordEvent(e *QueryEvent) { f(e) }

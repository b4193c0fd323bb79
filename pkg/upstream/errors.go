package upstream

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoHealthyUpstreams is returned when every server is unhealthy or
	// already tried for this query.
	ErrNoHealthyUpstreams = errors.New("no healthy upstream servers available")

	// ErrNoUpstreams is returned when the pool has no configured servers.
	ErrNoUpstreams = errors.New("no upstream servers configured")
)

// UpstreamTimeoutError is returned when a single attempt exceeds its
// deadline. It counts as a failure for health tracking.
type UpstreamTimeoutError struct {
	Server  string
	Timeout time.Duration
	Err     error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream %s timed out after %s", e.Server, e.Timeout)
}

func (e *UpstreamTimeoutError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an UpstreamTimeoutError.
func IsTimeout(err error) bool {
	var te *UpstreamTimeoutError
	return errors.As(err, &te)
}

// ServerFailureError reports an upstream that answered SERVFAIL. The
// response is kept so the caller can relay it once retries are exhausted.
type ServerFailureError struct {
	Server string
}

func (e *ServerFailureError) Error() string {
	return fmt.Sprintf("upstream %s returned SERVFAIL", e.Server)
}

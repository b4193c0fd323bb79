package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheNotEnabled is returned when a cache is built from a disabled config
	ErrCacheNotEnabled = errors.New("cache is not enabled")
	// ErrInvalidConfig is returned when cache configuration is invalid
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// CacheCorruptionError describes an entry that failed its shape or TTL
// invariants on read. The entry is discarded and the lookup is a miss.
type CacheCorruptionError struct {
	Key    string
	Reason string
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s: %s", e.Key, e.Reason)
}

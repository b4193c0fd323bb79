package storage

import "errors"

// Sentinel errors. Callers match them with errors.Is; the wrapped cause
// carries the driver detail.
var (
	ErrNotEnabled       = errors.New("storage is not enabled")
	ErrNotFound         = errors.New("not found")
	ErrInvalidConfig    = errors.New("invalid storage configuration")
	ErrConnectionFailed = errors.New("database open failed")
	ErrQueryFailed      = errors.New("query failed")

	// ErrClosed is returned once Close has run. Events recorded after that
	// are dropped and counted.
	ErrClosed = errors.New("storage is closed")
)

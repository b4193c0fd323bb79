package policy

import (
	"errors"
	"fmt"
)

// ErrStoreNotLoaded is returned when the store is read before Load.
var ErrStoreNotLoaded = errors.New("policy store not loaded")

// ValidationError reports malformed policy or override input. Nothing is
// changed when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown user, device, or override.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// PolicyConflictError means the effective policy for a query cannot be
// decided unambiguously. Callers fail closed.
type PolicyConflictError struct {
	UserID   string
	DeviceID string
	Domain   string
	Reason   string
}

func (e *PolicyConflictError) Error() string {
	return fmt.Sprintf("policy conflict for user=%q device=%q domain=%q: %s", e.UserID, e.DeviceID, e.Domain, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsConflict reports whether err is a PolicyConflictError.
func IsConflict(err error) bool {
	var c *PolicyConflictError
	return errors.As(err, &c)
}

package shared

import "errors"

var (
	// ErrNotFound indicates the principal or resource could not be resolved.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied indicates the action is not allowed. It never carries a reason.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrInvalidTransition indicates the action is not valid from the current status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConfiguration indicates an action/resource type pair has no registered rule.
	ErrConfiguration = errors.New("configuration error")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)

// IsExpected reports whether err is a domain outcome rather than an operational failure.
func IsExpected(err error) bool {
	for _, target := range []error{ErrNotFound, ErrPermissionDenied, ErrInvalidTransition, ErrValidation} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package manager

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when another operation on the same ExApp is in flight
var ErrBusy = errors.New("another operation on this ExApp is in progress")

// ErrInvalidRequest wraps input validation failures
var ErrInvalidRequest = errors.New("invalid request")

// ErrDisabled is returned when a disabled ExApp calls anything but its state endpoint
var ErrDisabled = errors.New("ExApp is disabled")

// PolicyError is a request that was refused before any remote state changed:
// unapproved scopes, an unknown deploy kind, a manifest that names another
// app or a certificate that does not verify
type PolicyError struct {
	AppID  string
	Reason string
	Err    error
}

func (e *PolicyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

func policyErrorf(appID string, err error, format string, args ...interface{}) *PolicyError {
	return &PolicyError{AppID: appID, Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsPolicyError reports whether err was refused by policy
func IsPolicyError(err error) bool {
	var perr *PolicyError
	return errors.As(err, &perr)
}

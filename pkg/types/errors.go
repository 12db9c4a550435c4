package types

import (
	"errors"
	"fmt"
)

// AuthError means the portal rejected the credentials or the session. It is
// user-actionable: after one invalidate-and-retry the poller surfaces it as a
// persistent failure instead of looping.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError means the portal was unreachable or returned a server
// error. The poller retries these with backoff and never treats them as a
// hard failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient error"
	}
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// DataError means the portal answered but the payload could not be parsed.
// The cycle is skipped and the prior snapshot retained.
type DataError struct {
	Err error
}

func (e *DataError) Error() string {
	if e.Err == nil {
		return "malformed data"
	}
	return "data: " + e.Err.Error()
}

func (e *DataError) Unwrap() error { return e.Err }

// DiscoveryEmptyError means a login succeeded but no accounts were found.
// Distinct from an empty success so the caller can prompt for a manual
// account id.
var DiscoveryEmptyError = errors.New("discovery found no accounts")

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsData reports whether err is (or wraps) a DataError.
func IsData(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

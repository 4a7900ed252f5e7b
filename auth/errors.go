package auth

import (
	"fmt"
	"time"

	"github.com/mnehpets/onelogin/token"
)

// ProviderError is an error reported by the identity provider, either on the
// redirect or by the token endpoint.
type ProviderError = token.ProviderError

// ConfigurationError is a fatal setup problem, such as a missing client id.
// It is not retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "auth configuration error: " + e.Reason
}

// StateMismatchError means the callback state differs from the pending
// attempt's state.
type StateMismatchError struct{}

func (e *StateMismatchError) Error() string {
	return "state mismatch: please try logging in again"
}

// MalformedCallbackError means the callback lacks a required parameter or
// cannot be parsed.
type MalformedCallbackError struct {
	Reason string
}

func (e *MalformedCallbackError) Error() string {
	return fmt.Sprintf("malformed callback (%s): please try logging in again", e.Reason)
}

// ExpiredAuthAttemptError means there is no pending attempt or it outlived
// its TTL.
type ExpiredAuthAttemptError struct {
	Age time.Duration
}

func (e *ExpiredAuthAttemptError) Error() string {
	if e.Age > 0 {
		return fmt.Sprintf("login attempt expired after %s: please try logging in again", e.Age.Round(time.Second))
	}
	return "no login attempt in progress: please try logging in again"
}

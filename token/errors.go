package token

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated means there is no usable token set; the user must sign
// in again.
var ErrUnauthenticated = errors.New("token: unauthenticated")

// ProviderError is an OAuth2 error returned by the provider. Description is
// surfaced to the user verbatim.
type ProviderError struct {
	Code        string
	Description string
	// StatusCode is the HTTP status of the token endpoint response, or 0 for
	// errors delivered on the authorization redirect.
	StatusCode int
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// InvalidResponseError is a token endpoint success response that cannot be
// used.
type InvalidResponseError struct {
	Reason     string
	StatusCode int
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid token response (HTTP %d): %s", e.StatusCode, e.Reason)
}

// TokenRefreshError wraps the cause of a failed refresh. It matches
// ErrUnauthenticated under errors.Is.
type TokenRefreshError struct {
	Err error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

func (e *TokenRefreshError) Is(target error) bool { return target == ErrUnauthenticated }

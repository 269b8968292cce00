package authclient

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenFetch matches every *TokenFetchError.
	ErrTokenFetch = errors.New("token fetch failed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrMissingCredentials is returned when dev-id or API key is empty.
	ErrMissingCredentials = errors.New("missing developer credentials")

	// ErrMissingUserID is returned when a user token is requested without a user id.
	ErrMissingUserID = errors.New("missing user id")
)

// Reason classifies a token fetch failure.
type Reason string

const (
	// ReasonNetwork covers transport failures and non-2xx responses.
	ReasonNetwork Reason = "network"
	// ReasonParse covers undecodable bodies and bodies without a token.
	ReasonParse Reason = "parse"
)

// TokenFetchError is returned when no token could be obtained. Callers treat it as
// "no token": any operation that requires one must not proceed.
type TokenFetchError struct {
	Endpoint   string
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *TokenFetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (%s): status %d", ErrTokenFetch.Error(), e.Endpoint, e.Reason, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s (%s): %v", ErrTokenFetch.Error(), e.Endpoint, e.Reason, e.Err)
	default:
		return fmt.Sprintf("%s: %s (%s)", ErrTokenFetch.Error(), e.Endpoint, e.Reason)
	}
}

func (e *TokenFetchError) Unwrap() error { return e.Err }

func (e *TokenFetchError) Is(target error) bool { return target == ErrTokenFetch }

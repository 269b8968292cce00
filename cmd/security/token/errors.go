package token

import "errors"

// Public, stable errors for callers.
var (
	ErrEmptyToken      = errors.New("token empty")
	ErrFingerprintKey  = errors.New("token fingerprint key too long")
	ErrMalformedBearer = errors.New("malformed bearer header")
)

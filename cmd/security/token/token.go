package token

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// FingerprintKeyEnv is the env var name for the optional fingerprint MAC key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	FingerprintKeyEnv = "BIOSTREAM_TOKEN_FP_KEY"

	// fingerprintChars is the number of hex chars kept from the digest.
	fingerprintChars = 16

	bearerPrefix = "Bearer "
)

// Fingerprint returns a short hex fingerprint of tok suitable for logs.
// Empty tokens fingerprint to "" so "no token" stays visible in log lines.
func Fingerprint(tok string) string {
	fp, err := FingerprintWithKey(tok, fingerprintKey())
	if err != nil {
		// Key is too long for BLAKE2b: fall back to the unkeyed digest.
		fp, _ = FingerprintWithKey(tok, nil)
	}
	return fp
}

// FingerprintWithKey returns the BLAKE2b-256 fingerprint of tok, keyed when key is non-empty.
func FingerprintWithKey(tok string, key []byte) (string, error) {
	if tok == "" {
		return "", nil
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return "", ErrFingerprintKey
	}
	_, _ = h.Write([]byte(tok))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintChars], nil
}

// Bearer formats tok as an Authorization header value.
func Bearer(tok string) (string, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrEmptyToken
	}
	return bearerPrefix + tok, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMalformedBearer
	}
	tok := strings.TrimSpace(header[len(bearerPrefix):])
	if tok == "" {
		return "", ErrEmptyToken
	}
	return tok, nil
}

func fingerprintKey() []byte {
	raw := strings.TrimSpace(os.Getenv(FingerprintKeyEnv))
	if raw == "" {
		return nil
	}
	return []byte(raw)
}

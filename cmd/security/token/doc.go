// Package token provides bearer-token handling primitives for biostream.
//
// It is the single place that decides how a token may appear outside the
// request that carries it:
//   - Fingerprint: a short, non-reversible BLAKE2b-256 digest for logs and metrics labels.
//   - Bearer: the Authorization header value used by the uplink.
//
// Environment:
//   - BIOSTREAM_TOKEN_FP_KEY: when set, fingerprints are keyed (BLAKE2b MAC) so they
//     cannot be correlated across deployments.
package token

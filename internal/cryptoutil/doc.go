// Package cryptoutil provides the small set of primitives request signing
// and upload tracking rely on.
//
// It supports:
//   - HMAC-SHA256 signing and constant-time verification of hex digests
//   - SHA-256 hashing utilities
package cryptoutil

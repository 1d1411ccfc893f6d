// Package cryptoutil verifies the integrity of policy documents pulled from
// remote storage.
//
// It supports:
//   - KMS-backed detached signature verification (ECDSA P-256/P-384, RSA-PSS with optional PKCS1v15 fallback)
//   - Constant-time hash comparison
//   - SHA-256 hex digests used as document versions
package cryptoutil

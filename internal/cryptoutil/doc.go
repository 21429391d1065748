// Package cryptoutil holds the integrity primitives used when loading
// manifests: sha256 hex digests, constant-time digest comparison and
// KMS-backed detached signature verification (ECDSA P-256/P-384, RSA-PSS
// with an optional PKCS1v15 fallback).
package cryptoutil

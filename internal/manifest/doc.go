// Package manifest loads the content_scripts declarations csloader injects.
//
// A manifest comes from a local file (JSON or YAML) or from S3, addressed by
// its sha256 with an SSM parameter pointing at the current one. Remote
// manifests are checksum-verified and, when a KMS key is configured,
// signature-verified before they are parsed. The Manager holds the active
// snapshot and hands out deep copies of its declarations.
package manifest

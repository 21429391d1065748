package manifest

import "time"

type Source string

const (
	SourceUnknown Source = "unknown"
	SourceFile    Source = "file"
	SourceS3      Source = "s3"
)

type Meta struct {
	Version    string    `json:"version,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	Source     Source    `json:"source,omitempty"`
	Signed     bool      `json:"signed,omitempty"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

// Snapshot is one loaded, validated manifest.
type Snapshot struct {
	Manifest *Manifest
	Meta     Meta
	LoadedAt time.Time
}

package manifest

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/csloader/internal/xerrors"
)

// RunAt is the injection timing marker. It is carried through to the host
// untouched; csloader never interprets it.
type RunAt string

const (
	RunAtDocumentStart RunAt = "document_start"
	RunAtDocumentEnd   RunAt = "document_end"
	RunAtDocumentIdle  RunAt = "document_idle"
)

// DefaultRunAt applies when a declaration omits run_at, matching the
// extension platform's own default.
const DefaultRunAt = RunAtDocumentIdle

// Valid reports whether r is one of the three known markers.
func (r RunAt) Valid() bool {
	switch r {
	case RunAtDocumentStart, RunAtDocumentEnd, RunAtDocumentIdle:
		return true
	}
	return false
}

func (r RunAt) String() string { return string(r) }

// Declaration is one content_scripts entry.
type Declaration struct {
	Matches []string `json:"matches" yaml:"matches"`
	CSS     []string `json:"css,omitempty" yaml:"css,omitempty"`
	JS      []string `json:"js,omitempty" yaml:"js,omitempty"`
	RunAt   RunAt    `json:"run_at,omitempty" yaml:"run_at,omitempty"`
}

// Clone returns a deep copy so callers cannot reach the manager's snapshot.
func (d Declaration) Clone() Declaration {
	return Declaration{
		Matches: cloneStrings(d.Matches),
		CSS:     cloneStrings(d.CSS),
		JS:      cloneStrings(d.JS),
		RunAt:   d.RunAt,
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// Manifest is the subset of an extension manifest csloader reads.
type Manifest struct {
	Name           string        `json:"name,omitempty" yaml:"name,omitempty"`
	Version        string        `json:"version,omitempty" yaml:"version,omitempty"`
	ContentScripts []Declaration `json:"content_scripts" yaml:"content_scripts"`
}

// Format selects the decoder used by Parse.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks a Format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	p := strings.ToLower(path)
	if strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// Parse decodes a manifest and fills in default run_at values. It does not
// validate; call Validate for that.
func Parse(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, xerrors.Wrap(err, "decode yaml manifest")
		}
	case FormatJSON, "":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, xerrors.Wrap(err, "decode json manifest")
		}
	default:
		return nil, xerrors.Newf("unknown manifest format %q", format)
	}
	for i := range m.ContentScripts {
		if m.ContentScripts[i].RunAt == "" {
			m.ContentScripts[i].RunAt = DefaultRunAt
		}
	}
	return &m, nil
}

package manifest

import (
	"os"
	"time"

	"github.com/keithlinneman/csloader/internal/cryptoutil"
	"github.com/keithlinneman/csloader/internal/xerrors"
)

// LoadFile reads, parses and validates a manifest from disk. The format is
// chosen from the file extension.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read manifest %s", path)
	}
	m, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse manifest %s", path)
	}
	if err := Validate(m); err != nil {
		return nil, xerrors.Wrapf(err, "validate manifest %s", path)
	}
	now := time.Now().UTC()
	return &Snapshot{
		Manifest: m,
		Meta: Meta{
			Version:    m.Version,
			SHA256:     cryptoutil.SHA256Hex(data),
			Source:     SourceFile,
			VerifiedAt: now,
		},
		LoadedAt: now,
	}, nil
}

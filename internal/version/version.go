// Package version carries build metadata stamped with -ldflags, falling
// back to what the Go toolchain records in the binary.
package version

import (
	"fmt"
	"runtime/debug"
)

// AppName is the binary and metrics app label.
const AppName = "csloader"

// set via -ldflags "-X github.com/keithlinneman/csloader/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges the ldflags values with debug.ReadBuildInfo. ldflags win.
func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	if out.GoVersion == "" {
		out.GoVersion = bi.GoVersion
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil && (s.Value == "true" || s.Value == "false") {
				d := s.Value == "true"
				out.VCSDirty = &d
			}
		}
	}
	return out
}

// String is the one-line form printed by -V.
func (i Info) String() string {
	dirty := ""
	if i.VCSDirty != nil && *i.VCSDirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s %s (commit %s%s, built %s, %s)",
		AppName, i.Version, shortCommit(i.Commit), dirty, orUnknown(i.BuildDate), i.GoVersion)
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

package manifest

import (
	"fmt"
	"strings"

	"github.com/keithlinneman/csloader/internal/matchpattern"
	"github.com/keithlinneman/csloader/internal/pathutil"
)

// ValidationError lists every problem found in a manifest.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "manifest invalid: " + e.Problems[0]
	}
	return fmt.Sprintf("manifest invalid (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks run_at markers, match-pattern syntax and resource paths.
// Empty content_scripts, matches, css and js lists are all valid.
func Validate(m *Manifest) error {
	if m == nil {
		return &ValidationError{Problems: []string{"manifest is nil"}}
	}
	var problems []string
	add := func(i int, format string, args ...any) {
		problems = append(problems, fmt.Sprintf("content_scripts[%d]: ", i)+fmt.Sprintf(format, args...))
	}
	for i, d := range m.ContentScripts {
		if !d.RunAt.Valid() {
			add(i, "unknown run_at %q", d.RunAt)
		}
		for _, p := range d.Matches {
			if _, err := matchpattern.Parse(p); err != nil {
				add(i, "%v", err)
			}
		}
		for _, f := range d.CSS {
			if msg := checkResourcePath(f); msg != "" {
				add(i, "css %q: %s", f, msg)
			}
		}
		for _, f := range d.JS {
			if msg := checkResourcePath(f); msg != "" {
				add(i, "js %q: %s", f, msg)
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// checkResourcePath returns a reason when f is not a clean path inside the
// extension package.
func checkResourcePath(f string) string {
	switch {
	case strings.TrimSpace(f) == "":
		return "empty path"
	case strings.Contains(f, "://"):
		return "must be a package path, not a URL"
	case strings.Contains(f, "\\"):
		return "must use forward slashes"
	case pathutil.EscapesRoot(f):
		return "escapes the package root"
	}
	return ""
}

package injector

import (
	"context"

	"github.com/keithlinneman/csloader/internal/manifest"
)

// Kind selects the host insertion operation for a Resource.
type Kind string

const (
	KindStyle  Kind = "style"
	KindScript Kind = "script"
)

func (k Kind) String() string { return string(k) }

// Resource is one style sheet or script to insert.
type Resource struct {
	Kind Kind
	Path string
}

// Document is the host's handle on one open document.
type Document struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// DeclarationSource supplies the content_scripts declarations in manifest
// order. It must not block and must not have side effects.
type DeclarationSource interface {
	Declarations() []manifest.Declaration
}

// DocumentQuerier returns the open documents whose URL matches any of
// patterns, in a host-defined order that is stable within one call.
type DocumentQuerier interface {
	QueryDocuments(ctx context.Context, patterns []string) ([]Document, error)
}

// StyleInserter inserts one style sheet and returns once the host has
// applied it.
type StyleInserter interface {
	InsertStyle(ctx context.Context, documentID, path string, runAt manifest.RunAt) error
}

// ScriptInserter executes one script and returns once the host has run it.
type ScriptInserter interface {
	InsertScript(ctx context.Context, documentID, path string, runAt manifest.RunAt) error
}

// Host is everything the injector needs from the browser side.
type Host interface {
	DocumentQuerier
	StyleInserter
	ScriptInserter
}

// PrivilegedFunc reports whether a document URL must never be touched.
type PrivilegedFunc func(url string) bool

// Resources returns the insertion order for d: every css entry in declared
// order followed by every js entry in declared order. The result is a fresh
// slice and may be empty.
func Resources(d manifest.Declaration) []Resource {
	out := make([]Resource, 0, len(d.CSS)+len(d.JS))
	for _, p := range d.CSS {
		out = append(out, Resource{Kind: KindStyle, Path: p})
	}
	for _, p := range d.JS {
		out = append(out, Resource{Kind: KindScript, Path: p})
	}
	return out
}

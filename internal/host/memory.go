package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/keithlinneman/csloader/internal/injector"
	"github.com/keithlinneman/csloader/internal/log"
	"github.com/keithlinneman/csloader/internal/manifest"
	"github.com/keithlinneman/csloader/internal/matchpattern"
	"github.com/keithlinneman/csloader/internal/xerrors"
)

var _ injector.Host = (*Memory)(nil)

// ErrNoDocument is returned when an insertion targets an unknown document.
var ErrNoDocument = errors.New("no such document")

// Call is one insertion performed against a Memory host.
type Call struct {
	Kind       injector.Kind
	DocumentID string
	Path       string
	RunAt      manifest.RunAt
}

func (c Call) String() string {
	return fmt.Sprintf("%s %s -> %s (%s)", c.Kind, c.Path, c.DocumentID, c.RunAt)
}

// Memory is an in-process Host. Documents are kept in the order they were
// opened and queries return them in that order. Every successful insertion
// is recorded and logged.
type Memory struct {
	logger log.Logger

	mu       sync.Mutex
	docs     []injector.Document
	calls    []Call
	failures map[Call]error
}

func NewMemory(logger log.Logger, docs ...injector.Document) *Memory {
	if logger == nil {
		logger = log.Nop()
	}
	return &Memory{
		logger:   logger,
		docs:     slices.Clone(docs),
		failures: make(map[Call]error),
	}
}

// Open adds a document, or replaces the URL of an open one with the same id.
func (m *Memory) Open(doc injector.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.docs {
		if m.docs[i].ID == doc.ID {
			m.docs[i] = doc
			return
		}
	}
	m.docs = append(m.docs, doc)
}

// Close removes a document. Unknown ids are ignored.
func (m *Memory) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = slices.DeleteFunc(m.docs, func(d injector.Document) bool { return d.ID == id })
}

// FailOn makes the matching insertion return err instead of being recorded.
// RunAt is ignored when matching.
func (m *Memory) FailOn(kind injector.Kind, documentID, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[Call{Kind: kind, DocumentID: documentID, Path: path}] = err
}

// Calls returns the recorded insertions in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Reset forgets recorded insertions and injected failures.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	clear(m.failures)
}

func (m *Memory) QueryDocuments(ctx context.Context, patterns []string) ([]injector.Document, error) {
	set, err := matchpattern.ParseAll(patterns)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []injector.Document
	for _, d := range m.docs {
		if set.Match(d.URL) {
			out = append(out, d)
		}
	}
	m.logger.Debug(ctx, "memory host query", "patterns", patterns, "documents", len(out))
	return out, nil
}

func (m *Memory) InsertStyle(ctx context.Context, documentID, path string, runAt manifest.RunAt) error {
	return m.insert(ctx, Call{Kind: injector.KindStyle, DocumentID: documentID, Path: path, RunAt: runAt})
}

func (m *Memory) InsertScript(ctx context.Context, documentID, path string, runAt manifest.RunAt) error {
	return m.insert(ctx, Call{Kind: injector.KindScript, DocumentID: documentID, Path: path, RunAt: runAt})
}

func (m *Memory) insert(ctx context.Context, c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.ContainsFunc(m.docs, func(d injector.Document) bool { return d.ID == c.DocumentID }) {
		return xerrors.Wrapf(ErrNoDocument, "document %s", c.DocumentID)
	}
	key := c
	key.RunAt = ""
	if err := m.failures[key]; err != nil {
		return err
	}
	m.calls = append(m.calls, c)
	m.logger.Info(ctx, "memory host insert",
		"kind", c.Kind.String(),
		"document_id", c.DocumentID,
		"path", c.Path,
		"run_at", c.RunAt.String(),
	)
	return nil
}

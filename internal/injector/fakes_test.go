package injector

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/keithlinneman/csloader/internal/manifest"
)

// call is one host interaction as seen by fakeHost.
type call struct {
	Op    string // query, style, script
	Doc   string
	Path  string
	RunAt manifest.RunAt
}

// fakeHost answers queries from a fixed table keyed by the joined pattern
// list and records every call. It fails the test if two calls ever overlap.
type fakeHost struct {
	t *testing.T

	mu       sync.Mutex
	docs     map[string][]Document
	queryErr map[string]error
	calls    []call

	// failInsert, when set, decides the result of each insertion.
	failInsert func(c call) error
	// onInsert runs inside each insertion before it returns.
	onInsert func(c call)

	inflight atomic.Int32
}

func newFakeHost(t *testing.T) *fakeHost {
	return &fakeHost{t: t, docs: map[string][]Document{}, queryErr: map[string]error{}}
}

func key(patterns []string) string { return strings.Join(patterns, ",") }

func (h *fakeHost) add(patterns []string, docs ...Document) {
	h.docs[key(patterns)] = docs
}

func (h *fakeHost) enter() {
	if n := h.inflight.Add(1); n != 1 {
		h.t.Errorf("host calls overlapped: %d in flight", n)
	}
}

func (h *fakeHost) leave() { h.inflight.Add(-1) }

func (h *fakeHost) record(c call) {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	h.mu.Unlock()
}

func (h *fakeHost) QueryDocuments(_ context.Context, patterns []string) ([]Document, error) {
	h.enter()
	defer h.leave()
	k := key(patterns)
	h.record(call{Op: "query", Path: k})
	if err := h.queryErr[k]; err != nil {
		return nil, err
	}
	return append([]Document(nil), h.docs[k]...), nil
}

func (h *fakeHost) insert(c call) error {
	h.enter()
	defer h.leave()
	h.record(c)
	if h.onInsert != nil {
		h.onInsert(c)
	}
	if h.failInsert != nil {
		return h.failInsert(c)
	}
	return nil
}

func (h *fakeHost) InsertStyle(_ context.Context, documentID, path string, runAt manifest.RunAt) error {
	return h.insert(call{Op: "style", Doc: documentID, Path: path, RunAt: runAt})
}

func (h *fakeHost) InsertScript(_ context.Context, documentID, path string, runAt manifest.RunAt) error {
	return h.insert(call{Op: "script", Doc: documentID, Path: path, RunAt: runAt})
}

func (h *fakeHost) snapshot() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

// inserts returns the insertion calls only, rendered as "op:doc:path".
func (h *fakeHost) inserts() []string {
	var out []string
	for _, c := range h.snapshot() {
		if c.Op == "query" {
			continue
		}
		out = append(out, c.Op+":"+c.Doc+":"+c.Path)
	}
	return out
}

// staticSource is a DeclarationSource over a fixed slice.
type staticSource []manifest.Declaration

func (s staticSource) Declarations() []manifest.Declaration { return s }

func chromePrivileged(url string) bool {
	return strings.HasPrefix(strings.ToLower(url), "chrome:/")
}

// recordingMetrics captures Metrics calls.
type recordingMetrics struct {
	mu         sync.Mutex
	inProgress []bool
	runs       []string
	rejected   int
	insertions map[string]int
	documents  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{insertions: map[string]int{}, documents: map[string]int{}}
}

func (m *recordingMetrics) SetRunInProgress(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress = append(m.inProgress, running)
}

func (m *recordingMetrics) ObserveRun(result string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, result)
}

func (m *recordingMetrics) IncRunsRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

func (m *recordingMetrics) IncInsertion(kind, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertions[kind+"/"+result]++
}

func (m *recordingMetrics) IncDocument(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[outcome]++
}

func newTestInjector(t *testing.T, src DeclarationSource, h Host, opts ...func(*Options)) *Injector {
	t.Helper()
	o := Options{Source: src, Host: h, IsPrivileged: chromePrivileged}
	for _, fn := range opts {
		fn(&o)
	}
	inj, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inj
}

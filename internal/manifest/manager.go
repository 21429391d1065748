package manifest

import (
	"sync/atomic"
	"time"

	"github.com/keithlinneman/csloader/internal/xerrors"
)

// Manager holds the active manifest snapshot. Readers never block writers;
// a swap replaces the whole snapshot.
type Manager struct {
	active atomic.Pointer[Snapshot]
}

func NewManager() *Manager { return &Manager{} }

// Set makes s the active snapshot.
func (m *Manager) Set(s Snapshot) {
	cp := new(Snapshot)
	*cp = s
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	m.active.Store(cp)
}

// Get returns the active snapshot and whether one is loaded.
func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil && s.Manifest != nil
}

// Declarations returns a deep copy of the active content_scripts in manifest
// order, or nil when nothing is loaded.
func (m *Manager) Declarations() []Declaration {
	s, ok := m.Get()
	if !ok {
		return nil
	}
	out := make([]Declaration, len(s.Manifest.ContentScripts))
	for i, d := range s.Manifest.ContentScripts {
		out[i] = d.Clone()
	}
	return out
}

// ReadyErr is nil once a manifest has been loaded.
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return xerrors.New("manifest: no active snapshot")
	}
	return nil
}

// Hash returns the sha256 of the active manifest bytes.
func (m *Manager) Hash() string {
	if s := m.active.Load(); s != nil {
		return s.Meta.SHA256
	}
	return ""
}

// Version prefers the manifest's own version field over the snapshot meta.
func (m *Manager) Version() string {
	s := m.active.Load()
	if s == nil {
		return ""
	}
	if s.Manifest != nil && s.Manifest.Version != "" {
		return s.Manifest.Version
	}
	return s.Meta.Version
}

func (m *Manager) Source() Source {
	if s := m.active.Load(); s != nil {
		return s.Meta.Source
	}
	return SourceUnknown
}

func (m *Manager) LoadedAt() time.Time {
	if s := m.active.Load(); s != nil {
		return s.LoadedAt
	}
	return time.Time{}
}

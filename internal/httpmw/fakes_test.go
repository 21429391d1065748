package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/csloader/internal/log"
)

// spyLogger records Info and Error calls along with the fields bound by With.
type spyLogger struct {
	log.Logger
	mu     *sync.Mutex
	fields []any
	infos  *[]spyEntry
	errors *[]spyEntry
}

type spyEntry struct {
	msg    string
	err    error
	fields []any
	kv     []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{Logger: log.Nop(), mu: &sync.Mutex{}, infos: &[]spyEntry{}, errors: &[]spyEntry{}}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	cp := *s
	cp.fields = append(append([]any(nil), s.fields...), kv...)
	return &cp
}

func (s *spyLogger) Info(_ context.Context, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.infos = append(*s.infos, spyEntry{msg: msg, fields: s.fields, kv: kv})
}

func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.errors = append(*s.errors, spyEntry{msg: msg, err: err, fields: s.fields, kv: kv})
}

func (s *spyLogger) infoEntries() []spyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyEntry(nil), *s.infos...)
}

func (s *spyLogger) errorEntries() []spyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyEntry(nil), *s.errors...)
}

// field finds key in a flat key/value list.
func field(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

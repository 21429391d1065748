// Package xerrors adds call-site information to errors so the logger can
// render where a failure was created or wrapped.
//
// New/Newf capture a full stack. Wrap/Wrapf capture only the single frame of
// the caller, which is enough to build error_links without paying for a
// stack walk on every wrap.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }
func (w *withStack) IsXerrorsWrapper()   {}

type wrap struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrap) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrap) Unwrap() error     { return w.err }
func (w *wrap) PC() uintptr       { return w.pc }
func (w *wrap) IsXerrorsWrapper() {}

// skip counts from the caller of captureStack/callerPC
func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}

func stacked(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &withStack{err: err, pcs: captureStack(skip)}
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return stacked(errors.New(msg), 2) }

// Newf is New with formatting. %w verbs are honoured.
func Newf(format string, args ...any) error { return stacked(fmt.Errorf(format, args...), 2) }

// WithStack attaches the caller's stack to err. nil stays nil.
func WithStack(err error) error { return stacked(err, 2) }

// EnsureTrace attaches a stack only if nothing in err's chain carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return stacked(err, 2)
}

// Wrap prefixes err with msg and records the caller's frame. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: msg, pc: callerPC(1)}
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrap{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}

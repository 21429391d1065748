package health

import (
	"context"

	"github.com/keithlinneman/csloader/internal/injector"
	"github.com/keithlinneman/csloader/internal/xerrors"
)

// ReadyReporter is satisfied by *manifest.Manager.
type ReadyReporter interface {
	ReadyErr() error
}

// RunReporter is satisfied by *injector.Injector.
type RunReporter interface {
	Last() (injector.RunInfo, bool)
}

// Manifest fails until a manifest is active.
func Manifest(r ReadyReporter) CheckFunc {
	return func(context.Context) error {
		return r.ReadyErr()
	}
}

// LastRun fails until an injection run has finished, and while the most
// recent run failed.
func LastRun(r RunReporter) CheckFunc {
	return func(context.Context) error {
		info, ok := r.Last()
		if !ok {
			return xerrors.New("injector: no run has finished")
		}
		if info.Err != "" {
			return xerrors.Newf("injector: run %s failed: %s", info.ID, info.Err)
		}
		return nil
	}
}

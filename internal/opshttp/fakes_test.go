package opshttp

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/csloader/internal/injector"
	"github.com/keithlinneman/csloader/internal/manifest"
)

type fakeRunner struct {
	mu    sync.Mutex
	info  injector.RunInfo
	err   error
	last  *injector.RunInfo
	calls int
	ctxs  []context.Context
	// delay stalls TryInsert to mimic a slow run
	delay time.Duration
}

func (f *fakeRunner) TryInsert(ctx context.Context) (injector.RunInfo, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxs = append(f.ctxs, ctx)
	if f.err != injector.ErrRunInProgress {
		info := f.info
		f.last = &info
	}
	return f.info, f.err
}

func (f *fakeRunner) Last() (injector.RunInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return injector.RunInfo{}, false
	}
	return *f.last, true
}

type fakeManifest struct {
	snap *manifest.Snapshot
}

func (f fakeManifest) Get() (*manifest.Snapshot, bool) { return f.snap, f.snap != nil }

// Watcher polls the SSM pointer for manifest changes and swaps the active
// manifest in the Manager when a new one is published. OnSwap is where the
// caller re-runs injection so open documents pick up the new declarations.

package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keithlinneman/csloader/internal/cryptoutil"
	"github.com/keithlinneman/csloader/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a new hash.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 5 * time.Minute
)

type pollResult int

const (
	pollNoChange  pollResult = iota // SSM hash matches current
	pollSwapped                     // new manifest loaded and swapped
	pollSSMError                    // SSM fetch failed, back off
	pollLoadError                   // SSM fine, download/verify/parse failed
	pollInvalid                     // manifest downloaded but failed Validate
)

// Fetcher is what the Watcher needs from a Loader.
type Fetcher interface {
	FetchCurrentHash(ctx context.Context) (string, error)
	LoadHash(ctx context.Context, hash string) (*Snapshot, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncManifestPolls()
	IncManifestSwaps()
	IncManifestError(errType string)
	ObserveManifestLoadDuration(seconds float64)
	SetManifestLastSuccess(unixSeconds float64)
	SetManifestStale(stale bool)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       Fetcher
	Manager      *Manager
	PollInterval time.Duration

	// OnSwap runs synchronously on the poll goroutine after a swap. A panic
	// inside it is logged and swallowed.
	OnSwap func(ctx context.Context, hash, version string)

	Metrics WatcherMetrics

	// StaleThreshold is how long without a successful SSM poll before the
	// watcher reports itself stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

type Watcher struct {
	loader   Fetcher
	manager  *Manager
	logger   log.Logger
	interval time.Duration
	onSwap   func(ctx context.Context, hash, version string)
	metrics  WatcherMetrics

	currentHash     string
	consecutiveErrs int

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	swapCount int64
}

// NewWatcher creates a manifest watcher. Call Run to start polling.
func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	// seed from the manager so the first poll does not reload the startup manifest
	current := ""
	if opts.Manager != nil {
		current = opts.Manager.Hash()
	}
	return &Watcher{
		loader:         opts.Loader,
		manager:        opts.Manager,
		logger:         opts.Logger,
		interval:       interval,
		onSwap:         opts.OnSwap,
		metrics:        opts.Metrics,
		currentHash:    current,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Run polls until ctx is cancelled. Intended to be launched as go w.Run(ctx).
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "manifest watcher starting",
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "manifest watcher stopping", "total_swaps", w.swapCount)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollSSMError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "manifest watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "manifest watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
			w.trackStaleness(ctx, result)
		}
	}
}

func (w *Watcher) trackStaleness(ctx context.Context, result pollResult) {
	if result != pollSSMError {
		if w.staleLogged {
			w.logger.Info(ctx, "manifest watcher: staleness recovered")
			w.staleLogged = false
			if w.metrics != nil {
				w.metrics.SetManifestStale(false)
			}
		}
		return
	}
	since := time.Since(w.lastSuccessAt)
	if since <= w.staleThreshold || w.staleLogged {
		return
	}
	w.logger.Error(ctx, fmt.Errorf("last successful SSM poll was %s ago", since.Truncate(time.Second)),
		"manifest watcher: manifest is stale, unable to verify freshness",
	)
	w.staleLogged = true
	if w.metrics != nil {
		w.metrics.SetManifestStale(true)
	}
}

// checkOnce performs a single poll-compare-swap cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	if w.metrics != nil {
		w.metrics.IncManifestPolls()
	}

	hash, err := w.loader.FetchCurrentHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "manifest watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncManifestError("ssm")
		}
		return pollSSMError
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetManifestLastSuccess(float64(now.Unix()))
	}

	if cryptoutil.HashEqual(hash, w.currentHash) {
		return pollNoChange
	}

	w.logger.Info(ctx, "manifest watcher: new manifest hash detected",
		"old_hash", truncHash(w.currentHash),
		"new_hash", truncHash(hash),
	)

	start := time.Now()
	snap, err := w.loader.LoadHash(ctx, hash)
	if w.metrics != nil {
		w.metrics.ObserveManifestLoadDuration(time.Since(start).Seconds())
	}
	if err != nil {
		result, errType := pollLoadError, "load"
		var verr *ValidationError
		if errors.As(err, &verr) {
			result, errType = pollInvalid, "validation"
		}
		// keep the current manifest; the next poll retries the same hash
		w.logger.Error(ctx, err, "manifest watcher: failed to load manifest, keeping current",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
			"error_type", errType,
		)
		if w.metrics != nil {
			w.metrics.IncManifestError(errType)
		}
		return result
	}

	oldHash := w.currentHash
	w.manager.Set(*snap)
	w.currentHash = hash
	w.swapCount++
	version := w.manager.Version()

	w.logger.Info(ctx, "manifest watcher: manifest swapped",
		"old_hash", truncHash(oldHash),
		"new_hash", truncHash(hash),
		"version", version,
		"declarations", len(snap.Manifest.ContentScripts),
		"total_swaps", w.swapCount,
	)
	if w.metrics != nil {
		w.metrics.IncManifestSwaps()
	}

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"manifest watcher: OnSwap callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onSwap(ctx, hash, version)
		}()
	}
	return pollSwapped
}

// backoffDuration doubles the interval per consecutive error, capped at
// maxBackoff. Doubling stops at the cap so large error counts cannot overflow.
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	for i := 0; i < w.consecutiveErrs && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

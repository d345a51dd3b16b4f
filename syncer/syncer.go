// Package syncer drives periodic reconciliation against a remote flag
// source. It knows nothing about transport: the host supplies a
// [RemoteSource] that fetches a batch of flags plus the remote's
// VersionVector, and [Syncer] takes care of throttling, scheduling, and
// feeding the result into a store's merge contract.
package syncer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/kieran-voss/fluxflag/core"
	"github.com/kieran-voss/fluxflag/store"
)

// RemoteSource fetches the current remote flag set plus the remote's
// top-level VersionVector. Implementations are supplied by the host (HTTP
// polling, SSE tailing, whatever transport it runs) — syncer has no
// opinion on how Fetch is implemented, only on how often it may be called.
type RemoteSource interface {
	Fetch(ctx context.Context) ([]store.FlagWithMeta, core.VersionVector, error)
}

// Merger is the subset of the client façade a Syncer needs: something
// that can take a remote batch and fold it into local storage via the
// merge contract. [github.com/kieran-voss/fluxflag.Client] implements
// this.
type Merger interface {
	MergeRemote(ctx context.Context, entries []store.FlagWithMeta) (int, error)
}

const (
	// DefaultBurst caps how many Fetch/merge cycles may run back-to-back
	// before the limiter starts delaying callers, mirroring the teacher's
	// per-IP auth-attempt bucket depth.
	DefaultBurst = 1
)

// Syncer runs a cancellable background loop that periodically fetches a
// remote flag batch and merges it into local storage, throttled by a
// token-bucket rate limiter so a fast-polling or misbehaving host
// collaborator cannot starve the store's mutex with back-to-back merges.
type Syncer struct {
	merger  Merger
	source  RemoteSource
	limiter *rate.Limiter
	errs    chan error
}

// Option configures a Syncer at construction time.
type Option func(*Syncer)

// WithLimiter overrides the default rate limiter. Pass a limiter built
// with [rate.NewLimiter] for custom throttling; the default permits one
// sync attempt per second plus [DefaultBurst] burst capacity.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(s *Syncer) { s.limiter = limiter }
}

// WithErrorBuffer sets the buffer size of the channel returned by
// [Syncer.Errors]. The default is 16; once full, further errors are
// dropped rather than blocking the sync loop, so a host that is slow to
// drain Errors never stalls reconciliation.
func WithErrorBuffer(size int) Option {
	return func(s *Syncer) { s.errs = make(chan error, size) }
}

// New creates a Syncer that merges batches fetched from source into
// merger. The rate limiter defaults to one fetch/merge cycle per second
// with [DefaultBurst] burst; override with [WithLimiter] to match the
// interval passed to [Syncer.Run].
func New(merger Merger, source RemoteSource, opts ...Option) *Syncer {
	s := &Syncer{
		merger:  merger,
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(1), DefaultBurst),
		errs:    make(chan error, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Errors returns the channel onto which sync failures are pushed. Per the
// concurrency model, a failed fetch or merge never aborts the loop — it is
// reported here so the host can log or alert, and the next tick proceeds
// normally.
func (s *Syncer) Errors() <-chan error {
	return s.errs
}

// Run starts the periodic sync loop, fetching and merging once per
// interval until ctx is cancelled. Cancelling ctx stops the loop without
// touching store state: a sync already in flight when ctx is cancelled is
// allowed to finish, but no further cycle starts. Run blocks until ctx is
// done, so callers typically invoke it in its own goroutine.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// SyncOnce runs a single fetch/merge cycle immediately, respecting the
// rate limiter. It is exported so a host can trigger an eager resync (for
// example in response to an invalidation notice) without waiting for the
// next Run tick.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("syncer: rate limit wait: %w", err)
	}
	return s.syncOnceLocked(ctx)
}

func (s *Syncer) tick(ctx context.Context) {
	if !s.limiter.Allow() {
		return
	}
	if _, err := s.syncOnceLocked(ctx); err != nil {
		s.pushError(err)
	}
}

func (s *Syncer) syncOnceLocked(ctx context.Context) (int, error) {
	entries, _, err := s.source.Fetch(ctx)
	if err != nil {
		err = fmt.Errorf("syncer: fetch: %w", err)
		s.pushError(err)
		return 0, err
	}

	accepted, err := s.merger.MergeRemote(ctx, entries)
	if err != nil {
		err = fmt.Errorf("syncer: merge: %w", err)
		s.pushError(err)
		return 0, err
	}

	return accepted, nil
}

// pushError delivers err to the Errors channel outside of any lock,
// dropping it if the channel is full rather than blocking the sync loop.
func (s *Syncer) pushError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// ABOUTME: The three caching strategies: cache-first, network-first, stale-while-revalidate.
// ABOUTME: Each resolves one GET request against a partition and the network fetcher.

package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stillwater/harbor/internal/store"
)

// Source records where a response came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Fetcher issues a request against the origin and returns the response as a
// snapshot. A non-nil error means the network was unreachable; an HTTP error
// status is a valid snapshot, not an error.
type Fetcher interface {
	Fetch(ctx context.Context, method, url string, header http.Header, body []byte) (*store.Snapshot, error)
}

// Result is a resolved response plus its provenance.
type Result struct {
	Snapshot *store.Snapshot
	Source   Source
}

// Runner executes a classified strategy against the partition store and the
// network. Storage failures are logged and skipped; the resolved response is
// still returned to the caller.
type Runner struct {
	store    store.PartitionStore
	fetcher  Fetcher
	logger   *slog.Logger
	inflight *coalescer
}

// NewRunner creates a strategy runner over the given partition store and fetcher.
func NewRunner(ps store.PartitionStore, fetcher Fetcher, logger *slog.Logger) *Runner {
	return &Runner{
		store:    ps,
		fetcher:  fetcher,
		logger:   logger,
		inflight: newCoalescer(),
	}
}

// Run resolves one GET request using the classified strategy.
func (r *Runner) Run(ctx context.Context, cl Classification, method, rawURL string, header http.Header) (*Result, error) {
	fp := Fingerprint(method, rawURL)

	switch cl.Kind {
	case KindCacheFirst:
		return r.cacheFirst(ctx, cl.Partition, fp, method, rawURL, header)
	case KindNetworkFirst:
		return r.networkFirst(ctx, cl.Partition, fp, method, rawURL, header)
	case KindStaleWhileRevalidate:
		return r.staleWhileRevalidate(ctx, cl.Partition, fp, method, rawURL, header)
	default:
		return nil, fmt.Errorf("unknown strategy kind %d", cl.Kind)
	}
}

// cacheFirst returns the stored snapshot when present; otherwise it fetches,
// stores the response and returns it. At most one network round trip per
// uncached fingerprint per call.
func (r *Runner) cacheFirst(ctx context.Context, partition, fp, method, rawURL string, header http.Header) (*Result, error) {
	if snap, err := r.store.GetSnapshot(ctx, partition, fp); err == nil {
		return &Result{Snapshot: snap, Source: SourceCache}, nil
	} else if err != store.ErrNotFound {
		r.logger.Warn("cache lookup failed, falling through to network",
			"partition", partition, "fingerprint", fp, "error", err)
	}

	snap, err := r.fetcher.Fetch(ctx, method, rawURL, header, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}

	r.storeSnapshot(ctx, partition, fp, snap)
	return &Result{Snapshot: snap, Source: SourceNetwork}, nil
}

// networkFirst prefers a fresh response, overwriting the partition on
// success. On network failure it falls back to the stored snapshot; when
// neither is available the failure propagates to the caller.
func (r *Runner) networkFirst(ctx context.Context, partition, fp, method, rawURL string, header http.Header) (*Result, error) {
	snap, fetchErr := r.fetcher.Fetch(ctx, method, rawURL, header, nil)
	if fetchErr == nil {
		r.storeSnapshot(ctx, partition, fp, snap)
		return &Result{Snapshot: snap, Source: SourceNetwork}, nil
	}

	cached, err := r.store.GetSnapshot(ctx, partition, fp)
	if err == nil {
		r.logger.Debug("network unavailable, serving cached snapshot",
			"fingerprint", fp, "captured_at", cached.CapturedAt)
		return &Result{Snapshot: cached, Source: SourceCache}, nil
	}
	if err != store.ErrNotFound {
		r.logger.Warn("cache fallback lookup failed", "fingerprint", fp, "error", err)
	}

	return nil, fmt.Errorf("fetching %s: %w", rawURL, fetchErr)
}

// staleWhileRevalidate returns the stored snapshot immediately when present
// and refreshes the partition in the background. Without a snapshot it waits
// on the network like cache-first.
func (r *Runner) staleWhileRevalidate(ctx context.Context, partition, fp, method, rawURL string, header http.Header) (*Result, error) {
	cached, err := r.store.GetSnapshot(ctx, partition, fp)
	if err == nil {
		r.revalidate(ctx, partition, fp, method, rawURL, header)
		return &Result{Snapshot: cached, Source: SourceCache}, nil
	}
	if err != store.ErrNotFound {
		r.logger.Warn("cache lookup failed, falling through to network",
			"partition", partition, "fingerprint", fp, "error", err)
	}

	snap, fetchErr := r.fetcher.Fetch(ctx, method, rawURL, header, nil)
	if fetchErr != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, fetchErr)
	}

	r.storeSnapshot(ctx, partition, fp, snap)
	return &Result{Snapshot: snap, Source: SourceNetwork}, nil
}

// revalidate refreshes a fingerprint from the network without blocking the
// caller. Concurrent refreshes for the same fingerprint are coalesced.
func (r *Runner) revalidate(ctx context.Context, partition, fp, method, rawURL string, header http.Header) {
	if !r.inflight.begin(fp) {
		return
	}

	// Outlives the originating request
	bgCtx := context.WithoutCancel(ctx)

	go func() {
		defer r.inflight.end(fp)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("revalidation panicked", "fingerprint", fp, "panic", rec)
			}
		}()

		snap, err := r.fetcher.Fetch(bgCtx, method, rawURL, header, nil)
		if err != nil {
			r.logger.Debug("background revalidation failed", "fingerprint", fp, "error", err)
			return
		}
		r.storeSnapshot(bgCtx, partition, fp, snap)
	}()
}

// storeSnapshot writes a successful response into the partition. Error
// statuses are not cached. Storage failures are logged, never propagated:
// the in-flight response is still delivered.
func (r *Runner) storeSnapshot(ctx context.Context, partition, fp string, snap *store.Snapshot) {
	if snap.Status < 200 || snap.Status > 299 {
		return
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	if err := r.store.PutSnapshot(ctx, partition, fp, snap); err != nil {
		r.logger.Warn("caching skipped, storage write failed",
			"partition", partition, "fingerprint", fp, "error", err)
	}
}

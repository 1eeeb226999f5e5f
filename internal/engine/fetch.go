// ABOUTME: HTTP fetcher against the origin with connectivity tracking.
// ABOUTME: An offline-to-online transition fires the connectivity-restored hook.

package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/stillwater/harbor/internal/store"
)

// OriginFetcher issues requests to the origin and tracks reachability.
// It satisfies strategy.Fetcher: a transport failure is an error, an HTTP
// error status is a valid snapshot.
type OriginFetcher struct {
	client    *http.Client
	logger    *slog.Logger
	online    atomic.Bool
	onRestore atomic.Pointer[func()]
}

// NewOriginFetcher creates a fetcher with the given per-request timeout.
// The origin is assumed reachable until a fetch says otherwise.
func NewOriginFetcher(timeout time.Duration, logger *slog.Logger) *OriginFetcher {
	f := &OriginFetcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
	f.online.Store(true)
	return f
}

// SetRestoreHook installs the callback fired when the origin becomes
// reachable after a period offline. The hook runs on its own goroutine.
func (f *OriginFetcher) SetRestoreHook(fn func()) {
	f.onRestore.Store(&fn)
}

// Online reports the last observed reachability of the origin.
func (f *OriginFetcher) Online() bool {
	return f.online.Load()
}

// Fetch performs one HTTP request and returns the response as a snapshot.
func (f *OriginFetcher) Fetch(ctx context.Context, method, url string, header http.Header, body []byte) (*store.Snapshot, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.markOffline(err)
		return nil, fmt.Errorf("origin unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		f.markOffline(err)
		return nil, fmt.Errorf("reading origin response: %w", err)
	}

	f.markOnline()
	return &store.Snapshot{
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
		CapturedAt: time.Now().UTC(),
	}, nil
}

func (f *OriginFetcher) markOffline(err error) {
	if f.online.CompareAndSwap(true, false) {
		f.logger.Warn("origin went offline", "error", err)
	}
}

func (f *OriginFetcher) markOnline() {
	if f.online.CompareAndSwap(false, true) {
		f.logger.Info("origin reachable again")
		if fn := f.onRestore.Load(); fn != nil {
			go (*fn)()
		}
	}
}

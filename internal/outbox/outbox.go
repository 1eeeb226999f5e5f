// ABOUTME: Outbox replay: re-issues queued write requests in enqueue order.
// ABOUTME: Classifies each attempt as delivered, retryable or permanently rejected.

package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/stillwater/harbor/internal/store"
	"github.com/stillwater/harbor/internal/strategy"
)

// Outcome classifies one replay attempt.
type Outcome int

const (
	// OutcomeDelivered means the origin accepted the request; the entry is removed.
	OutcomeDelivered Outcome = iota
	// OutcomeRetryable means the attempt failed transiently; the entry stays queued.
	OutcomeRetryable
	// OutcomePermanent means the origin rejected the request outright; the
	// entry is poisoned and excluded from future replays.
	OutcomePermanent
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps a replay response (or transport error) to an outcome.
// Network failure, 5xx, 408 and 429 are retryable; any other non-2xx status
// is a permanent rejection.
func Classify(snap *store.Snapshot, err error) Outcome {
	if err != nil {
		return OutcomeRetryable
	}
	switch {
	case snap.Status >= 200 && snap.Status <= 299:
		return OutcomeDelivered
	case snap.Status == http.StatusRequestTimeout,
		snap.Status == http.StatusTooManyRequests,
		snap.Status >= 500:
		return OutcomeRetryable
	default:
		return OutcomePermanent
	}
}

// NewEntry builds an outbox entry from the parts of a failed write request.
func NewEntry(method, url string, header http.Header, body []byte) *store.OutboxEntry {
	return &store.OutboxEntry{
		Method:     method,
		URL:        url,
		Header:     header.Clone(),
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Summary reports what one replay pass did.
type Summary struct {
	Delivered int
	Retried   int
	Poisoned  int
}

// Replayer drains the outbox against the network. Replay is paced by an
// optional rate limiter so a deep queue does not hammer a freshly recovered
// origin.
type Replayer struct {
	store   store.OutboxStore
	fetcher strategy.Fetcher
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewReplayer creates a Replayer. limiter may be nil for unpaced replay.
func NewReplayer(s store.OutboxStore, fetcher strategy.Fetcher, limiter *rate.Limiter, logger *slog.Logger) *Replayer {
	return &Replayer{store: s, fetcher: fetcher, limiter: limiter, logger: logger}
}

// ReplayAll processes pending entries in strict enqueue order. A delivered
// entry is removed; a permanent rejection poisons the entry and replay moves
// on; the first retryable failure stops the pass, leaving that entry and
// everything behind it queued for the next attempt.
func (r *Replayer) ReplayAll(ctx context.Context) (Summary, error) {
	var summary Summary

	entries, err := r.store.ListPending(ctx)
	if err != nil {
		return summary, fmt.Errorf("listing pending entries: %w", err)
	}

	for _, entry := range entries {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return summary, fmt.Errorf("replay interrupted: %w", err)
			}
		}

		snap, fetchErr := r.fetcher.Fetch(ctx, entry.Method, entry.URL, entry.Header, entry.Body)
		outcome := Classify(snap, fetchErr)

		switch outcome {
		case OutcomeDelivered:
			if err := r.store.RemoveEntry(ctx, entry.ID); err != nil {
				r.logger.Warn("removing delivered entry failed", "id", entry.ID, "error", err)
			}
			summary.Delivered++
			r.logger.Info("outbox entry delivered",
				"id", entry.ID, "method", entry.Method, "url", entry.URL,
				"attempts", entry.Attempts+1)

		case OutcomePermanent:
			reason := fmt.Sprintf("replay returned %d", snap.Status)
			if err := r.store.MarkPoisoned(ctx, entry.ID, reason); err != nil {
				r.logger.Warn("poisoning entry failed", "id", entry.ID, "error", err)
			}
			summary.Poisoned++
			r.logger.Warn("outbox entry permanently rejected",
				"id", entry.ID, "method", entry.Method, "url", entry.URL, "reason", reason)

		case OutcomeRetryable:
			if err := r.store.RecordAttempt(ctx, entry.ID); err != nil {
				r.logger.Warn("recording attempt failed", "id", entry.ID, "error", err)
			}
			summary.Retried++
			if fetchErr != nil {
				r.logger.Info("replay halted, network unavailable",
					"id", entry.ID, "attempts", entry.Attempts+1, "error", fetchErr)
			} else {
				r.logger.Info("replay halted, origin rejected transiently",
					"id", entry.ID, "status", snap.Status, "attempts", entry.Attempts+1)
			}
			// Entries behind this one stay queued in order
			return summary, nil
		}
	}

	return summary, nil
}

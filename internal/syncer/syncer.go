// ABOUTME: Sync coordinator: replays the outbox, submits batch channels and
// ABOUTME: runs the periodic insight checks on a cron schedule or on demand.

package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stillwater/harbor/internal/metrics"
	"github.com/stillwater/harbor/internal/notify"
	"github.com/stillwater/harbor/internal/outbox"
	"github.com/stillwater/harbor/internal/store"
	"github.com/stillwater/harbor/internal/strategy"
)

// Sync tags distinguish the work a sync trigger requests.
const (
	TagOutboxReplay  = "outbox-replay"
	TagMoodBatch     = "sync-mood-batch"
	TagProgressBatch = "sync-progress-batch"
	TagSupportCheck  = "periodic-support-check"
	TagReminderCheck = "periodic-reminder-check"
)

// Config holds the coordinator's schedules and batch endpoints.
type Config struct {
	// ReplaySchedule and InsightSchedule are cron specs (robfig/cron v3,
	// @every shorthand supported).
	ReplaySchedule  string
	InsightSchedule string

	MoodBatchURL     string
	ProgressBatchURL string
}

// Coordinator owns all background synchronization: ordered outbox replay,
// the two batch channels, and the periodic notification checks. One sync
// pass runs at a time; overlapping triggers queue on the mutex.
type Coordinator struct {
	cfg       Config
	store     store.Store
	fetcher   strategy.Fetcher
	replayer  *outbox.Replayer
	evaluator *notify.Evaluator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	cron *cron.Cron
	mu   sync.Mutex
}

// New creates a Coordinator.
func New(cfg Config, s store.Store, fetcher strategy.Fetcher, replayer *outbox.Replayer, evaluator *notify.Evaluator, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		store:     s,
		fetcher:   fetcher,
		replayer:  replayer,
		evaluator: evaluator,
		metrics:   m,
		logger:    logger,
		cron:      cron.New(),
	}
}

// Start registers the cron schedules and begins ticking.
func (c *Coordinator) Start() error {
	if c.cfg.ReplaySchedule != "" {
		if _, err := c.cron.AddFunc(c.cfg.ReplaySchedule, func() {
			ctx := context.Background()
			c.SyncAll(ctx)
		}); err != nil {
			return fmt.Errorf("registering replay schedule: %w", err)
		}
	}
	if c.cfg.InsightSchedule != "" {
		if _, err := c.cron.AddFunc(c.cfg.InsightSchedule, func() {
			ctx := context.Background()
			c.runInsightChecks(ctx)
		}); err != nil {
			return fmt.Errorf("registering insight schedule: %w", err)
		}
	}
	c.cron.Start()
	c.logger.Info("sync coordinator started",
		"replay_schedule", c.cfg.ReplaySchedule,
		"insight_schedule", c.cfg.InsightSchedule)
	return nil
}

// Stop halts the scheduler and waits for a running tick to finish.
func (c *Coordinator) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Sync runs the work identified by a sync tag. Unknown tags are logged and
// ignored, matching the control channel contract.
func (c *Coordinator) Sync(ctx context.Context, tag string) {
	switch tag {
	case TagOutboxReplay, "":
		c.replayOutbox(ctx)
	case TagMoodBatch:
		c.syncMoodBatch(ctx)
	case TagProgressBatch:
		c.syncProgressBatch(ctx)
	case TagSupportCheck:
		c.supportCheck(ctx)
	case TagReminderCheck:
		c.reminderCheck(ctx)
	default:
		c.logger.Info("ignoring unknown sync tag", "tag", tag)
	}
}

// SyncAll runs the replay and both batch channels, the same work a
// connectivity-restored signal triggers.
func (c *Coordinator) SyncAll(ctx context.Context) {
	c.replayOutbox(ctx)
	c.syncMoodBatch(ctx)
	c.syncProgressBatch(ctx)
}

// OnConnectivityRestored is invoked when the origin becomes reachable again.
func (c *Coordinator) OnConnectivityRestored(ctx context.Context) {
	c.logger.Info("connectivity restored, draining queued work")
	c.SyncAll(ctx)
}

func (c *Coordinator) replayOutbox(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary, err := c.replayer.ReplayAll(ctx)
	if err != nil {
		c.logger.Warn("outbox replay failed", "error", err)
	}

	if c.metrics != nil {
		c.metrics.ReplayOutcomes.WithLabelValues("delivered").Add(float64(summary.Delivered))
		c.metrics.ReplayOutcomes.WithLabelValues("retryable").Add(float64(summary.Retried))
		c.metrics.ReplayOutcomes.WithLabelValues("permanent").Add(float64(summary.Poisoned))
		if depth, err := c.store.OutboxDepth(ctx); err == nil {
			c.metrics.OutboxDepth.Set(float64(depth))
		}
	}
}

// batchRequest is the submission shape API batch endpoints accept.
type batchRequest struct {
	Records []any `json:"records"`
}

// submitBatch posts a batch payload and reports whether the origin accepted it.
func (c *Coordinator) submitBatch(ctx context.Context, channel, url string, records []any) (bool, error) {
	body, err := json.Marshal(batchRequest{Records: records})
	if err != nil {
		return false, fmt.Errorf("encoding %s batch: %w", channel, err)
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	snap, err := c.fetcher.Fetch(ctx, http.MethodPost, url, header, body)
	if err != nil {
		return false, fmt.Errorf("submitting %s batch: %w", channel, err)
	}
	if snap.Status < 200 || snap.Status > 299 {
		return false, fmt.Errorf("%s batch rejected with status %d", channel, snap.Status)
	}
	return true, nil
}

func (c *Coordinator) batchResult(channel string, err error) {
	if c.metrics == nil {
		return
	}
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	c.metrics.BatchSyncs.WithLabelValues(channel, result).Inc()
}

// syncMoodBatch submits all unsynced mood records in one request. The local
// records are marked synced only after a successful batch response.
func (c *Coordinator) syncMoodBatch(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.store.ListUnsyncedMood(ctx)
	if err != nil {
		c.logger.Warn("listing mood records failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	payload := make([]any, 0, len(records))
	dates := make([]string, 0, len(records))
	for _, rec := range records {
		payload = append(payload, map[string]any{
			"date":  rec.Date,
			"value": rec.Value,
			"note":  rec.Note,
		})
		dates = append(dates, rec.Date)
	}

	_, err = c.submitBatch(ctx, "mood", c.cfg.MoodBatchURL, payload)
	c.batchResult("mood", err)
	if err != nil {
		c.logger.Info("mood batch not delivered", "records", len(records), "error", err)
		return
	}

	if err := c.store.MarkMoodSynced(ctx, dates); err != nil {
		c.logger.Warn("marking mood records synced failed", "error", err)
		return
	}
	c.logger.Info("mood batch delivered", "records", len(records))
}

// syncProgressBatch submits all unsynced session progress in one request.
func (c *Coordinator) syncProgressBatch(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.store.ListUnsyncedProgress(ctx)
	if err != nil {
		c.logger.Warn("listing progress records failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	payload := make([]any, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		payload = append(payload, map[string]any{
			"session_id":      rec.SessionID,
			"completed_steps": rec.CompletedSteps,
			"total_steps":     rec.TotalSteps,
		})
		ids = append(ids, rec.SessionID)
	}

	_, err = c.submitBatch(ctx, "progress", c.cfg.ProgressBatchURL, payload)
	c.batchResult("progress", err)
	if err != nil {
		c.logger.Info("progress batch not delivered", "records", len(records), "error", err)
		return
	}

	if err := c.store.MarkProgressSynced(ctx, ids); err != nil {
		c.logger.Warn("marking progress records synced failed", "error", err)
		return
	}
	c.logger.Info("progress batch delivered", "records", len(records))
}

// runInsightChecks evaluates both notification triggers. Neither depends on
// network reachability.
func (c *Coordinator) runInsightChecks(ctx context.Context) {
	c.supportCheck(ctx)
	c.reminderCheck(ctx)
}

func (c *Coordinator) supportCheck(ctx context.Context) {
	fired, err := c.evaluator.EvaluateSupport(ctx, time.Now())
	if err != nil {
		c.logger.Warn("support check failed", "error", err)
		return
	}
	if fired && c.metrics != nil {
		c.metrics.NotificationsFired.WithLabelValues("support").Inc()
	}
}

func (c *Coordinator) reminderCheck(ctx context.Context) {
	fired, err := c.evaluator.EvaluateReminder(ctx, time.Now())
	if err != nil {
		c.logger.Warn("reminder check failed", "error", err)
		return
	}
	if fired && c.metrics != nil {
		c.metrics.NotificationsFired.WithLabelValues("reminder").Inc()
	}
}

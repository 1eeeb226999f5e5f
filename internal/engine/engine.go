// ABOUTME: Wires classifier, strategies, fallback, outbox and control into the
// ABOUTME: intercept surface the application points its HTTP traffic at.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/stillwater/harbor/internal/config"
	"github.com/stillwater/harbor/internal/control"
	"github.com/stillwater/harbor/internal/fallback"
	"github.com/stillwater/harbor/internal/lifecycle"
	"github.com/stillwater/harbor/internal/metrics"
	"github.com/stillwater/harbor/internal/notify"
	"github.com/stillwater/harbor/internal/outbox"
	"github.com/stillwater/harbor/internal/store"
	"github.com/stillwater/harbor/internal/strategy"
	"github.com/stillwater/harbor/internal/syncer"
)

// Engine is the offline-resilience core: it intercepts application traffic,
// resolves reads through the caching strategies, queues failed writes and
// exposes the control channel.
type Engine struct {
	cfg         *config.Config
	store       store.Store
	fetcher     *OriginFetcher
	classifier  *strategy.Classifier
	runner      *strategy.Runner
	fallback    *fallback.Generator
	dispatcher  *control.Dispatcher
	coordinator *syncer.Coordinator
	lifecycle   *lifecycle.Manager
	metrics     *metrics.Metrics
	partitions  strategy.Partitions
	logger      *slog.Logger
}

// New builds a fully wired engine. m may be nil to disable metrics;
// notifier receives whatever the periodic triggers emit.
func New(cfg *config.Config, s store.Store, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Engine {
	partitions := strategy.Partitions{
		Static:  "static-" + cfg.Cache.BuildID,
		Dynamic: "dynamic-" + cfg.Cache.BuildID,
		Audio:   "audio-" + cfg.Cache.BuildID,
	}

	fetcher := NewOriginFetcher(cfg.Origin.RequestTimeout, logger.With("component", "fetcher"))
	classifier := strategy.NewClassifier(cfg.Cache.StaticAssets, cfg.Cache.AudioPrefix, cfg.Cache.APIPrefix, partitions)
	runner := strategy.NewRunner(s, fetcher, logger.With("component", "strategy"))

	shellURL := strategy.OriginURL(cfg.Origin.BaseURL, cfg.Cache.ShellPath)
	shellFP := strategy.Fingerprint("GET", shellURL)
	gen := fallback.New(func(ctx context.Context) (*store.Snapshot, error) {
		return s.GetSnapshot(ctx, partitions.Static, shellFP)
	}, logger.With("component", "fallback"))

	limiter := rate.NewLimiter(rate.Limit(cfg.Sync.ReplayRate), 1)
	replayer := outbox.NewReplayer(s, fetcher, limiter, logger.With("component", "replayer"))
	evaluator := notify.NewEvaluator(s, notifier,
		cfg.Notify.LowMoodThreshold, cfg.Notify.LowMoodCount, cfg.Notify.LookbackDays,
		logger.With("component", "notify"))

	coordinator := syncer.New(syncer.Config{
		ReplaySchedule:   cfg.Sync.ReplaySchedule,
		InsightSchedule:  cfg.Sync.InsightSchedule,
		MoodBatchURL:     strategy.OriginURL(cfg.Origin.BaseURL, cfg.Sync.MoodBatchPath),
		ProgressBatchURL: strategy.OriginURL(cfg.Origin.BaseURL, cfg.Sync.ProgressBatchPath),
	}, s, fetcher, replayer, evaluator, m, logger.With("component", "syncer"))

	lc := lifecycle.NewManager(lifecycle.Config{
		OriginBase:      cfg.Origin.BaseURL,
		StaticAssets:    cfg.Cache.StaticAssets,
		EssentialAudio:  cfg.Cache.EssentialAudio,
		ActivationDelay: cfg.Cache.ActivationDelay,
	}, s, fetcher, partitions, logger.With("component", "lifecycle"))

	e := &Engine{
		cfg:         cfg,
		store:       s,
		fetcher:     fetcher,
		classifier:  classifier,
		runner:      runner,
		fallback:    gen,
		coordinator: coordinator,
		lifecycle:   lc,
		metrics:     m,
		partitions:  partitions,
		logger:      logger.With("component", "engine"),
	}

	e.dispatcher = control.NewDispatcher(logger.With("component", "control"))
	e.dispatcher.Register(control.SkipWaiting, func(ctx context.Context, cmd control.Command) {
		lc.SkipWaiting()
	})
	e.dispatcher.Register(control.CacheAudio, func(ctx context.Context, cmd control.Command) {
		e.cacheOnDemand(ctx, cmd.URL)
	})
	e.dispatcher.Register(control.ClearCache, func(ctx context.Context, cmd control.Command) {
		e.clearAll(ctx)
	})
	e.dispatcher.Register(control.SyncNow, func(ctx context.Context, cmd control.Command) {
		coordinator.Sync(ctx, cmd.Tag)
	})

	fetcher.SetRestoreHook(func() {
		coordinator.OnConnectivityRestored(context.Background())
	})

	return e
}

// Start runs install/activate and begins the sync schedules.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.lifecycle.Startup(ctx); err != nil {
		return fmt.Errorf("lifecycle startup: %w", err)
	}
	if err := e.coordinator.Start(); err != nil {
		return fmt.Errorf("starting sync coordinator: %w", err)
	}
	return nil
}

// Stop halts background work and marks the instance terminated.
func (e *Engine) Stop() {
	e.coordinator.Stop()
	e.lifecycle.Terminate()
}

// Lifecycle exposes the lifecycle manager, mainly for the status surface.
func (e *Engine) Lifecycle() *lifecycle.Manager {
	return e.lifecycle
}

// RegisterRoutes mounts the control channel, the status surface and the
// catch-all intercept handler.
func (e *Engine) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/control", e.handleControl).Methods(http.MethodPost)
	r.HandleFunc("/healthz", e.handleHealth).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(e)
}

// ServeHTTP intercepts one application request. GET requests resolve through
// the strategies with the fallback generator as last resort; everything else
// takes the write path. No error escapes to the client unanswered.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.New().String()

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("request handling panicked", "trace", traceID, "panic", rec)
			snap, _ := e.fallback.Generate(r.Context(), r.Header.Get("Accept"), false)
			writeSnapshot(w, snap, "fallback")
		}
	}()

	originURL := strategy.OriginURL(e.cfg.Origin.BaseURL, r.URL.RequestURI())

	if r.Method == http.MethodGet {
		e.serveRead(w, r, originURL, traceID)
		return
	}
	e.serveWrite(w, r, originURL, traceID)
}

func (e *Engine) serveRead(w http.ResponseWriter, r *http.Request, originURL, traceID string) {
	cl := e.classifier.Classify(originURL)
	start := time.Now()

	res, err := e.runner.Run(r.Context(), cl, http.MethodGet, originURL, r.Header)
	if e.metrics != nil {
		e.metrics.RequestDuration.WithLabelValues(cl.Kind.String()).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		snap, kind := e.fallback.Generate(r.Context(), r.Header.Get("Accept"), e.classifier.IsAPIPath(originURL))
		if e.metrics != nil {
			e.metrics.Fallbacks.WithLabelValues(string(kind)).Inc()
		}
		e.logger.Info("served fallback", "trace", traceID, "url", originURL,
			"strategy", cl.Kind.String(), "kind", string(kind), "error", err)
		writeSnapshot(w, snap, "fallback")
		return
	}

	if e.metrics != nil {
		switch res.Source {
		case strategy.SourceCache:
			e.metrics.CacheHits.WithLabelValues(cl.Kind.String()).Inc()
		default:
			e.metrics.CacheMisses.WithLabelValues(cl.Kind.String()).Inc()
		}
	}
	writeSnapshot(w, res.Snapshot, string(res.Source))
}

func (e *Engine) serveWrite(w http.ResponseWriter, r *http.Request, originURL, traceID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	// Mirror wellness records into the durable local collections so the
	// triggers and batch channels see them regardless of network outcome.
	e.mirrorRecord(r.Context(), r.Method, r.URL.Path, body)

	snap, fetchErr := e.fetcher.Fetch(r.Context(), r.Method, originURL, r.Header, body)
	if fetchErr == nil {
		if e.metrics != nil {
			e.metrics.WriteResults.WithLabelValues("delivered").Inc()
		}
		writeSnapshot(w, snap, "network")
		return
	}

	if e.classifier.IsAPIPath(originURL) {
		entry := outbox.NewEntry(r.Method, originURL, r.Header, body)
		if _, err := e.store.Enqueue(r.Context(), entry); err == nil {
			if e.metrics != nil {
				e.metrics.WriteResults.WithLabelValues("queued").Inc()
				if depth, derr := e.store.OutboxDepth(r.Context()); derr == nil {
					e.metrics.OutboxDepth.Set(float64(depth))
				}
			}
			e.logger.Info("write queued for replay", "trace", traceID,
				"method", r.Method, "url", originURL, "id", entry.ID)
			writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "offline": true})
			return
		} else {
			e.logger.Error("queueing write failed", "trace", traceID, "url", originURL, "error", err)
		}
	}

	if e.metrics != nil {
		e.metrics.WriteResults.WithLabelValues("failed").Inc()
	}
	e.logger.Info("write failed and was not queued", "trace", traceID,
		"method", r.Method, "url", originURL, "error", fetchErr)
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"error":   "unreachable",
		"message": "The network is unreachable and this request cannot be queued.",
	})
}

// mirrorRecord parses mood and session-progress writes into the local
// collections. Unparseable payloads are ignored; the network still decides
// the caller's response.
func (e *Engine) mirrorRecord(ctx context.Context, method, path string, body []byte) {
	if method != http.MethodPost && method != http.MethodPut {
		return
	}

	switch path {
	case e.cfg.Sync.MoodPath:
		var payload struct {
			Date  string `json:"date"`
			Value *int   `json:"value"`
			Note  string `json:"note"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.Value == nil {
			return
		}
		if payload.Date == "" {
			payload.Date = time.Now().UTC().Format("2006-01-02")
		}
		if err := e.store.PutMood(ctx, &store.MoodRecord{
			Date:       payload.Date,
			Value:      *payload.Value,
			Note:       payload.Note,
			RecordedAt: time.Now().UTC(),
		}); err != nil {
			e.logger.Warn("mirroring mood record failed", "error", err)
		}

	case e.cfg.Sync.ProgressPath:
		var payload struct {
			SessionID      string `json:"session_id"`
			CompletedSteps int    `json:"completed_steps"`
			TotalSteps     int    `json:"total_steps"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.SessionID == "" {
			return
		}
		if err := e.store.PutProgress(ctx, &store.ProgressRecord{
			SessionID:      payload.SessionID,
			CompletedSteps: payload.CompletedSteps,
			TotalSteps:     payload.TotalSteps,
			UpdatedAt:      time.Now().UTC(),
		}); err != nil {
			e.logger.Warn("mirroring progress record failed", "error", err)
		}
	}
}

// cacheOnDemand fetches a resource and stores it in the audio partition.
// Invoked by the CACHE_AUDIO control command; failures are logged only.
func (e *Engine) cacheOnDemand(ctx context.Context, rawURL string) {
	if rawURL == "" {
		e.logger.Info("ignoring cache command without url")
		return
	}
	url := rawURL
	if strings.HasPrefix(rawURL, "/") {
		url = strategy.OriginURL(e.cfg.Origin.BaseURL, rawURL)
	}

	snap, err := e.fetcher.Fetch(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		e.logger.Info("on-demand caching failed", "url", url, "error", err)
		return
	}
	if snap.Status < 200 || snap.Status > 299 {
		e.logger.Info("on-demand caching skipped", "url", url, "status", snap.Status)
		return
	}
	fp := strategy.Fingerprint(http.MethodGet, url)
	if err := e.store.PutSnapshot(ctx, e.partitions.Audio, fp, snap); err != nil {
		e.logger.Warn("storing on-demand asset failed", "url", url, "error", err)
		return
	}
	e.logger.Info("cached on demand", "url", url, "partition", e.partitions.Audio)
}

// clearAll wipes every partition and the whole outbox, poisoned entries
// included. Invoked by the CLEAR_CACHE control command.
func (e *Engine) clearAll(ctx context.Context) {
	if err := e.store.ClearPartitions(ctx); err != nil {
		e.logger.Error("clearing partitions failed", "error", err)
	}
	if err := e.store.ClearOutbox(ctx); err != nil {
		e.logger.Error("clearing outbox failed", "error", err)
	}
	if e.metrics != nil {
		e.metrics.OutboxDepth.Set(0)
	}
	e.logger.Info("partitions and outbox cleared")
}

func (e *Engine) handleControl(w http.ResponseWriter, r *http.Request) {
	var cmd control.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "invalid command payload", http.StatusBadRequest)
		return
	}
	e.dispatcher.Dispatch(r.Context(), cmd)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depth, err := e.store.OutboxDepth(ctx)
	if err != nil {
		e.logger.Warn("reading outbox depth failed", "error", err)
	}
	counts, err := e.store.PartitionCounts(ctx)
	if err != nil {
		e.logger.Warn("reading partition counts failed", "error", err)
	}
	poisoned, err := e.store.ListPoisoned(ctx)
	if err != nil {
		e.logger.Warn("reading poisoned entries failed", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"lifecycle":    e.lifecycle.State().String(),
		"online":       e.fetcher.Online(),
		"outbox_depth": depth,
		"poisoned":     len(poisoned),
		"partitions":   counts,
	})
}

func writeSnapshot(w http.ResponseWriter, snap *store.Snapshot, source string) {
	for key, values := range snap.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("X-Harbor-Source", source)
	w.WriteHeader(snap.Status)
	w.Write(snap.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

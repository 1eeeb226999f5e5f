// ABOUTME: End-to-end tests for the engine's intercept surface.
// ABOUTME: Exercises strategies, fallbacks, the write path and the control channel.

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillwater/harbor/internal/config"
	"github.com/stillwater/harbor/internal/notify"
	"github.com/stillwater/harbor/internal/store"
)

// fakeOrigin is an origin server whose network can be yanked at runtime.
// While down, connections are hijacked and dropped so clients observe a
// transport failure rather than an HTTP error.
type fakeOrigin struct {
	server *httptest.Server
	down   atomic.Bool
	posts  atomic.Int64
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	f := &fakeOrigin{}

	handler := http.NewServeMux()
	handler.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>shell</html>")
	})
	handler.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		io.WriteString(w, "console.log('app')")
	})
	handler.HandleFunc("/audio/calm.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte{0xff, 0xfb, 0x90})
	})
	handler.HandleFunc("/api/mood", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			f.posts.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	})

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.down.Load() {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok, "recorder must support hijacking")
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func testConfig(origin string, dbPath string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Origin:   config.OriginConfig{BaseURL: origin, RequestTimeout: 2 * time.Second},
		Database: config.DatabaseConfig{Path: dbPath},
		Cache: config.CacheConfig{
			BuildID:        "v7",
			StaticAssets:   []string{"/", "/app.js"},
			AudioPrefix:    "/audio/",
			APIPrefix:      "/api/",
			ShellPath:      "/",
			EssentialAudio: "/audio/calm.mp3",
		},
		Sync: config.SyncConfig{
			ReplayRate:        100,
			MoodPath:          "/api/mood",
			ProgressPath:      "/api/session-progress",
			MoodBatchPath:     "/api/mood/bulk",
			ProgressBatchPath: "/api/session-progress/bulk",
		},
		Notify: config.NotifyConfig{LowMoodThreshold: 2, LowMoodCount: 3, LookbackDays: 3},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeOrigin, *store.SQLiteStore, *mux.Router) {
	t.Helper()
	origin := newFakeOrigin(t)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(origin.server.URL, "unused")
	e := New(cfg, s, &notify.LogNotifier{Logger: logger}, nil, logger)

	router := mux.NewRouter()
	e.RegisterRoutes(router)
	return e, origin, s, router
}

func do(router *mux.Router, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStaticAssetServedFromCacheWhenOffline(t *testing.T) {
	_, origin, _, router := newTestEngine(t)

	// First request warms the cache from the network
	rec := do(router, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Harbor-Source"))

	// Origin goes away; the snapshot answers
	origin.down.Store(true)
	rec = do(router, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Harbor-Source"))
	assert.Equal(t, "console.log('app')", rec.Body.String())
}

func TestAPIReadPrefersNetworkThenCache(t *testing.T) {
	_, origin, _, router := newTestEngine(t)

	rec := do(router, httptest.NewRequest(http.MethodGet, "/api/mood", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Harbor-Source"))

	origin.down.Store(true)
	rec = do(router, httptest.NewRequest(http.MethodGet, "/api/mood", nil))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Harbor-Source"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestAPIFallbackEnvelopeWhenNothingCached(t *testing.T) {
	_, origin, _, router := newTestEngine(t)
	origin.down.Store(true)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Accept", "application/json")
	rec := do(router, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "fallback", rec.Header().Get("X-Harbor-Source"))

	var envelope struct {
		Error   string `json:"error"`
		Offline bool   `json:"offline"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.True(t, envelope.Offline)
}

func TestImageFallback(t *testing.T) {
	_, origin, _, router := newTestEngine(t)
	origin.down.Store(true)

	req := httptest.NewRequest(http.MethodGet, "/gallery/photo.png", nil)
	req.Header.Set("Accept", "image/png,image/*")
	rec := do(router, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
}

func TestOfflineWriteQueuedWithOptimisticAck(t *testing.T) {
	_, origin, s, router := newTestEngine(t)
	origin.down.Store(true)

	body := `{"date":"2026-08-24","value":3,"note":"ok"}`
	req := httptest.NewRequest(http.MethodPost, "/api/mood", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := do(router, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"success":true,"offline":true}`, rec.Body.String())

	ctx := context.Background()
	depth, err := s.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// The record was mirrored for the triggers regardless of the network
	mood, err := s.MoodForDate(ctx, "2026-08-24")
	require.NoError(t, err)
	assert.Equal(t, 3, mood.Value)
}

func TestOfflineNonAPIWritePropagatesFailure(t *testing.T) {
	_, origin, s, router := newTestEngine(t)
	origin.down.Store(true)

	req := httptest.NewRequest(http.MethodPost, "/feedback", bytes.NewBufferString("hello"))
	rec := do(router, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)

	depth, err := s.OutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestSyncNowDrainsOutboxWithoutDuplicates(t *testing.T) {
	_, origin, s, router := newTestEngine(t)
	origin.down.Store(true)

	body := `{"date":"2026-08-24","value":3}`
	req := httptest.NewRequest(http.MethodPost, "/api/mood", bytes.NewBufferString(body))
	rec := do(router, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Network returns; a SYNC_NOW command replays the entry
	origin.down.Store(false)
	cmd := `{"type":"SYNC_NOW","tag":"outbox-replay"}`
	rec = do(router, httptest.NewRequest(http.MethodPost, "/control", bytes.NewBufferString(cmd)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		depth, err := s.OutboxDepth(context.Background())
		return err == nil && depth == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), origin.posts.Load())

	// Another tick finds nothing to replay
	rec = do(router, httptest.NewRequest(http.MethodPost, "/control", bytes.NewBufferString(cmd)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), origin.posts.Load())
}

func TestControlUnknownCommandIgnored(t *testing.T) {
	_, _, _, router := newTestEngine(t)

	cmd := `{"type":"DEFRAGMENT_FEELINGS"}`
	rec := do(router, httptest.NewRequest(http.MethodPost, "/control", bytes.NewBufferString(cmd)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestControlRejectsMalformedPayload(t *testing.T) {
	_, _, _, router := newTestEngine(t)

	rec := do(router, httptest.NewRequest(http.MethodPost, "/control", bytes.NewBufferString("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearCacheCommand(t *testing.T) {
	_, _, s, router := newTestEngine(t)
	ctx := context.Background()

	// Warm the cache and queue a write
	do(router, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	_, err := s.Enqueue(ctx, &store.OutboxEntry{
		Method: "POST", URL: "https://x/api/mood", Body: []byte("{}"), EnqueuedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	cmd := `{"type":"CLEAR_CACHE"}`
	rec := do(router, httptest.NewRequest(http.MethodPost, "/control", bytes.NewBufferString(cmd)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		parts, err := s.ListPartitions(ctx)
		if err != nil || len(parts) != 0 {
			return false
		}
		depth, err := s.OutboxDepth(ctx)
		return err == nil && depth == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCacheAudioCommand(t *testing.T) {
	e, _, s, router := newTestEngine(t)

	cmd := `{"type":"CACHE_AUDIO","url":"/audio/calm.mp3"}`
	rec := do(router, httptest.NewRequest(http.MethodPost, "/control", bytes.NewBufferString(cmd)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		counts, err := s.PartitionCounts(context.Background())
		return err == nil && counts[e.partitions.Audio] == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStartInstallsAndActivates(t *testing.T) {
	e, _, s, _ := newTestEngine(t)
	ctx := context.Background()

	// A leftover partition from an older build
	require.NoError(t, s.PutSnapshot(ctx, "static-v6", "GET https://old/a",
		&store.Snapshot{Status: 200, Body: []byte("x"), CapturedAt: time.Now().UTC()}))

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	parts, err := s.ListPartitions(ctx)
	require.NoError(t, err)
	assert.NotContains(t, parts, "static-v6")

	counts, err := s.PartitionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["static-v7"])
	assert.Equal(t, 1, counts["audio-v7"])
}

func TestHealthSurface(t *testing.T) {
	_, _, _, router := newTestEngine(t)

	rec := do(router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Status      string         `json:"status"`
		Lifecycle   string         `json:"lifecycle"`
		Online      bool           `json:"online"`
		OutboxDepth int            `json:"outbox_depth"`
		Partitions  map[string]int `json:"partitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "installing", status.Lifecycle)
	assert.True(t, status.Online)
}

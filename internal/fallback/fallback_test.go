// ABOUTME: Tests for the fallback generator selection order.
// ABOUTME: Verifies shell, API envelope, placeholder image and generic paths.

package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillwater/harbor/internal/store"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerate_HTMLServesCachedShell(t *testing.T) {
	shell := &store.Snapshot{
		Status:     200,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte("<html>shell</html>"),
		CapturedAt: time.Now().UTC(),
	}
	g := New(func(ctx context.Context) (*store.Snapshot, error) {
		return shell, nil
	}, discard())

	snap, kind := g.Generate(context.Background(), "text/html,application/xhtml+xml", false)
	assert.Equal(t, KindShell, kind)
	assert.Equal(t, 200, snap.Status)
	assert.Equal(t, "<html>shell</html>", string(snap.Body))
}

func TestGenerate_HTMLWithoutShellIs503(t *testing.T) {
	g := New(func(ctx context.Context) (*store.Snapshot, error) {
		return nil, store.ErrNotFound
	}, discard())

	snap, kind := g.Generate(context.Background(), "text/html", false)
	assert.Equal(t, KindShell, kind)
	assert.Equal(t, http.StatusServiceUnavailable, snap.Status)
}

func TestGenerate_APIEnvelope(t *testing.T) {
	g := New(nil, discard())

	snap, kind := g.Generate(context.Background(), "application/json", true)
	assert.Equal(t, KindAPI, kind)
	assert.Equal(t, http.StatusServiceUnavailable, snap.Status)
	assert.Equal(t, "application/json", snap.Header.Get("Content-Type"))

	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Offline bool   `json:"offline"`
	}
	require.NoError(t, json.Unmarshal(snap.Body, &envelope))
	assert.Equal(t, "offline", envelope.Error)
	assert.True(t, envelope.Offline)
	assert.NotEmpty(t, envelope.Message)
}

func TestGenerate_ImagePlaceholder(t *testing.T) {
	g := New(nil, discard())

	snap, kind := g.Generate(context.Background(), "image/webp,image/png", false)
	assert.Equal(t, KindImage, kind)
	assert.Equal(t, http.StatusOK, snap.Status)
	assert.Equal(t, "image/svg+xml", snap.Header.Get("Content-Type"))
	assert.Contains(t, string(snap.Body), "<svg")
}

func TestGenerate_Generic(t *testing.T) {
	g := New(nil, discard())

	snap, kind := g.Generate(context.Background(), "application/octet-stream", false)
	assert.Equal(t, KindGeneric, kind)
	assert.Equal(t, http.StatusServiceUnavailable, snap.Status)
}

func TestGenerate_NeverFails(t *testing.T) {
	// A broken shell lookup still yields a well-formed response
	g := New(func(ctx context.Context) (*store.Snapshot, error) {
		return nil, errors.New("database is locked")
	}, discard())

	snap, _ := g.Generate(context.Background(), "text/html", false)
	require.NotNil(t, snap)
	assert.NotZero(t, snap.Status)
	assert.NotNil(t, snap.Header)
}

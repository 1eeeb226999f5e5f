// ABOUTME: Synthesizes responses when neither cache nor network can answer.
// ABOUTME: Shell HTML, JSON error envelope, placeholder image or plain 503.

package fallback

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stillwater/harbor/internal/store"
)

// Kind labels which fallback was served, for logs and metrics.
type Kind string

const (
	KindShell   Kind = "shell"
	KindAPI     Kind = "api"
	KindImage   Kind = "image"
	KindGeneric Kind = "generic"
)

// placeholderSVG is the inline image served for image requests that cannot
// be satisfied. Rendered as a neutral grey box.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200"><rect width="200" height="200" fill="#e2e8f0"/><text x="100" y="104" text-anchor="middle" font-family="sans-serif" font-size="14" fill="#64748b">offline</text></svg>`

// apiError is the envelope returned for API requests while offline.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

// ShellLookup resolves the cached application shell, if any.
type ShellLookup func(ctx context.Context) (*store.Snapshot, error)

// Generator produces synthetic responses. It never fails: every path through
// Generate returns a well-formed snapshot.
type Generator struct {
	shell  ShellLookup
	logger *slog.Logger
}

// New creates a Generator. shell may be nil when no cached shell is available.
func New(shell ShellLookup, logger *slog.Logger) *Generator {
	return &Generator{shell: shell, logger: logger}
}

// Generate selects a fallback by accept type and path: HTML requests get the
// cached shell (or a plain 503), API paths get a JSON error envelope, image
// requests get a placeholder, everything else a generic 503.
func (g *Generator) Generate(ctx context.Context, accept string, isAPI bool) (*store.Snapshot, Kind) {
	switch {
	case strings.Contains(accept, "text/html"):
		return g.htmlFallback(ctx), KindShell
	case isAPI:
		return g.apiFallback(), KindAPI
	case strings.Contains(accept, "image/"):
		return g.imageFallback(), KindImage
	default:
		return g.genericFallback(), KindGeneric
	}
}

func (g *Generator) htmlFallback(ctx context.Context) *store.Snapshot {
	if g.shell != nil {
		snap, err := g.shell(ctx)
		if err == nil {
			return snap
		}
		if err != store.ErrNotFound {
			g.logger.Warn("shell lookup failed", "error", err)
		}
	}
	return &store.Snapshot{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
		},
		Body:       []byte("You appear to be offline and no cached copy is available."),
		CapturedAt: time.Now().UTC(),
	}
}

func (g *Generator) apiFallback() *store.Snapshot {
	body, err := json.Marshal(apiError{
		Error:   "offline",
		Message: "The network is unreachable and this data is not cached.",
		Offline: true,
	})
	if err != nil {
		// Marshaling a static struct cannot fail; keep the guarantee anyway
		body = []byte(`{"error":"offline","message":"unavailable","offline":true}`)
	}
	return &store.Snapshot{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type": []string{"application/json"},
		},
		Body:       body,
		CapturedAt: time.Now().UTC(),
	}
}

func (g *Generator) imageFallback() *store.Snapshot {
	return &store.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type": []string{"image/svg+xml"},
		},
		Body:       []byte(placeholderSVG),
		CapturedAt: time.Now().UTC(),
	}
}

func (g *Generator) genericFallback() *store.Snapshot {
	return &store.Snapshot{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
		},
		Body:       []byte("Service unavailable while offline."),
		CapturedAt: time.Now().UTC(),
	}
}

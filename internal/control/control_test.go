// ABOUTME: Tests for control command dispatch.
// ABOUTME: Covers registration, unknown commands and panic containment.

package control

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatch_RunsHandler(t *testing.T) {
	d := NewDispatcher(discard())

	got := make(chan Command, 1)
	d.Register(SyncNow, func(ctx context.Context, cmd Command) {
		got <- cmd
	})

	d.Dispatch(context.Background(), Command{Type: SyncNow, Tag: "outbox-replay"})

	select {
	case cmd := <-got:
		assert.Equal(t, SyncNow, cmd.Type)
		assert.Equal(t, "outbox-replay", cmd.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDispatch_UnknownCommandIgnored(t *testing.T) {
	d := NewDispatcher(discard())

	ran := make(chan struct{}, 1)
	d.Register(ClearCache, func(ctx context.Context, cmd Command) {
		ran <- struct{}{}
	})

	d.Dispatch(context.Background(), Command{Type: CommandType("REBOOT_UNIVERSE")})

	select {
	case <-ran:
		t.Fatal("unrelated handler ran for unknown command")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatch_PanicContained(t *testing.T) {
	d := NewDispatcher(discard())

	d.Register(CacheAudio, func(ctx context.Context, cmd Command) {
		panic("boom")
	})
	after := make(chan struct{}, 1)
	d.Register(SyncNow, func(ctx context.Context, cmd Command) {
		after <- struct{}{}
	})

	d.Dispatch(context.Background(), Command{Type: CacheAudio, URL: "https://origin/audio/x.mp3"})
	d.Dispatch(context.Background(), Command{Type: SyncNow})

	select {
	case <-after:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher stopped working after a handler panic")
	}
}

func TestDispatch_OutlivesCallerContext(t *testing.T) {
	d := NewDispatcher(discard())

	done := make(chan error, 1)
	d.Register(SyncNow, func(ctx context.Context, cmd Command) {
		// The caller's context is already canceled; ours must not be
		done <- ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Dispatch(ctx, Command{Type: SyncNow})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

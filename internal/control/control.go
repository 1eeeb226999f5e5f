// ABOUTME: Control channel between the foreground application and the engine.
// ABOUTME: Dispatches a closed set of fire-and-forget commands; unknown types are ignored.

package control

import (
	"context"
	"log/slog"
	"sync"
)

// CommandType is one of the closed set of control commands.
type CommandType string

const (
	SkipWaiting CommandType = "SKIP_WAITING"
	CacheAudio  CommandType = "CACHE_AUDIO"
	ClearCache  CommandType = "CLEAR_CACHE"
	SyncNow     CommandType = "SYNC_NOW"
)

// Command is the control channel message shape.
type Command struct {
	Type CommandType `json:"type"`
	URL  string      `json:"url,omitempty"`
	Tag  string      `json:"tag,omitempty"`
}

// Handler executes one command kind. Handlers run asynchronously; the
// dispatcher never reports their outcome to the caller, only to the log.
type Handler func(ctx context.Context, cmd Command)

// Dispatcher routes commands to registered handlers. Commands with no
// registered handler are logged and dropped, never treated as errors.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[CommandType]Handler
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[CommandType]Handler),
		logger:   logger,
	}
}

// Register installs the handler for a command type, replacing any previous one.
func (d *Dispatcher) Register(t CommandType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// Dispatch runs the handler for a command in the background and returns
// immediately. A panicking handler is contained and logged.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Type]
	d.mu.RUnlock()

	if !ok {
		d.logger.Info("ignoring unknown control command", "type", string(cmd.Type))
		return
	}

	d.logger.Debug("dispatching control command", "type", string(cmd.Type), "tag", cmd.Tag)

	// Commands must outlive the request that carried them
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("control handler panicked", "type", string(cmd.Type), "panic", rec)
			}
		}()
		h(bgCtx, cmd)
	}()
}

// ABOUTME: Install/activate sequencing and version-based partition GC.
// ABOUTME: Precaches the asset manifest, then retires partitions from older builds.

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/stillwater/harbor/internal/store"
	"github.com/stillwater/harbor/internal/strategy"
)

// State is the engine instance's lifecycle position.
type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	StateSuperseded
	StateTerminated
)

// String returns the state name used in logs and the status surface.
func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config describes what installation must precache and how long a new
// instance waits before activating.
type Config struct {
	OriginBase     string
	StaticAssets   []string
	EssentialAudio string
	// ActivationDelay is how long the instance sits in waiting before
	// activating on its own. SKIP_WAITING cuts it short.
	ActivationDelay time.Duration
}

// Manager drives the instance through installing, waiting, activating and
// active, and performs version GC on activation.
type Manager struct {
	cfg        Config
	store      store.PartitionStore
	fetcher    strategy.Fetcher
	partitions strategy.Partitions
	logger     *slog.Logger

	state atomic.Int32
	skip  chan struct{}
}

// NewManager creates a lifecycle manager for the given build's partitions.
func NewManager(cfg Config, s store.PartitionStore, fetcher strategy.Fetcher, partitions strategy.Partitions, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		store:      s,
		fetcher:    fetcher,
		partitions: partitions,
		logger:     logger,
		skip:       make(chan struct{}, 1),
	}
	m.state.Store(int32(StateInstalling))
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.logger.Info("lifecycle transition", "state", s.String())
}

// SkipWaiting cuts the waiting period short. Safe to call at any time;
// outside the waiting state it has no effect.
func (m *Manager) SkipWaiting() {
	select {
	case m.skip <- struct{}{}:
	default:
	}
}

// Install precaches the static asset manifest and the one essential audio
// asset. Install is all-or-nothing: every asset is fetched before anything
// is written, and any failure aborts without activating.
func (m *Manager) Install(ctx context.Context) error {
	m.setState(StateInstalling)

	type staged struct {
		partition   string
		fingerprint string
		snap        *store.Snapshot
	}
	var stage []staged

	fetch := func(partition, assetPath string) error {
		url := strategy.OriginURL(m.cfg.OriginBase, assetPath)
		snap, err := m.fetcher.Fetch(ctx, "GET", url, nil, nil)
		if err != nil {
			return fmt.Errorf("precaching %s: %w", assetPath, err)
		}
		if snap.Status < 200 || snap.Status > 299 {
			return fmt.Errorf("precaching %s: origin returned %d", assetPath, snap.Status)
		}
		snap.CapturedAt = time.Now().UTC()
		stage = append(stage, staged{
			partition:   partition,
			fingerprint: strategy.Fingerprint("GET", url),
			snap:        snap,
		})
		return nil
	}

	for _, asset := range m.cfg.StaticAssets {
		if err := fetch(m.partitions.Static, asset); err != nil {
			return fmt.Errorf("install aborted: %w", err)
		}
	}
	if m.cfg.EssentialAudio != "" {
		if err := fetch(m.partitions.Audio, m.cfg.EssentialAudio); err != nil {
			return fmt.Errorf("install aborted: %w", err)
		}
	}

	for _, item := range stage {
		if err := m.store.PutSnapshot(ctx, item.partition, item.fingerprint, item.snap); err != nil {
			return fmt.Errorf("install aborted: storing %s: %w", item.fingerprint, err)
		}
	}

	m.logger.Info("install complete",
		"static_assets", len(m.cfg.StaticAssets),
		"audio_prewarmed", m.cfg.EssentialAudio != "")
	m.setState(StateWaiting)
	return nil
}

// Activate retires every partition whose name is not in the current expected
// set. This is the sole garbage-collection mechanism. On success the
// instance is active and adopts all foreground connections immediately.
func (m *Manager) Activate(ctx context.Context) error {
	m.setState(StateActivating)

	keep := []string{m.partitions.Static, m.partitions.Dynamic, m.partitions.Audio}
	deleted, err := m.store.DeletePartitionsExcept(ctx, keep)
	if err != nil {
		return fmt.Errorf("activation GC: %w", err)
	}

	m.setState(StateActive)
	m.logger.Info("activated, adopting foreground connections",
		"kept", keep, "deleted", deleted)
	return nil
}

// Startup runs the full install → waiting → activate sequence. The waiting
// period ends at ActivationDelay, on SkipWaiting, or when ctx is done.
func (m *Manager) Startup(ctx context.Context) error {
	if err := m.Install(ctx); err != nil {
		return err
	}

	if m.cfg.ActivationDelay > 0 {
		timer := time.NewTimer(m.cfg.ActivationDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.skip:
			m.logger.Info("waiting skipped by control command")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return m.Activate(ctx)
}

// Supersede marks this instance as replaced by a newer one.
func (m *Manager) Supersede() {
	m.setState(StateSuperseded)
}

// Terminate marks the instance as stopped.
func (m *Manager) Terminate() {
	m.setState(StateTerminated)
}

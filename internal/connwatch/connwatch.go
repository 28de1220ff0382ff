// Package connwatch monitors the daemon's external backends: the
// Ollama chat service and the yield-prediction API. Transport-level
// retry in httpkit covers sub-second dial races; connwatch covers the
// multi-second to multi-minute outages that happen when a backend
// restarts or the network partitions.
//
// Each Watcher probes one backend in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 30s)
//  2. Background: periodic polling with state-transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a backend is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls startup retry and background polling timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries bounds startup probe attempts (default: 8).
	MaxRetries int

	// PollInterval is the background check interval once startup
	// retries are exhausted or the backend connected (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard schedule: 2s, 4s, 8s, 16s,
// 30s (capped), 8 startup retries, then 30-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   8,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WatcherConfig configures a single backend watcher.
type WatcherConfig struct {
	// Name identifies the backend in logs and health output
	// (e.g. "ollama", "predictor").
	Name string

	// Probe checks backend health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero-value fields get defaults.
	Backoff BackoffConfig

	// OnReady fires when the backend transitions to reachable.
	// Called in its own goroutine. Optional.
	OnReady func()

	// OnDown fires when the backend transitions to unreachable.
	// Called in its own goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// BackendStatus is the health of a watched backend, serialized into
// the /api/health response.
type BackendStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single backend's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the backend is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() BackendStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := BackendStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	if w.startupProbe(ctx) {
		w.pollLoop(ctx)
	}
}

// startupProbe runs phase 1: exponential backoff until the backend
// answers or retries run out. Returns false when ctx was cancelled.
func (w *Watcher) startupProbe(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("backend connected",
				"backend", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			return true
		}

		if attempt == cfg.MaxRetries {
			logger.Info("startup connection failed, entering background polling",
				"backend", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		logger.Debug("startup probe failed, retrying",
			"backend", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return false
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return true
}

// pollLoop runs phase 2: periodic polling with transition callbacks.
func (w *Watcher) pollLoop(ctx context.Context) {
	logger := w.config.Logger

	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.probe(ctx)
		w.recordResult(err)
		wasReady := w.ready.Load()

		switch {
		case wasReady && err != nil:
			w.ready.Store(false)
			logger.Info("backend became unreachable",
				"backend", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case !wasReady && err == nil:
			w.ready.Store(true)
			logger.Info("backend recovered", "backend", w.config.Name)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case !wasReady:
			logger.Debug("backend still unreachable",
				"backend", w.config.Name,
				"error", err,
			)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	timeout := w.config.Backoff.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the backend watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a backend watcher. The watcher runs in a
// background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Name is empty or Probe is nil; these are programming
// errors, not runtime conditions.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = withDefaults(cfg.Backoff)

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

func withDefaults(b BackoffConfig) BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Ready reports whether the named backend is currently reachable.
// Unknown names report false.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[name]
	return ok && w.IsReady()
}

// Status returns the health status of all watched backends.
func (m *Manager) Status() map[string]BackendStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]BackendStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

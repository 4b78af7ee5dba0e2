// Package connwatch tracks whether the external services Jarvis depends
// on (Home Assistant, the model providers) are reachable.
//
// A watcher probes its service with exponential backoff while it is
// down and at a fixed interval while it is up, logging each transition.
// Nothing blocks on a watcher: requests still go out and report their
// own errors. The status feeds the /health endpoint and the
// jarvis_service_up gauge.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/jarvis/internal/metrics"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first retry after a failure
	MaxDelay     time.Duration // ceiling for retry growth
	PollInterval time.Duration // interval while healthy
	ProbeTimeout time.Duration // bound on one probe
}

// DefaultBackoff retries at 2s, 4s, 8s ... up to a minute and polls
// every minute while healthy.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		PollInterval: time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is a service's last known health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	logger  *slog.Logger
	done    chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for {
		next := w.backoff.PollInterval
		if err := w.check(ctx); err != nil {
			next = delay
			delay = min(delay*2, w.backoff.MaxDelay)
		} else {
			delay = w.backoff.InitialDelay
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the transition, if any.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	first := w.status.LastCheck.IsZero()
	wasReady := w.status.Ready
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	failures := w.status.Failures
	w.mu.Unlock()

	if err == nil {
		metrics.ServiceUp.WithLabelValues(w.name).Set(1)
	} else {
		metrics.ServiceUp.WithLabelValues(w.name).Set(0)
	}

	switch {
	case err == nil && (first || !wasReady):
		w.logger.Info("service reachable", "service", w.name)
	case err != nil && (first || wasReady):
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "failures", failures, "error", err)
	}
	return err
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
	cancel   []context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts probing a service in the background until ctx is done
// or Stop is called. Zero Backoff fields take their defaults.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) *Watcher {
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: b.withDefaults(),
		logger:  m.logger,
		done:    make(chan struct{}),
		status:  Status{Name: name},
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.watchers[name] = w
	m.cancel = append(m.cancel, cancel)
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns every watched service's health, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop halts all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.cancel {
		cancel()
	}
	m.cancel = nil
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		<-w.done
	}
}

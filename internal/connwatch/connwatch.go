// Package connwatch tracks whether the services the agent depends on are
// reachable: the model endpoint and every external tool runtime.
//
// This sits above httpkit's transport retry, which absorbs sub-second
// dial errors. A watcher handles outages that last seconds to minutes
// (a model server restarting, a runtime process being redeployed):
//
//  1. Startup: probe with exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Steady state: probe every poll interval
//
// Every ready/down transition is logged and published on the event bus
// as a health event.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/thane-core/internal/events"
)

// ProbeFunc checks whether a service is reachable. It returns nil when
// the service is healthy and must honor ctx.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the delay after the first failed startup probe.
	Initial time.Duration
	// Max caps the startup delay.
	Max    time.Duration
	Factor float64
	// StartupAttempts bounds the backoff phase; polling follows.
	StartupAttempts int
	Poll            time.Duration
	ProbeTimeout    time.Duration
}

// DefaultBackoff returns 2s doubling to 60s over 10 startup attempts,
// then a probe every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             60 * time.Second,
		Factor:          2.0,
		StartupAttempts: 10,
		Poll:            60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

// withDefaults fills zero fields from [DefaultBackoff].
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

func (b Backoff) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Factor)
	return min(delay, b.Max)
}

// Service describes one watched dependency.
type Service struct {
	// Name identifies the service in logs, events, and status, e.g.
	// "model" or "runtime:lsp".
	Name    string
	Probe   ProbeFunc
	Backoff Backoff
}

// Status is a point-in-time health snapshot.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"failures"`
}

// Watcher probes one service until stopped.
type Watcher struct {
	svc    Service
	bus    *events.Bus
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.ready.Load()
}

// Status returns the current snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Ready = w.ready.Load()
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.svc.Backoff

	delay := b.Initial
	for attempt := 1; ; attempt++ {
		if w.check(ctx, attempt) {
			break
		}
		if attempt >= b.StartupAttempts {
			w.logger.Info("service unreachable at startup, polling in background",
				"service", w.svc.Name,
				"attempts", attempt,
			)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = b.next(delay)
	}

	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx, 0)
		}
	}
}

// check probes once, records the outcome, and reports transitions.
// attempt is the startup attempt number, or 0 while polling.
func (w *Watcher) check(ctx context.Context, attempt int) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.svc.Backoff.ProbeTimeout)
	err := w.svc.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	w.status.LastCheck = time.Now()
	if err != nil {
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.LastError = ""
		w.status.Failures = 0
	}
	w.mu.Unlock()

	wasReady := w.ready.Swap(err == nil)
	switch {
	case err == nil && !wasReady:
		w.logger.Info("service ready", "service", w.svc.Name, "attempt", attempt)
		w.bus.Emit(events.SourceHealth, events.KindServiceReady, map[string]any{
			"service":  w.svc.Name,
			"attempts": attempt,
		})
	case err != nil && wasReady:
		w.logger.Warn("service became unreachable", "service", w.svc.Name, "error", err)
		w.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.svc.Name,
			"error":   err.Error(),
		})
	case err != nil:
		w.logger.Debug("service probe failed", "service", w.svc.Name, "attempt", attempt, "error", err)
	}
	return err == nil
}

// sleepCtx sleeps for d or until ctx is cancelled. It returns false on
// cancellation.
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

// Manager owns the watchers of one process.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. Transitions are published on bus, which
// may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher for svc. It runs until ctx is cancelled or the
// manager is stopped. Names must be unique.
func (m *Manager) Watch(ctx context.Context, svc Service) (*Watcher, error) {
	if svc.Name == "" {
		return nil, errors.New("connwatch: service name is required")
	}
	if svc.Probe == nil {
		return nil, fmt.Errorf("connwatch: service %s has no probe", svc.Name)
	}
	svc.Backoff = svc.Backoff.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.watchers[svc.Name]; dup {
		return nil, fmt.Errorf("connwatch: service %s is already watched", svc.Name)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		svc:    svc,
		bus:    m.bus,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: svc.Name},
	}
	m.watchers[svc.Name] = w
	go w.run(watchCtx)
	return w, nil
}

// Ready reports whether the named service is reachable. Unknown names
// are not ready.
func (m *Manager) Ready(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[name]
	return ok && w.Ready()
}

// Status returns every watcher's snapshot ordered by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops every watcher and waits for them to exit.
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

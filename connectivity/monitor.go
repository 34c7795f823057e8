// Package connectivity tracks whether the storefront API is reachable and
// tells subscribers when that changes.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultProbeInterval is how often the health URL is polled.
	DefaultProbeInterval = 30 * time.Second

	// DefaultProbeTimeout bounds a single probe request.
	DefaultProbeTimeout = 5 * time.Second
)

// Monitor holds the current online state.
type Monitor struct {
	logger   *slog.Logger
	probeURL string
	interval time.Duration
	client   *http.Client

	mu          sync.Mutex
	online      bool
	changedAt   time.Time
	subscribers map[int]func(online bool)
	nextID      int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger for the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithProbe enables polling url every interval. A 5xx answer or a transport
// error means offline; any other answer means online.
func WithProbe(url string, interval time.Duration) Option {
	return func(m *Monitor) {
		m.probeURL = url
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithHTTPClient sets the client used for probes.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithInitialState sets the state before the first signal. Default online.
func WithInitialState(online bool) Option {
	return func(m *Monitor) {
		m.online = online
	}
}

// NewMonitor creates a monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		logger:      slog.Default(),
		interval:    DefaultProbeInterval,
		client:      &http.Client{Timeout: DefaultProbeTimeout},
		online:      true,
		changedAt:   time.Now(),
		subscribers: make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connectivity")
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Since returns when the state last changed.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// Subscribe registers fn for state transitions and returns a function that
// removes it. fn is called synchronously, outside the monitor's lock, only
// when the state actually changes.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// SetOnline records a connectivity signal. Repeating the current state is a
// no-op; a change notifies every subscriber.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changedAt = time.Now()
	subs := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// Observe is a reachability callback for upstream transports: a failed
// round trip marks the monitor offline, a successful one online.
func (m *Monitor) Observe(reachable bool) {
	m.SetOnline(reachable)
}

// Probe performs a single health check and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.probeURL == "" {
		return m.Online()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		m.logger.Warn("building probe request failed", "url", m.probeURL, "error", err)
		return m.Online()
	}

	online := false
	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return m.Online()
		}
		m.logger.Debug("probe failed", "url", m.probeURL, "error", err)
	} else {
		_ = resp.Body.Close()
		online = resp.StatusCode < 500
	}

	m.SetOnline(online)
	return online
}

// Run polls the probe URL until ctx is cancelled. Without a probe URL it
// returns immediately.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("connectivity probe started", "url", m.probeURL, "interval", m.interval)
	m.Probe(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("connectivity probe stopped")
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

package fieldsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the connectivity seen by the device.
type State string

const (
	StateOffline State = "offline"
	StateOnline  State = "online"
)

// Transition is emitted whenever connectivity changes.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Monitor reports connectivity and its changes.
type Monitor interface {
	Online(ctx context.Context) bool
	Subscribe() <-chan Transition
}

// Prober checks whether the server can be reached.
type Prober interface {
	Healthy(ctx context.Context) error
}

// HTTPMonitor polls the server health endpoint on an interval.
type HTTPMonitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	probeMu sync.Mutex

	mu    sync.RWMutex
	state State
	subs  []chan Transition
}

// NewHTTPMonitor constructs a monitor. The device is assumed offline until
// the first successful probe.
func NewHTTPMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *HTTPMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &HTTPMonitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		state:    StateOffline,
	}
}

// Online implements Monitor.
func (m *HTTPMonitor) Online(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateOnline
}

// Subscribe returns a channel receiving every later transition. When the
// subscriber falls behind only the newest transition is kept.
func (m *HTTPMonitor) Subscribe() <-chan Transition {
	ch := make(chan Transition, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Run probes immediately and then on every tick until ctx is done.
func (m *HTTPMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Probe checks the server once and publishes a transition if the state changed.
func (m *HTTPMonitor) Probe(ctx context.Context) State {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Healthy(probeCtx)
	cancel()

	next := StateOnline
	if err != nil {
		next = StateOffline
	}
	m.set(next, err)
	return next
}

func (m *HTTPMonitor) set(next State, cause error) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	subs := append([]chan Transition(nil), m.subs...)
	m.mu.Unlock()

	t := Transition{From: prev, To: next, At: m.now()}
	if cause != nil {
		m.logger.Info("connectivity changed", slog.String("state", string(next)), slog.Any("error", cause))
	} else {
		m.logger.Info("connectivity changed", slog.String("state", string(next)))
	}
	for _, ch := range subs {
		publish(ch, t)
	}
}

// publish replaces a stale pending transition with t. Probes are serialised,
// so the second send cannot block.
func publish(ch chan Transition, t Transition) {
	select {
	case ch <- t:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- t
}

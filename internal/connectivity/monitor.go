package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the polling period used when none is configured.
const DefaultInterval = 5 * time.Second

// Monitor holds the last known connectivity state. The zero value is not
// usable; construct with NewMonitor.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	connected bool
	known     bool
	nextID    int
	subs      map[int]func(bool)
}

// NewMonitor creates a Monitor that starts in the disconnected state.
func NewMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		log:      logger,
		subs:     make(map[int]func(bool)),
	}
}

// IsConnected returns the last known state.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe registers fn to be called on every state transition with the
// new state. The returned function removes the subscription; calling it
// more than once is harmless.
func (m *Monitor) Subscribe(fn func(connected bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Check probes once and applies the result. It returns the state after the
// probe. An unknown result leaves the state untouched.
func (m *Monitor) Check(ctx context.Context) bool {
	reachable, err := m.prober.Probe(ctx)
	if err != nil {
		m.log.Debug("connectivity unknown", "error", err)
		return m.IsConnected()
	}
	m.set(reachable)
	return reachable
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) set(connected bool) {
	m.mu.Lock()
	if m.known && m.connected == connected {
		m.mu.Unlock()
		return
	}
	first := !m.known
	m.known = true
	m.connected = connected
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	// The initial observation of "offline" matches the starting state and
	// is not a transition.
	if first && !connected {
		m.log.Info("connectivity", "connected", false)
		return
	}
	m.log.Info("connectivity changed", "connected", connected)
	for _, fn := range subs {
		fn(connected)
	}
}

// Package netmon tracks device connectivity as reported by the platform
// and fans transitions out to the rest of the sync core. It is the
// single source of truth for "are we online": the queue's dispatch gate
// and the reconnection controller both read from it.
package netmon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/satchel/internal/clock"
	"github.com/clawinfra/satchel/internal/events"
	"github.com/clawinfra/satchel/internal/types"
)

// Snapshot is a point-in-time view of connectivity plus the transition
// bookkeeping accumulated since startup.
type Snapshot struct {
	Connectivity types.Connectivity
	Since        time.Time // when the current state began
	LastOnline   time.Time // most recent offline -> online transition
	LastOffline  time.Time // most recent online -> offline transition
	OnlineTotal  time.Duration
	OfflineTotal time.Duration
	Transitions  int64
}

// Monitor holds the current connectivity state. Platform observers feed
// it with Apply; duplicate reports are ignored.
type Monitor struct {
	clk    clock.Clock
	bus    *events.NetworkBus
	logger *slog.Logger

	mu           sync.Mutex
	cur          types.Connectivity
	since        time.Time
	lastOnline   time.Time
	lastOffline  time.Time
	onlineTotal  time.Duration
	offlineTotal time.Duration
	transitions  int64
}

// New creates a monitor that starts offline with unknown quality.
func New(clk clock.Clock, bus *events.NetworkBus, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		clk:    clk,
		bus:    bus,
		logger: logger.With("component", "netmon"),
		cur:    types.Connectivity{Connected: false, Type: types.ConnectionNone, Quality: types.QualityUnknown},
		since:  clk.Now(),
	}
}

// Online reports whether the device currently has connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur.Connected
}

// Current returns a snapshot including time spent in the present state.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	s := Snapshot{
		Connectivity: m.cur,
		Since:        m.since,
		LastOnline:   m.lastOnline,
		LastOffline:  m.lastOffline,
		OnlineTotal:  m.onlineTotal,
		OfflineTotal: m.offlineTotal,
		Transitions:  m.transitions,
	}
	if m.cur.Connected {
		s.OnlineTotal += now.Sub(m.since)
	} else {
		s.OfflineTotal += now.Sub(m.since)
	}
	return s
}

// Apply records a connectivity report. Reports identical to the current
// state are dropped; transitions update the accumulated totals and
// publish the matching network event.
func (m *Monitor) Apply(c types.Connectivity) {
	m.mu.Lock()
	if c == m.cur {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	elapsed := now.Sub(m.since)
	if m.cur.Connected {
		m.onlineTotal += elapsed
	} else {
		m.offlineTotal += elapsed
	}

	prev := m.cur
	m.cur = c
	m.since = now
	m.transitions++

	var kind events.NetworkEventKind
	switch {
	case !prev.Connected && c.Connected:
		kind = events.NetworkReconnected
		m.lastOnline = now
	case prev.Connected && !c.Connected:
		kind = events.NetworkDisconnected
		m.lastOffline = now
	default:
		kind = events.NetworkChanged
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		"connected", c.Connected, "type", c.Type, "quality", c.Quality, "transition", kind)
	if m.bus != nil {
		m.bus.Publish(events.NetworkEvent{Kind: kind, State: c, At: now})
	}
}

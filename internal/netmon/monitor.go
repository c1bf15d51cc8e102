// Package netmon tracks connectivity to the remote service and notifies
// subscribers on transitions. Offline is reported immediately; online is
// debounced so a flapping link does not trigger sync storms.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/fernweh-app/fernweh-core/internal/logging"
)

// State is the monitor's view of connectivity.
type State int

const (
	StateOffline State = iota
	StateOnline
)

func (s State) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// Source feeds raw connectivity observations into the monitor. Observations
// may flap; the monitor owns the debouncing.
type Source interface {
	// Start begins delivering observations to report and blocks until ctx is
	// cancelled.
	Start(ctx context.Context, report func(online bool))
}

// Monitor merges raw observations from one or more sources into a single
// debounced signal and fans transitions out to subscribers. Online requires
// every source to agree; any source reporting offline flips the aggregate
// immediately.
type Monitor struct {
	sources  []Source
	debounce time.Duration

	mu      sync.Mutex
	state   State
	raw     []bool
	agg     bool
	timer   *time.Timer
	subs    map[chan State]struct{}
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a monitor over the given sources. onlineDebounce is how long all
// sources must agree on online before subscribers hear about it.
func New(onlineDebounce time.Duration, sources ...Source) *Monitor {
	return &Monitor{
		sources:  sources,
		debounce: onlineDebounce,
		state:    StateOffline,
		raw:      make([]bool, len(sources)),
		subs:     make(map[chan State]struct{}),
	}
}

// Start launches one goroutine per source. Call Stop to shut down.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for i, src := range m.sources {
		i, src := i, src
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			src.Start(ctx, func(online bool) { m.report(i, online) })
		}()
	}
}

// Stop halts the sources and releases subscribers. Safe to call once.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

// State returns the current debounced state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the debounced state is online.
func (m *Monitor) Online() bool {
	return m.State() == StateOnline
}

// Subscribe registers a channel receiving state transitions. The returned
// function removes the subscription. Slow subscribers miss intermediate
// transitions rather than blocking the monitor.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 4)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
}

// report ingests one raw observation from source i.
func (m *Monitor) report(i int, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.raw[i] = online

	agg := true
	for _, on := range m.raw {
		if !on {
			agg = false
			break
		}
	}
	if agg == m.agg {
		return
	}
	m.agg = agg

	if !agg {
		// Offline applies immediately and cancels any pending online flip.
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.transitionLocked(StateOffline)
		return
	}

	if m.debounce <= 0 {
		m.transitionLocked(StateOnline)
		return
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.timer = nil
		if m.stopped || !m.agg {
			return
		}
		m.transitionLocked(StateOnline)
	})
}

func (m *Monitor) transitionLocked(next State) {
	if m.state == next {
		return
	}
	m.state = next
	logging.Info("Connectivity changed", map[string]interface{}{"state": next.String()})
	for ch := range m.subs {
		select {
		case ch <- next:
		default:
		}
	}
}

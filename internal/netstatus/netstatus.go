// Package netstatus provides the connectivity signal the orchestrator and
// strategies consult before attempting transmission.
package netstatus

import (
	"sync"
	"time"

	"github.com/edgesync/edgesync/internal/logging"
)

// Checker reports whether connectivity is currently available.
type Checker func() bool

// Monitor polls a Checker on an interval, deduplicates transitions, and
// notifies subscribers when the online state flips.
type Monitor struct {
	check    Checker
	interval time.Duration

	mu     sync.Mutex
	online bool
	subs   []chan bool
	stop   chan struct{}
	done   chan struct{}
}

// NewMonitor creates a monitor polling check every interval. The initial
// state is taken from a synchronous first check.
func NewMonitor(check Checker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		check:    check,
		interval: interval,
		online:   check(),
	}
}

// Online returns the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel receiving the new state on every transition.
// The channel is buffered; a slow consumer drops intermediate transitions
// rather than blocking the monitor.
func (m *Monitor) Subscribe() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan bool, 4)
	m.subs = append(m.subs, ch)
	return ch
}

// Start launches the polling loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.loop(m.stop, m.done)
}

// Stop halts the polling loop and waits for it to exit. Subscriber channels
// stay open; no further notifications are delivered.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop = nil
	m.done = nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	current := m.check()

	m.mu.Lock()
	changed := current != m.online
	m.online = current
	subs := m.subs
	m.mu.Unlock()

	if !changed {
		return
	}

	logging.Info("connectivity changed",
		logging.Operation("netstatus"),
		"online", current,
	)

	for _, ch := range subs {
		select {
		case ch <- current:
		default:
			// Subscriber is behind; it will observe the latest state on the
			// next transition it does receive.
		}
	}
}

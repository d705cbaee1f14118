// Package pool provides a bounded pool of backend client handles, leased to
// callers and reclaimed by health-check and lifecycle eviction.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/remote"
)

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrAcquireTimeout is returned when no connection becomes available
	// within the acquire timeout.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
)

// Factory creates a new backend client handle.
type Factory func(ctx context.Context) (remote.Backend, error)

// Config tunes the pool.
type Config struct {
	// MaxConns bounds the number of simultaneously open connections.
	MaxConns int
	// MinConns is the floor kept alive through idle eviction.
	MinConns int
	// AcquireTimeout bounds how long a caller parks waiting for a connection.
	AcquireTimeout time.Duration
	// MaxLifetime evicts connections older than this since creation.
	MaxLifetime time.Duration
	// IdleTimeout evicts connections unused for this long, above MinConns.
	IdleTimeout time.Duration
	// HealthCheckInterval is the eviction/probe tick.
	HealthCheckInterval time.Duration
	// ProbeTimeout bounds a single liveness probe. Defaults to 5s.
	ProbeTimeout time.Duration
}

// DefaultConfig returns conservative settings for NAS-class deployments.
func DefaultConfig() Config {
	return Config{
		MaxConns:            4,
		MinConns:            1,
		AcquireTimeout:      10 * time.Second,
		MaxLifetime:         30 * time.Minute,
		IdleTimeout:         5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		ProbeTimeout:        5 * time.Second,
	}
}

// Conn is a pooled backend handle. It is leased, never owned: callers use the
// handle and return it with Release (or let WithConn do both).
type Conn struct {
	id                string
	handle            remote.Backend
	createdAt         time.Time
	lastUsedAt        time.Time
	lastHealthCheckAt time.Time
	active            bool
	healthy           bool
	requestCount      int64
}

// ID returns the connection's pool-unique identifier.
func (c *Conn) ID() string { return c.id }

// Backend returns the leased client handle.
func (c *Conn) Backend() remote.Backend { return c.handle }

// RequestCount returns how many times the connection has been leased.
func (c *Conn) RequestCount() int64 { return c.requestCount }

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Total   int
	Active  int
	Idle    int
	Waiting int
}

// Pool multiplexes a bounded set of backend handles across callers.
type Pool struct {
	cfg     Config
	factory Factory

	mu      sync.Mutex
	conns   map[string]*Conn
	waiters []chan *Conn
	seq     int
	// reserved counts creation slots handed out while the factory runs
	// outside the lock, so concurrent acquires cannot overshoot MaxConns.
	reserved int
	closed   bool

	stopHealth chan struct{}
	healthDone chan struct{}
}

// New creates a pool and starts its health-check loop.
func New(cfg Config, factory Factory) (*Pool, error) {
	if cfg.MaxConns <= 0 {
		return nil, fmt.Errorf("pool: MaxConns must be positive, got %d", cfg.MaxConns)
	}
	if cfg.MinConns < 0 || cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("pool: MinConns %d out of range [0,%d]", cfg.MinConns, cfg.MaxConns)
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if factory == nil {
		return nil, errors.New("pool: factory is required")
	}

	p := &Pool{
		cfg:        cfg,
		factory:    factory,
		conns:      make(map[string]*Conn),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}

	if cfg.HealthCheckInterval > 0 {
		go p.healthLoop()
	} else {
		close(p.healthDone)
	}

	return p, nil
}

// Acquire leases a connection: an idle healthy one if available, a fresh one
// if below MaxConns, otherwise the caller parks FIFO until Release hands one
// over or the acquire timeout fires.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Reuse an idle healthy connection.
	if conn := p.idleConnLocked(); conn != nil {
		p.leaseLocked(conn)
		p.mu.Unlock()
		return conn, nil
	}

	// Create a fresh one if under the bound.
	if len(p.conns)+p.reserved < p.cfg.MaxConns {
		p.reserved++
		p.mu.Unlock()
		return p.create(ctx)
	}

	// Park on the FIFO wait queue.
	waiter := make(chan *Conn, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn, ok := <-waiter:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-ctx.Done():
		p.abandonWaiter(waiter)
		return nil, fmt.Errorf("pool: acquire canceled: %w", ctx.Err())
	case <-timer.C:
		p.abandonWaiter(waiter)
		logging.Warn("connection acquire timed out",
			logging.Operation("acquire"),
			slog.Duration("timeout", p.cfg.AcquireTimeout),
		)
		return nil, ErrAcquireTimeout
	}
}

// Release returns a leased connection. If a waiter is parked, the connection
// is handed directly to the oldest one instead of going idle.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	conn.active = false
	conn.lastUsedAt = time.Now()

	if p.closed {
		delete(p.conns, conn.id)
		p.mu.Unlock()
		return
	}

	if !conn.healthy {
		// Never hand an unhealthy connection to a waiter. The freed slot is
		// refilled on the waiter's behalf so it does not starve.
		delete(p.conns, conn.id)
		replace := p.reserveForWaiterLocked()
		p.mu.Unlock()
		logging.Debug("dropped unhealthy connection on release", logging.Conn(conn.id))
		if replace {
			go p.replaceForWaiter()
		}
		return
	}

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leaseLocked(conn)
		p.mu.Unlock()
		waiter <- conn
		return
	}
	p.mu.Unlock()
}

// WithConn acquires a connection, invokes fn, and guarantees release on every
// exit path.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Total: len(p.conns), Waiting: len(p.waiters)}
	for _, c := range p.conns {
		if c.active {
			s.Active++
		} else {
			s.Idle++
		}
	}
	return s
}

// Close shuts the pool down: waiters are rejected, handles dropped, and the
// health loop stopped. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	close(p.stopHealth)
	<-p.healthDone

	logging.Debug("pool closed", logging.Operation("close"))
}

// idleConnLocked returns an idle healthy connection, or nil.
// Caller must hold p.mu.
func (p *Pool) idleConnLocked() *Conn {
	for _, c := range p.conns {
		if !c.active && c.healthy {
			return c
		}
	}
	return nil
}

// leaseLocked marks a connection active. Caller must hold p.mu.
func (p *Pool) leaseLocked(conn *Conn) {
	conn.active = true
	conn.lastUsedAt = time.Now()
	conn.requestCount++
}

// create builds a new connection against a reserved slot.
func (p *Pool) create(ctx context.Context) (*Conn, error) {
	handle, err := p.factory(ctx)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: failed to create connection: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	p.seq++
	now := time.Now()
	conn := &Conn{
		id:        fmt.Sprintf("conn-%d", p.seq),
		handle:    handle,
		createdAt: now,
		healthy:   true,
	}
	p.conns[conn.id] = conn
	p.leaseLocked(conn)
	p.mu.Unlock()

	logging.Debug("created connection", logging.Conn(conn.id))
	return conn, nil
}

// abandonWaiter removes a parked waiter. If a hand-off raced the timeout, the
// delivered connection is put back into circulation.
func (p *Pool) abandonWaiter(waiter chan *Conn) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not in the queue anymore: whoever popped the waiter is committed to
	// sending on it (Release) or closing it (Close), so the receive must
	// block — a non-blocking receive here would strand the hand-off, leaving
	// the connection marked active forever.
	conn, ok := <-waiter
	if ok {
		p.Release(conn)
	}
}

// reserveForWaiterLocked reserves a creation slot when a parked waiter can be
// served by a fresh connection. Caller must hold p.mu.
func (p *Pool) reserveForWaiterLocked() bool {
	if len(p.waiters) == 0 || len(p.conns)+p.reserved >= p.cfg.MaxConns {
		return false
	}
	p.reserved++
	return true
}

// replaceForWaiter fills a freed slot on behalf of a parked waiter. The fresh
// connection goes through Release, which hands it to the oldest waiter (or
// idles it if every waiter gave up meanwhile). On factory failure the slot is
// simply released; the waiter falls back to its acquire timeout.
func (p *Pool) replaceForWaiter() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()

	conn, err := p.create(ctx)
	if err != nil {
		logging.Warn("failed to replace dropped connection",
			logging.Operation("replace"),
			logging.Err(err),
		)
		return
	}
	p.Release(conn)
}

// healthLoop runs eviction and liveness probes on a fixed tick.
func (p *Pool) healthLoop() {
	defer close(p.healthDone)

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.healthCheck()
		}
	}
}

// healthCheck evicts over-age and over-idle connections and probes the rest.
// Active connections are never touched.
func (p *Pool) healthCheck() {
	now := time.Now()

	p.mu.Lock()
	var toProbe []*Conn
	for id, c := range p.conns {
		if c.active {
			continue
		}
		if p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > p.cfg.MaxLifetime {
			delete(p.conns, id)
			logging.Debug("evicted connection past max lifetime", logging.Conn(id))
			continue
		}
		if p.cfg.IdleTimeout > 0 && now.Sub(c.lastUsedAt) > p.cfg.IdleTimeout && len(p.conns) > p.cfg.MinConns {
			delete(p.conns, id)
			logging.Debug("evicted idle connection", logging.Conn(id))
			continue
		}
		toProbe = append(toProbe, c)
	}
	p.mu.Unlock()

	for _, c := range toProbe {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
		err := c.handle.Ping(ctx)
		cancel()

		p.mu.Lock()
		c.lastHealthCheckAt = time.Now()
		if err != nil {
			c.healthy = false
			// A connection that went active between the scan and the probe
			// result is dropped on release instead.
			if !c.active {
				delete(p.conns, c.id)
			}
			p.mu.Unlock()
			logging.Warn("connection failed health check",
				logging.Conn(c.id),
				logging.Err(err),
			)
			continue
		}
		c.healthy = true
		p.mu.Unlock()
	}

	// Eviction may have freed slots while callers are parked; refill them so
	// waiters are not left to time out against spare capacity.
	p.mu.Lock()
	refills := min(len(p.waiters), p.cfg.MaxConns-len(p.conns)-p.reserved)
	if refills > 0 {
		p.reserved += refills
	}
	p.mu.Unlock()
	for i := 0; i < refills; i++ {
		go p.replaceForWaiter()
	}
}

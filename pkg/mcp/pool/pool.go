// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool implements the bounded MCP connection pool (C12): a cache
// of live protocol clients with health-checked eviction, idle reaping,
// and exponential dial backoff per endpoint. All entry-table mutations
// happen under a single mutex; waiters are woken by a release signal.
package pool

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/workflow-engine/pkg/breaker"
	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/mcp/client"
	"github.com/tombee/workflow-engine/pkg/retry"
)

// Conn is the capability the pool manages: a live, initialized MCP
// session. Both the engine's own protocol client and the mcp-go-backed
// stdio client satisfy it.
type Conn interface {
	// CallTool invokes a named tool on the server this connection is
	// bound to.
	CallTool(ctx context.Context, name string, arguments map[string]any) (*client.ToolResult, error)
	// Healthy reports whether the session can still serve calls,
	// without performing I/O.
	Healthy() bool
	// Close tears the session down.
	Close() error
}

// Factory dials and initializes a fresh connection to the pool's
// endpoint. It may block on the transport handshake.
type Factory func(ctx context.Context) (Conn, error)

// EntryState tracks where a pool entry is in its lease lifecycle.
type EntryState int

const (
	Idle EntryState = iota
	InUse
	Unhealthy
)

func (s EntryState) String() string {
	switch s {
	case Idle:
		return "idle"
	case InUse:
		return "in_use"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Config sizes and times the pool.
type Config struct {
	// Endpoint identifies the server this pool dials, for errors and
	// logs.
	Endpoint string

	// MinSize is the number of connections the health loop keeps warm.
	MinSize int

	// MaxSize bounds the total connections, in-use plus idle.
	MaxSize int

	// AcquireTimeout bounds how long Acquire waits for a free entry
	// once the pool is at MaxSize.
	AcquireTimeout time.Duration

	// HealthCheckInterval is how often the background loop probes Idle
	// entries. Zero disables the loop.
	HealthCheckInterval time.Duration

	// IdleEvictAfter closes Idle entries unused for this long. Zero
	// disables idle eviction.
	IdleEvictAfter time.Duration

	// DialBackoff schedules re-dial delays after a failed connection
	// attempt, sharing its shape with the engine's retry policy.
	DialBackoff retry.Policy

	// Breaker, when non-nil, gates dial attempts so repeated connection
	// failures escalate into the endpoint's circuit breaker. Callers
	// typically share one breaker between the pool and the node adapter
	// invoking tools on the same endpoint.
	Breaker *breaker.Breaker
}

type entry struct {
	conn     Conn
	state    EntryState
	lastUsed time.Time
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLogger sets the structured logger the pool reports lifecycle
// events to. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithMeter enables OpenTelemetry counters for acquires, exhaustions,
// and evictions.
func WithMeter(meter metric.Meter) Option {
	return func(p *Pool) {
		p.acquiredCounter, _ = meter.Int64Counter("engine_pool_acquired_total")
		p.exhaustedCounter, _ = meter.Int64Counter("engine_pool_exhausted_total")
		p.evictedCounter, _ = meter.Int64Counter("engine_pool_evicted_total")
	}
}

// Pool is a bounded collection of live connections to one endpoint.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	entries []*entry
	dialing int
	closed  bool

	// released is a capacity-1 wake signal: a release or eviction sends
	// one token, and any single waiter re-examines the table.
	released chan struct{}
	stopped  chan struct{}

	// Dial backoff state for the endpoint: consecutive failures and the
	// earliest instant the next attempt may start.
	dialFailures int
	nextDialAt   time.Time

	acquiredCounter  metric.Int64Counter
	exhaustedCounter metric.Int64Counter
	evictedCounter   metric.Int64Counter
}

// New constructs a Pool and starts its health-check loop. factory is
// invoked lazily: no connection is dialed until the first Acquire or the
// first health-loop top-up to MinSize.
func New(cfg Config, factory Factory, opts ...Option) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.DialBackoff.MaxAttempts == 0 {
		cfg.DialBackoff = retry.Default()
	}

	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		logger:   slog.Default(),
		released: make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.HealthCheckInterval > 0 {
		go p.healthLoop()
	}
	return p
}

// Guard is a lease on one pool entry. Callers must Release it exactly
// once; nested acquisition from the same goroutine is not supported and
// deadlocks under max-size pressure.
type Guard struct {
	p         *Pool
	e         *entry
	unhealthy bool
	released  bool
}

// Conn returns the leased connection.
func (g *Guard) Conn() Conn { return g.e.conn }

// MarkUnhealthy tells the pool the caller observed a failure on this
// connection; on Release the entry is closed and removed instead of
// returning to Idle.
func (g *Guard) MarkUnhealthy() { g.unhealthy = true }

// Release returns the entry to the pool. Calls after the first are
// no-ops.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.p.release(g.e, g.unhealthy)
}

// Acquire returns a lease on an idle connection, dialing a new one if
// the pool is below MaxSize, or waiting up to AcquireTimeout for a
// release otherwise. It fails with PoolExhaustedError on timeout.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()

	for {
		guard, wait, err := p.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if guard != nil {
			if p.acquiredCounter != nil {
				p.acquiredCounter.Add(ctx, 1)
			}
			return guard, nil
		}

		select {
		case <-p.released:
			// re-examine the table
		case <-wait:
			// dial backoff elapsed; retry the dial path
		case <-deadline.C:
			if p.exhaustedCounter != nil {
				p.exhaustedCounter.Add(ctx, 1)
			}
			p.logger.Warn("pool acquire timed out",
				"endpoint", p.cfg.Endpoint, "timeout", p.cfg.AcquireTimeout)
			return nil, &engineerrors.PoolExhaustedError{
				Endpoint: p.cfg.Endpoint,
				Timeout:  p.cfg.AcquireTimeout.String(),
			}
		case <-ctx.Done():
			return nil, &engineerrors.CancelledError{Operation: "pool acquire"}
		}
	}
}

// tryAcquire makes one pass over the entry table: hand out an Idle
// healthy entry, or dial if below MaxSize and past any backoff window.
// When neither is possible it returns a nil guard and a channel that
// fires when the dial backoff window (if any) elapses.
func (p *Pool) tryAcquire(ctx context.Context) (*Guard, <-chan time.Time, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, nil, &engineerrors.TransportError{
			Endpoint: p.cfg.Endpoint,
			Cause:    context.Canceled,
		}
	}

	for _, e := range p.entries {
		if e.state != Idle {
			continue
		}
		if !e.conn.Healthy() {
			p.evictLocked(e, "failed health probe on acquire")
			continue
		}
		e.state = InUse
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return &Guard{p: p, e: e}, nil, nil
	}

	if len(p.entries)+p.dialing < p.cfg.MaxSize {
		now := time.Now()
		if now.Before(p.nextDialAt) {
			wait := time.After(p.nextDialAt.Sub(now))
			p.mu.Unlock()
			return nil, wait, nil
		}
		p.dialing++
		p.mu.Unlock()

		conn, err := p.dial(ctx)

		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.dialFailures++
			if delay, ok := p.cfg.DialBackoff.NextDelay(p.dialFailures); ok {
				p.nextDialAt = time.Now().Add(delay)
			} else if d := p.cfg.DialBackoff.MaxDelay; d > 0 {
				p.nextDialAt = time.Now().Add(d)
			}
			p.mu.Unlock()
			p.logger.Warn("pool dial failed",
				"endpoint", p.cfg.Endpoint, "consecutive_failures", p.dialFailures, "error", err)
			var open *engineerrors.CircuitOpenError
			if stderrors.As(err, &open) {
				return nil, nil, err
			}
			return nil, nil, &engineerrors.TransportError{Endpoint: p.cfg.Endpoint, Cause: err}
		}
		p.dialFailures = 0
		p.nextDialAt = time.Time{}
		e := &entry{conn: conn, state: InUse, lastUsed: time.Now()}
		p.entries = append(p.entries, e)
		p.mu.Unlock()
		p.logger.Debug("pool dialed connection",
			"endpoint", p.cfg.Endpoint, "size", len(p.entries))
		return &Guard{p: p, e: e}, nil, nil
	}

	p.mu.Unlock()
	return nil, nil, nil
}

// dial invokes the factory, routed through the endpoint breaker when one
// is configured.
func (p *Pool) dial(ctx context.Context) (Conn, error) {
	if p.cfg.Breaker == nil {
		return p.factory(ctx)
	}
	return breaker.Execute(ctx, p.cfg.Breaker, func(ctx context.Context) (Conn, error) {
		return p.factory(ctx)
	})
}

// release transitions an entry back to Idle, or closes and removes it if
// the lease holder observed a failure or the connection reports
// unhealthy.
func (p *Pool) release(e *entry, unhealthy bool) {
	p.mu.Lock()
	if unhealthy || !e.conn.Healthy() {
		p.evictLocked(e, "unhealthy on release")
	} else {
		e.state = Idle
		e.lastUsed = time.Now()
	}
	p.mu.Unlock()

	select {
	case p.released <- struct{}{}:
	default:
	}
}

// evictLocked closes and removes e from the table. Caller holds p.mu.
func (p *Pool) evictLocked(e *entry, reason string) {
	e.state = Unhealthy
	_ = e.conn.Close()
	for i, cand := range p.entries {
		if cand == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	if p.evictedCounter != nil {
		p.evictedCounter.Add(context.Background(), 1)
	}
	p.logger.Debug("pool evicted connection",
		"endpoint", p.cfg.Endpoint, "reason", reason, "size", len(p.entries))
}

// healthLoop periodically probes Idle entries, evicts the unhealthy and
// the long-idle, and tops the pool back up to MinSize.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopped:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep performs one health pass.
func (p *Pool) sweep() {
	p.mu.Lock()
	var toEvict []*entry
	now := time.Now()
	for _, e := range p.entries {
		if e.state != Idle {
			continue
		}
		if !e.conn.Healthy() {
			toEvict = append(toEvict, e)
			continue
		}
		if p.cfg.IdleEvictAfter > 0 && now.Sub(e.lastUsed) > p.cfg.IdleEvictAfter {
			toEvict = append(toEvict, e)
		}
	}
	for _, e := range toEvict {
		p.evictLocked(e, "health sweep")
	}
	deficit := p.cfg.MinSize - len(p.entries)
	canDial := !now.Before(p.nextDialAt)
	p.mu.Unlock()

	if len(toEvict) > 0 {
		select {
		case p.released <- struct{}{}:
		default:
		}
	}

	if deficit <= 0 || !canDial {
		return
	}
	for i := 0; i < deficit; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		conn, err := p.dial(ctx)
		cancel()

		p.mu.Lock()
		if err != nil {
			p.dialFailures++
			if delay, ok := p.cfg.DialBackoff.NextDelay(p.dialFailures); ok {
				p.nextDialAt = time.Now().Add(delay)
			}
			p.mu.Unlock()
			p.logger.Warn("pool warm-up dial failed", "endpoint", p.cfg.Endpoint, "error", err)
			return
		}
		p.dialFailures = 0
		if p.closed || len(p.entries) >= p.cfg.MaxSize {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.entries = append(p.entries, &entry{conn: conn, state: Idle, lastUsed: time.Now()})
		p.mu.Unlock()
	}
}

// Size reports the current number of pooled connections, in-use plus
// idle.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close shuts the pool down, closing every pooled connection, including
// those currently leased out. Releasing such a lease afterwards does not
// return it to the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	close(p.stopped)
	for _, e := range entries {
		_ = e.conn.Close()
	}
	return nil
}

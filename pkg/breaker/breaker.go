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

// Package breaker implements a three-state (closed/open/half-open) circuit
// breaker gating a protected call. Unlike a rate-based adaptive breaker,
// this one trips on fixed failure/success count thresholds, matching the
// contract external-MCP callers depend on.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
)

// State is one of the breaker's three modes.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures the thresholds and timing of a breaker.
type Config struct {
	// Name identifies the breaker in metrics and errors.
	Name string

	// FailureThreshold is the number of consecutive failures in Closed
	// state that trips the breaker to Open.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in
	// HalfOpen state required to return to Closed.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays Open before allowing a
	// HalfOpen probe.
	OpenTimeout time.Duration

	// HalfOpenPermits bounds the number of concurrent trial calls
	// admitted while HalfOpen.
	HalfOpenPermits int
}

// Breaker is a mutex-guarded state machine. The zero value is not usable;
// construct with New.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastTransitionAt time.Time
	halfOpenInFlight int

	openCounter     metric.Int64Counter
	closedCounter   metric.Int64Counter
	rejectedCounter metric.Int64Counter
}

// New constructs a Breaker in the Closed state. meter may be nil, in which
// case no metrics are recorded.
func New(cfg Config, meter metric.Meter) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenPermits <= 0 {
		cfg.HalfOpenPermits = 1
	}
	b := &Breaker{
		cfg:              cfg,
		state:            Closed,
		lastTransitionAt: time.Now(),
	}
	if meter != nil {
		b.openCounter, _ = meter.Int64Counter("engine_circuit_open_total")
		b.closedCounter, _ = meter.Int64Counter("engine_circuit_closed_total")
		b.rejectedCounter, _ = meter.Int64Counter("engine_circuit_rejected_total")
	}
	return b
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow checks (and, for the HalfOpen-permit and Open->HalfOpen transition
// cases, mutates) breaker state to decide whether a call may proceed. It
// returns a release function to call with the call's outcome, or an error
// if the call must be rejected.
func (b *Breaker) allow(ctx context.Context) (release func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if time.Since(b.lastTransitionAt) < b.cfg.OpenTimeout {
			b.recordRejected(ctx)
			return nil, &engineerrors.CircuitOpenError{Name: b.cfg.Name}
		}
		b.transitionLocked(HalfOpen)
	}

	switch b.state {
	case Closed:
		return func(success bool) { b.onResult(success) }, nil

	default: // HalfOpen
		if b.halfOpenInFlight >= b.cfg.HalfOpenPermits {
			b.recordRejected(ctx)
			return nil, &engineerrors.CircuitOpenError{Name: b.cfg.Name}
		}
		b.halfOpenInFlight++
		return func(success bool) {
			b.mu.Lock()
			// A transition while this probe was in flight resets the
			// permit count; don't decrement past zero.
			if b.halfOpenInFlight > 0 {
				b.halfOpenInFlight--
			}
			b.mu.Unlock()
			b.onResult(success)
		}, nil
	}
}

func (b *Breaker) recordRejected(ctx context.Context) {
	if b.rejectedCounter != nil {
		b.rejectedCounter.Add(ctx, 1)
	}
}

func (b *Breaker) onResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			b.failureCount = 0
			return
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}

	case HalfOpen:
		if !success {
			b.transitionLocked(Open)
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed)
		}
	}
}

func (b *Breaker) transitionLocked(to State) {
	b.state = to
	b.lastTransitionAt = time.Now()
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0

	ctx := context.Background()
	switch to {
	case Open:
		if b.openCounter != nil {
			b.openCounter.Add(ctx, 1)
		}
	case Closed:
		if b.closedCounter != nil {
			b.closedCounter.Add(ctx, 1)
		}
	}
}

// Execute runs op if the breaker admits the call, recording the outcome.
// If the breaker rejects the call, op is never invoked and a
// CircuitOpenError is returned.
func Execute[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	release, err := b.allow(ctx)
	if err != nil {
		return zero, err
	}

	result, opErr := op(ctx)
	release(opErr == nil)
	if opErr != nil {
		return zero, opErr
	}
	return result, nil
}

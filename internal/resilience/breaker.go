// Package resilience drives requests through the fallback chain with
// retry, backoff and per-model circuit breaking.
package resilience

import (
	"sync"
	"time"

	"routegate/internal/domain"
)

// CircuitState is the breaker state for one model.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

type circuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
}

// BreakerSet holds one circuit per model. The lock is never held
// across a provider call.
type BreakerSet struct {
	mu        sync.Mutex
	circuits  map[domain.Model]*circuit
	threshold int
	recovery  time.Duration
	clock     domain.Clock
}

// NewBreakerSet creates a breaker set. threshold is the consecutive
// failure count that opens a circuit; recovery is the open duration
// before a half-open probe is allowed.
func NewBreakerSet(threshold int, recovery time.Duration, clock domain.Clock) *BreakerSet {
	return &BreakerSet{
		circuits:  make(map[domain.Model]*circuit),
		threshold: threshold,
		recovery:  recovery,
		clock:     clock,
	}
}

func (b *BreakerSet) get(m domain.Model) *circuit {
	c, ok := b.circuits[m]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[m] = c
	}
	return c
}

// Allow reports whether a call to the model may proceed. An open
// circuit past its recovery timeout transitions to half-open and
// admits one probe.
func (b *BreakerSet) Allow(m domain.Model) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(m)
	switch c.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) > b.recovery {
			c.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes a half-open circuit and decrements the failure
// counter toward zero.
func (b *BreakerSet) RecordSuccess(m domain.Model) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(m)
	if c.state == StateHalfOpen {
		c.state = StateClosed
		c.failures = 0
		return
	}
	if c.failures > 0 {
		c.failures--
	}
}

// RecordFailure bumps the failure counter and opens the circuit at
// the threshold. A failed half-open probe reopens immediately.
func (b *BreakerSet) RecordFailure(m domain.Model) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(m)
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.state = StateOpen
		c.openedAt = b.clock.Now()
	}
}

// State returns the current state for a model.
func (b *BreakerSet) State(m domain.Model) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(m).state
}

// States snapshots all tracked circuits.
func (b *BreakerSet) States() map[domain.Model]CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[domain.Model]CircuitState, len(b.circuits))
	for m, c := range b.circuits {
		out[m] = c.state
	}
	return out
}

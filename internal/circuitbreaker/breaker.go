// Package circuitbreaker stops calls to endpoints that keep failing.
// Each key tracks consecutive failures; past the threshold the circuit
// opens and calls are refused until a cooldown passes, after which a
// single probe decides whether to close again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one key's circuit.
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
	}
	return "unknown"
}

var trips = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peervault",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Circuit state transitions by key and destination state.",
}, []string{"key", "to"})

func init() {
	prometheus.MustRegister(trips)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New builds a breaker that opens a key after threshold consecutive
// failures and holds it open for cooldown before probing.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (b *Breaker) WithClock(now func() time.Time) { b.now = now }

// Allow reports whether a call to key may proceed. An open circuit
// whose cooldown has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case Open:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			b.shift(key, c, HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		// A probe is already in flight.
		return false
	}
	return true
}

// Success resets the failure count and closes a half-open circuit.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == HalfOpen {
		b.shift(key, c, Closed)
	}
}

// Failure counts a failed call, opening the circuit at the threshold.
// A failed half-open probe reopens immediately.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == HalfOpen || (c.state == Closed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.shift(key, c, Open)
	}
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return Closed
}

// Forget drops a key's circuit, e.g. when its subscription is removed.
func (b *Breaker) Forget(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, key)
}

func (b *Breaker) shift(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	trips.WithLabelValues(key, to.String()).Inc()
}

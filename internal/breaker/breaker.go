// Package breaker implements per-agent circuit breakers shared across all
// concurrent runs. A breaker tracks consecutive execution failures for one
// agent name and gates dispatch once the threshold is crossed.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config controls when a breaker opens and how long it stays open.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// CoolDown is how long an open breaker rejects dispatch before allowing
	// a single half-open trial.
	CoolDown time.Duration
}

// DefaultConfig matches the production defaults: five consecutive failures,
// thirty-second cool-down.
func DefaultConfig() Config {
	return Config{Threshold: 5, CoolDown: 30 * time.Second}
}

// Breaker is the gate for one agent name. Safe for concurrent use; it is
// shared by every run that dispatches the agent.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	lastFailure time.Time
	trialOpen   bool // a half-open trial dispatch is in flight
}

func newBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a dispatch may proceed. When the breaker is Open and
// the cool-down has elapsed it transitions to HalfOpen and grants exactly
// one trial; further calls are rejected until the trial's outcome is
// recorded or released.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailure) < b.cfg.CoolDown {
			return false
		}
		b.state = HalfOpen
		b.trialOpen = true
		return true
	case HalfOpen:
		if b.trialOpen {
			return false
		}
		b.trialOpen = true
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
	b.trialOpen = false
}

// RecordFailure increments the consecutive-failure count and opens the
// breaker once the threshold is crossed. A failed half-open trial reopens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	b.trialOpen = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
}

// Release abandons a half-open trial whose outcome is unknown (run
// cancelled mid-flight). The breaker returns to Open without counting a
// failure, so another trial is allowed after the cool-down.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.state = Open
		b.lastFailure = time.Now()
	}
	b.trialOpen = false
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Bank holds one breaker per agent name, created lazily. Process-wide: it
// outlives any single run.
type Bank struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewBank creates a Bank with the given per-breaker config.
func NewBank(cfg Config) *Bank {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultConfig().CoolDown
	}
	return &Bank{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for an agent name, creating it Closed on first use.
func (bk *Bank) Get(name string) *Breaker {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	b, ok := bk.breakers[name]
	if !ok {
		b = newBreaker(bk.cfg)
		bk.breakers[name] = b
	}
	return b
}

package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
)

// State represents the state of a per-route circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned while a circuit is open and its recovery timeout has
// not elapsed. The message is part of the operational contract; dashboards
// and the fallback controller branch on the error kind, not the text.
var ErrOpen = relaycore.NewError(relaycore.KindCircuitOpen, "circuit breaker is open")

// Config configures circuit behavior. The same thresholds apply to every
// route key.
type Config struct {
	// Consecutive failures before the circuit opens.
	FailureThreshold int `yaml:"failure_threshold"`

	// How long an open circuit rejects calls before admitting trials.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// Trial calls admitted while half-open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// DefaultConfig returns the default circuit breaker configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Metrics is a read snapshot of one route's circuit.
type Metrics struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	Trips               int64     `json:"trips"`
}

type circuit struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenCalls       int
	totalCalls          int64
	totalFailures       int64
	totalSuccesses      int64
	trips               int64
}

// Breaker is a per-route-key availability gate. Circuits are created lazily
// on first reference and live for the lifetime of the breaker. All state
// transitions for a key happen under one lock, so two concurrent failures
// cannot both discover the threshold crossing and double-trip.
type Breaker struct {
	config *Config
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a breaker with the given configuration.
func New(config *Config, logger *zap.SugaredLogger) *Breaker {
	return NewWithClock(config, logger, clock.New())
}

// NewWithClock creates a breaker on an injected clock so callers that own
// their own mock clock share it with the circuits.
func NewWithClock(config *Config, logger *zap.SugaredLogger, clk clock.Clock) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config:   config,
		clock:    clk,
		logger:   logger,
		circuits: make(map[string]*circuit),
	}
}

func (b *Breaker) circuitLocked(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}

// Allow reports whether a call to the route may proceed. An expired open
// circuit transitions to half-open and admits a bounded number of trials.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked(key)
}

func (b *Breaker) allowLocked(key string) bool {
	c := b.circuitLocked(key)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) >= b.config.RecoveryTimeout {
			c.state = StateHalfOpen
			c.halfOpenCalls = 1
			b.logger.Infow("Circuit breaker half-open", "key", key)
			return true
		}
		return false
	case StateHalfOpen:
		if c.halfOpenCalls < b.config.HalfOpenMaxCalls {
			c.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the consecutive-failure count and closes the
// circuit if it was open or half-open.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	c.totalCalls++
	c.totalSuccesses++
	c.consecutiveFailures = 0
	if c.state != StateClosed {
		c.state = StateClosed
		c.openedAt = time.Time{}
		c.halfOpenCalls = 0
		b.logger.Infow("Circuit breaker closed", "key", key)
	}
}

// RecordFailure increments the consecutive-failure count and opens the
// circuit once the threshold is reached. A half-open failure reopens with a
// fresh timer. Returns true when this failure tripped the circuit.
func (b *Breaker) RecordFailure(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	c.totalCalls++
	c.totalFailures++
	c.consecutiveFailures++

	tripped := false
	switch c.state {
	case StateClosed:
		if c.consecutiveFailures >= b.config.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.clock.Now()
			c.trips++
			tripped = true
			b.logger.Warnw("Circuit breaker opened",
				"key", key, "consecutive_failures", c.consecutiveFailures)
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.clock.Now()
		c.halfOpenCalls = 0
		c.trips++
		tripped = true
		b.logger.Warnw("Circuit breaker reopened after trial failure", "key", key)
	}
	return tripped
}

// Execute runs fn when the circuit admits the call and records the outcome.
// While the circuit is open and unexpired it fails immediately with ErrOpen.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// IsOpen reports whether the circuit currently rejects calls. An expired
// open circuit counts as not open since the next call would be admitted.
func (b *Breaker) IsOpen(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return false
	}
	if c.state != StateOpen {
		return false
	}
	return b.clock.Now().Sub(c.openedAt) < b.config.RecoveryTimeout
}

// Metrics returns a snapshot for one route key.
func (b *Breaker) Metrics(key string) Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	return Metrics{
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		OpenedAt:            c.openedAt,
		TotalCalls:          c.totalCalls,
		TotalFailures:       c.totalFailures,
		TotalSuccesses:      c.totalSuccesses,
		Trips:               c.trips,
	}
}

// AllMetrics returns snapshots for every known route key.
func (b *Breaker) AllMetrics() map[string]Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Metrics, len(b.circuits))
	for key, c := range b.circuits {
		out[key] = Metrics{
			State:               c.state,
			ConsecutiveFailures: c.consecutiveFailures,
			OpenedAt:            c.openedAt,
			TotalCalls:          c.totalCalls,
			TotalFailures:       c.totalFailures,
			TotalSuccesses:      c.totalSuccesses,
			Trips:               c.trips,
		}
	}
	return out
}

// ForceClose closes the circuit for a key and clears its failure count.
func (b *Breaker) ForceClose(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(key)
	c.state = StateClosed
	c.consecutiveFailures = 0
	c.openedAt = time.Time{}
	c.halfOpenCalls = 0
	b.logger.Infow("Circuit breaker force-closed", "key", key)
}

// ResetAll closes every circuit and clears all failure counts. Cumulative
// totals are preserved.
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.circuits {
		c.state = StateClosed
		c.consecutiveFailures = 0
		c.openedAt = time.Time{}
		c.halfOpenCalls = 0
	}
	b.logger.Infow("All circuit breakers reset", "circuits", len(b.circuits))
}

// Package breaker implements the circuit breaker protecting calls to an
// unreliable upstream dependency. One Breaker guards exactly one logical
// dependency: it tracks consecutive failures, refuses calls once the failure
// threshold is crossed, and probes the dependency again after a cool-down.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dkrall/relaycore/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; limited calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// latencyWindow is the number of response time samples retained for the
// average response time metric.
const latencyWindow = 100

// Config holds the circuit breaker parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures in closed state
	// before the breaker trips to open. A failure while half-open trips
	// immediately regardless of this value.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before the next
	// call is admitted as a half-open probe.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// HalfOpenMaxCalls bounds the number of probe calls admitted while
	// half-open. It doubles as the number of consecutive probe successes
	// required to close the breaker again.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	// MonitoringPeriod is the interval at which the Monitor logs metrics,
	// and the normalization window for the requests-per-second metric.
	MonitoringPeriod time.Duration `yaml:"monitoring_period" json:"monitoring_period"`

	// EnableMetrics toggles periodic metrics logging via Monitor.
	EnableMetrics *bool `yaml:"enable_metrics" json:"enable_metrics"`
}

// MetricsEnabled returns whether periodic metrics logging is enabled
// (defaults to true).
func (c Config) MetricsEnabled() bool {
	if c.EnableMetrics == nil {
		return true
	}
	return *c.EnableMetrics
}

// withDefaults fills zero-valued fields with the default parameters.
func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.MonitoringPeriod == 0 {
		c.MonitoringPeriod = time.Minute
	}
	return c
}

// Listener is invoked after every recorded success, failure, and forced or
// automatic state change. A panicking listener is isolated and logged; it
// never affects the breaker or other listeners.
type Listener func(State, Stats)

// Breaker is a consecutive-failure circuit breaker. All methods are safe for
// concurrent use; bookkeeping runs under a single mutex so no two updates
// interleave. The wrapped operation itself executes outside the lock, so any
// number of admitted calls may be in flight concurrently.
type Breaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	logger *slog.Logger

	state         State
	failureCount  int
	successCount  int
	halfOpenCalls int

	lastFailureAt time.Time
	lastSuccessAt time.Time
	nextRetryAt   time.Time // zero unless open

	totalRequests  uint64
	totalFailures  uint64
	totalSuccesses uint64

	latencies [latencyWindow]time.Duration
	latHead   int
	latCount  int

	stateChanges    uint64
	lastStateChange time.Time
	stateSince      time.Time

	listeners      map[int]Listener
	nextListenerID int

	nowFunc func() time.Time // for testing; defaults to time.Now
}

// New creates a Breaker for the named dependency. Zero-valued config fields
// take defaults (threshold 5, recovery 30s, half-open max 3, monitoring 1m).
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	now := time.Now()
	b := &Breaker{
		name:            name,
		cfg:             cfg.withDefaults(),
		logger:          logger,
		state:           StateClosed,
		lastStateChange: now,
		stateSince:      now,
		listeners:       make(map[int]Listener),
		nowFunc:         time.Now,
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name returns the name of the guarded dependency.
func (b *Breaker) Name() string { return b.name }

// Config returns the breaker's effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state. It does not trigger the open→half-open
// transition; that happens lazily on the next Execute call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op through the breaker. When the breaker disallows execution
// it returns a *OpenError without invoking op. Otherwise op runs and its
// error (or nil) is returned verbatim; the breaker only observes the outcome
// for counting. The breaker applies no timeout of its own — deadline
// enforcement belongs to the caller via ctx.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	b.mu.Lock()
	if !b.admit() {
		rejection := b.openErrorLocked()
		b.mu.Unlock()
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		return rejection
	}
	// totalRequests counts calls actually allowed through, never
	// short-circuited ones.
	b.totalRequests++
	if b.state == StateHalfOpen {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	start := b.now()
	err := op(ctx)
	latency := b.now().Sub(start)

	if err != nil {
		b.recordFailure(latency)
	} else {
		b.recordSuccess(latency)
	}
	return err
}

// admit reports whether a call may proceed, flipping open→half-open when the
// cool-down has elapsed. Must be called with b.mu held.
func (b *Breaker) admit() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.now().Before(b.nextRetryAt) {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return b.halfOpenCalls < b.cfg.HalfOpenMaxCalls
	default:
		return true
	}
}

// recordSuccess updates counters and transition logic after a successful call.
func (b *Breaker) recordSuccess(latency time.Duration) {
	b.mu.Lock()
	b.totalSuccesses++
	b.lastSuccessAt = b.now()
	b.recordLatency(latency)

	switch b.state {
	case StateClosed:
		// Failures do not accumulate across successes.
		b.failureCount = 0
		b.successCount++
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenMaxCalls {
			b.transitionTo(StateClosed)
		}
	}
	state, stats := b.state, b.statsLocked()
	b.mu.Unlock()

	b.notify(state, stats)
}

// recordFailure updates counters and transition logic after a failed call.
func (b *Breaker) recordFailure(latency time.Duration) {
	b.mu.Lock()
	b.totalFailures++
	b.lastFailureAt = b.now()
	b.recordLatency(latency)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
	state, stats := b.state, b.statsLocked()
	b.mu.Unlock()

	b.notify(state, stats)
}

// Reset forces the breaker back to closed and zeroes the lifetime counters
// and the latency buffer. Used for manual recovery and testing.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.transitionTo(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
	b.totalRequests = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.latHead = 0
	b.latCount = 0
	b.lastFailureAt = time.Time{}
	b.lastSuccessAt = time.Time{}
	state, stats := b.state, b.statsLocked()
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset", "dependency", b.name)
	b.notify(state, stats)
}

// ForceOpen trips the breaker open through the same transition logic as
// automatic failure detection. Calls are rejected until the recovery timeout
// elapses.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.transitionTo(StateOpen)
	state, stats := b.state, b.statsLocked()
	b.mu.Unlock()
	b.notify(state, stats)
}

// ForceClose closes the breaker through the same transition logic as a
// successful half-open recovery.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	b.transitionTo(StateClosed)
	state, stats := b.state, b.statsLocked()
	b.mu.Unlock()
	b.notify(state, stats)
}

// Subscribe registers a listener and returns its unsubscribe function.
func (b *Breaker) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.nextListenerID
	b.nextListenerID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// notify invokes all listeners with the given snapshot. Each listener runs
// under its own recover so one bad subscriber cannot break notification for
// the others or propagate into Execute's caller.
func (b *Breaker) notify(state State, stats Stats) {
	b.mu.Lock()
	fns := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("circuit breaker listener panicked",
						"dependency", b.name, "panic", r)
				}
			}()
			fn(state, stats)
		}()
	}
}

// transitionTo changes the breaker state, resetting the per-state counters
// and emitting metrics and logging. Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState
	now := b.now()
	b.stateChanges++
	b.lastStateChange = now
	b.stateSince = now

	switch newState {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenCalls = 0
		b.nextRetryAt = time.Time{}
	case StateOpen:
		b.nextRetryAt = now.Add(b.cfg.RecoveryTimeout)
		b.successCount = 0
		b.halfOpenCalls = 0
	case StateHalfOpen:
		b.successCount = 0
		b.halfOpenCalls = 0
	}

	metrics.BreakerStateChanges.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"dependency", b.name,
		"from", from.String(),
		"to", newState.String(),
	)
}

// recordLatency appends a response time sample to the ring buffer.
// Must be called with b.mu held.
func (b *Breaker) recordLatency(d time.Duration) {
	b.latencies[b.latHead] = d
	b.latHead = (b.latHead + 1) % latencyWindow
	if b.latCount < latencyWindow {
		b.latCount++
	}
}

// openErrorLocked builds the rejection error from the current state.
// Must be called with b.mu held.
func (b *Breaker) openErrorLocked() *OpenError {
	retryAfter := b.nextRetryAt.Sub(b.now())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &OpenError{
		Dependency:    b.name,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
		NextRetryAt:   b.nextRetryAt,
		RetryAfter:    retryAfter,
	}
}

func (b *Breaker) now() time.Time {
	if b.nowFunc != nil {
		return b.nowFunc()
	}
	return time.Now()
}

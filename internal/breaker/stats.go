package breaker

import "time"

// Stats is a point-in-time snapshot of a breaker's counters and timestamps.
// Reads are side-effect free: repeated snapshots without intervening calls
// are identical except for Uptime/Downtime, which measure wall-clock time
// spent in the current state.
type Stats struct {
	Dependency    string    `json:"dependency"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	HalfOpenCalls int       `json:"half_open_calls"`
	LastFailureAt time.Time `json:"last_failure_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	NextRetryAt   time.Time `json:"next_retry_at"`

	TotalRequests  uint64 `json:"total_requests"`
	TotalFailures  uint64 `json:"total_failures"`
	TotalSuccesses uint64 `json:"total_successes"`

	StateChanges    uint64    `json:"state_changes"`
	LastStateChange time.Time `json:"last_state_change"`

	// Uptime is the time spent in the current state when closed; Downtime is
	// the same measure when open or half-open. Exactly one of the two is
	// non-zero at any time.
	Uptime   time.Duration `json:"uptime"`
	Downtime time.Duration `json:"downtime"`
}

// Metrics holds derived health metrics for a breaker.
type Metrics struct {
	// FailureRate and SuccessRate are percentages of lifetime requests.
	// Both are 0 when no requests have been recorded.
	FailureRate float64 `json:"failure_rate"`
	SuccessRate float64 `json:"success_rate"`

	// AvgResponseTime is the mean over the latency ring buffer (last 100
	// samples); 0 when no samples exist.
	AvgResponseTime time.Duration `json:"avg_response_time"`

	// RequestsPerSecond is the lifetime request count normalized over the
	// configured monitoring period.
	RequestsPerSecond float64 `json:"requests_per_second"`

	StateChanges    uint64    `json:"state_changes"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Stats returns a snapshot of the breaker's current state and counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

// statsLocked builds a Stats snapshot. Must be called with b.mu held.
func (b *Breaker) statsLocked() Stats {
	s := Stats{
		Dependency:      b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		HalfOpenCalls:   b.halfOpenCalls,
		LastFailureAt:   b.lastFailureAt,
		LastSuccessAt:   b.lastSuccessAt,
		NextRetryAt:     b.nextRetryAt,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		StateChanges:    b.stateChanges,
		LastStateChange: b.lastStateChange,
	}
	inState := b.now().Sub(b.stateSince)
	if b.state == StateClosed {
		s.Uptime = inState
	} else {
		s.Downtime = inState
	}
	return s
}

// Metrics returns derived metrics for the breaker. Pure read, no side effects.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{
		StateChanges:    b.stateChanges,
		LastStateChange: b.lastStateChange,
		RequestsPerSecond: float64(b.totalRequests) /
			b.cfg.MonitoringPeriod.Seconds(),
	}
	if b.totalRequests > 0 {
		m.FailureRate = float64(b.totalFailures) / float64(b.totalRequests) * 100
		m.SuccessRate = float64(b.totalSuccesses) / float64(b.totalRequests) * 100
	}
	if b.latCount > 0 {
		var sum time.Duration
		for i := 0; i < b.latCount; i++ {
			sum += b.latencies[i]
		}
		m.AvgResponseTime = sum / time.Duration(b.latCount)
	}
	return m
}

// Healthy reports whether the dependency looks usable as an external
// health-check signal. It is intentionally more lenient than the admission
// check: closed state, a failure rate under 50%, or a success rate over 80%
// all count as healthy.
func (b *Breaker) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return true
	}
	var failureRate, successRate float64
	if b.totalRequests > 0 {
		failureRate = float64(b.totalFailures) / float64(b.totalRequests) * 100
		successRate = float64(b.totalSuccesses) / float64(b.totalRequests) * 100
	}
	if failureRate < 50 {
		return true
	}
	return b.successCount > 0 && successRate > 80
}

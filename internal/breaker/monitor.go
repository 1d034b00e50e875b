package breaker

import (
	"log/slog"
	"time"
)

// Monitor periodically logs a breaker's health metrics. It is an explicit
// resource: the owner must call Stop to release the underlying ticker.
type Monitor struct {
	b      *Breaker
	logger *slog.Logger
	stopCh chan struct{}
	done   chan struct{}
}

// StartMonitor begins logging metrics for b every MonitoringPeriod.
// Returns nil when metrics logging is disabled in the breaker's config.
func StartMonitor(b *Breaker, logger *slog.Logger) *Monitor {
	if !b.cfg.MetricsEnabled() {
		return nil
	}
	m := &Monitor{
		b:      b,
		logger: logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run(b.cfg.MonitoringPeriod)
	return m
}

// Stop terminates the monitoring loop. Safe to call on a nil Monitor and
// idempotent via the owner holding a single handle.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	close(m.stopCh)
	<-m.done
}

func (m *Monitor) run(period time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := m.b.Stats()
			metrics := m.b.Metrics()
			m.logger.Info("circuit breaker metrics",
				"dependency", stats.Dependency,
				"state", stats.State,
				"total_requests", stats.TotalRequests,
				"failure_rate_pct", metrics.FailureRate,
				"success_rate_pct", metrics.SuccessRate,
				"avg_response_time", metrics.AvgResponseTime,
				"requests_per_sec", metrics.RequestsPerSecond,
				"state_changes", stats.StateChanges,
			)
		case <-m.stopCh:
			return
		}
	}
}

package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dkrall/relaycore/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

var errUpstream = errors.New("upstream exploded")

// fakeClock lets tests advance the breaker's view of time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := New("orders-api", cfg, slog.Default())
	clock := newFakeClock()
	b.nowFunc = clock.Now
	return b, clock
}

func fail(b *Breaker) error {
	return b.Execute(context.Background(), func(context.Context) error { return errUpstream })
}

func succeed(b *Breaker) error {
	return b.Execute(context.Background(), func(context.Context) error { return nil })
}

func TestExecute_StartsClosedAndPassesResultThrough(t *testing.T) {
	b, _ := newTestBreaker(Config{})

	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
	if err := succeed(b); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := fail(b); !errors.Is(err, errUpstream) {
		t.Fatalf("expected operation error returned verbatim, got %v", err)
	}
}

func TestExecute_OpensAtExactlyFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	fail(b)
	fail(b)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after threshold-1 failures, got %v", b.State())
	}
	fail(b)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen at threshold, got %v", b.State())
	}

	s := b.Stats()
	if s.NextRetryAt.IsZero() {
		t.Fatal("open breaker must have a next retry time")
	}
}

func TestExecute_OpenRejectsWithoutInvoking(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second})
	fail(b)

	calls := 0
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	if calls != 0 {
		t.Fatalf("operation must not run while open, got %d calls", calls)
	}
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OpenError, got %v", err)
	}
	if !IsOpen(err) {
		t.Fatal("IsOpen should report true for rejection errors")
	}
	if oe.FailureCount != 1 {
		t.Errorf("FailureCount = %d, want 1", oe.FailureCount)
	}
	if oe.RetryAfter <= 0 || oe.RetryAfter > 30*time.Second {
		t.Errorf("RetryAfter = %v, want in (0, 30s]", oe.RetryAfter)
	}
	if oe.NextRetryAt.IsZero() || oe.LastFailureAt.IsZero() {
		t.Error("rejection must carry next retry and last failure timestamps")
	}

	// Rejections are not counted as requests.
	if got := b.Stats().TotalRequests; got != 1 {
		t.Errorf("TotalRequests = %d, want 1 (rejected call not counted)", got)
	}
}

func TestExecute_CoolDownAdmitsProbeAsHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second})
	fail(b)

	clock.Advance(9 * time.Second)
	if err := succeed(b); !IsOpen(err) {
		t.Fatalf("expected rejection before cool-down, got %v", err)
	}

	clock.Advance(2 * time.Second)
	var stateDuringProbe State
	err := b.Execute(context.Background(), func(context.Context) error {
		stateDuringProbe = b.State()
		return nil
	})
	if err != nil {
		t.Fatalf("probe should be admitted after cool-down, got %v", err)
	}
	if stateDuringProbe != StateHalfOpen {
		t.Fatalf("state must flip to half-open before the probe runs, got %v", stateDuringProbe)
	}
}

func TestExecute_HalfOpenClosesOnSustainedSuccess(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 3})
	fail(b)
	clock.Advance(2 * time.Second)

	succeed(b)
	succeed(b)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected still StateHalfOpen after 2 probe successes, got %v", b.State())
	}
	succeed(b)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after 3 probe successes, got %v", b.State())
	}

	s := b.Stats()
	if s.FailureCount != 0 || s.HalfOpenCalls != 0 {
		t.Errorf("counters not reset on close: failures=%d halfOpenCalls=%d", s.FailureCount, s.HalfOpenCalls)
	}
	if !s.NextRetryAt.IsZero() {
		t.Error("NextRetryAt must be cleared when closed")
	}
}

func TestExecute_HalfOpenReopensOnAnyFailure(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 3})
	fail(b)
	clock.Advance(2 * time.Second)

	succeed(b) // first probe ok
	before := b.Stats().NextRetryAt
	fail(b) // single probe failure reopens
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State())
	}
	if after := b.Stats().NextRetryAt; !after.After(before) {
		t.Errorf("reopening must compute a fresh NextRetryAt: before=%v after=%v", before, after)
	}
}

func TestExecute_HalfOpenProbeBudgetIsBounded(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 2})
	fail(b)
	clock.Advance(2 * time.Second)

	// Admit the probes without completing them: in-flight probes count
	// against the half-open budget at admission time.
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Execute(context.Background(), func(context.Context) error {
				<-release
				return nil
			})
		}()
	}

	// Wait for both probes to be admitted.
	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().HalfOpenCalls < 2 {
		if time.Now().After(deadline) {
			t.Fatal("probes were not admitted in time")
		}
		time.Sleep(time.Millisecond)
	}

	if err := succeed(b); !IsOpen(err) {
		t.Fatalf("expected rejection once probe budget is spent, got %v", err)
	}

	close(release)
	wg.Wait()
}

func TestExecute_SuccessResetsClosedFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	fail(b)
	fail(b)
	succeed(b)
	if got := b.Stats().FailureCount; got != 0 {
		t.Fatalf("FailureCount = %d after success, want 0", got)
	}

	// A fresh full threshold of failures is now required to open.
	fail(b)
	fail(b)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after 2 fresh failures, got %v", b.State())
	}
	fail(b)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after 3 fresh failures, got %v", b.State())
	}
}

func TestStatsAndMetrics_ReadsAreIdempotent(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5})
	fail(b)
	succeed(b)

	s1, s2 := b.Stats(), b.Stats()
	// Uptime moves with the wall clock; everything else must be identical.
	s1.Uptime, s2.Uptime = 0, 0
	s1.Downtime, s2.Downtime = 0, 0
	if s1 != s2 {
		t.Errorf("repeated Stats() differ:\n%+v\n%+v", s1, s2)
	}

	m1, m2 := b.Metrics(), b.Metrics()
	if m1 != m2 {
		t.Errorf("repeated Metrics() differ:\n%+v\n%+v", m1, m2)
	}
}

func TestMetrics_FailureRate(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 100})

	if got := b.Metrics().FailureRate; got != 0 {
		t.Fatalf("FailureRate = %v with no requests, want 0", got)
	}

	fail(b)
	fail(b)
	fail(b)
	succeed(b)

	m := b.Metrics()
	if m.FailureRate != 75 {
		t.Errorf("FailureRate = %v, want 75", m.FailureRate)
	}
	if m.SuccessRate != 25 {
		t.Errorf("SuccessRate = %v, want 25", m.SuccessRate)
	}
	if m.AvgResponseTime < 0 {
		t.Errorf("AvgResponseTime = %v, want >= 0", m.AvgResponseTime)
	}
}

func TestReset_ZeroesEverythingFromAnyState(t *testing.T) {
	for name, trip := range map[string]func(*Breaker){
		"from_open":   func(b *Breaker) { fail(b); fail(b) },
		"from_closed": func(b *Breaker) { fail(b) },
	} {
		t.Run(name, func(t *testing.T) {
			b, _ := newTestBreaker(Config{FailureThreshold: 2})
			trip(b)

			b.Reset()
			if b.State() != StateClosed {
				t.Fatalf("expected StateClosed after Reset, got %v", b.State())
			}
			s := b.Stats()
			if s.TotalRequests != 0 || s.TotalFailures != 0 || s.TotalSuccesses != 0 {
				t.Errorf("lifetime counters not zeroed: %+v", s)
			}
			if s.FailureCount != 0 || s.SuccessCount != 0 {
				t.Errorf("working counters not zeroed: %+v", s)
			}
			if got := b.Metrics().AvgResponseTime; got != 0 {
				t.Errorf("latency buffer not cleared, avg = %v", got)
			}
		})
	}
}

func TestForceOpenForceClose(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})

	b.ForceOpen()
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after ForceOpen, got %v", b.State())
	}
	if err := succeed(b); !IsOpen(err) {
		t.Fatalf("forced-open breaker must reject, got %v", err)
	}
	if b.Stats().NextRetryAt.IsZero() {
		t.Error("ForceOpen must set NextRetryAt like an automatic trip")
	}

	b.ForceClose()
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after ForceClose, got %v", b.State())
	}
	if err := succeed(b); err != nil {
		t.Fatalf("forced-closed breaker must admit, got %v", err)
	}
}

func TestHealthy(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})
	if !b.Healthy() {
		t.Fatal("fresh closed breaker must be healthy")
	}

	fail(b)
	fail(b) // open, 100% failure rate
	if b.Healthy() {
		t.Fatal("open breaker with 100% failures must be unhealthy")
	}
}

func TestSubscribe_ListenersAndUnsubscribe(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2})

	var mu sync.Mutex
	var states []State
	unsubscribe := b.Subscribe(func(s State, _ Stats) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	fail(b)
	fail(b) // trips open
	mu.Lock()
	n := len(states)
	last := states[n-1]
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 notifications, got %d", n)
	}
	if last != StateOpen {
		t.Fatalf("final notification state = %v, want StateOpen", last)
	}

	unsubscribe()
	b.Reset()
	succeed(b)
	mu.Lock()
	defer mu.Unlock()
	if len(states) != n {
		t.Fatalf("unsubscribed listener still notified: %d -> %d", n, len(states))
	}
}

func TestSubscribe_PanickingListenerIsIsolated(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5})

	b.Subscribe(func(State, Stats) { panic("bad subscriber") })
	called := false
	b.Subscribe(func(State, Stats) { called = true })

	if err := succeed(b); err != nil {
		t.Fatalf("listener panic must not propagate to Execute caller, got %v", err)
	}
	if !called {
		t.Fatal("second listener must still be notified")
	}
}

func TestExecute_ConcurrentAccess(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				succeed(b)
			} else {
				fail(b)
			}
			_ = b.Stats()
			_ = b.Metrics()
			_ = b.Healthy()
		}(i)
	}
	wg.Wait()

	s := b.Stats()
	if s.TotalRequests != 100 {
		t.Errorf("TotalRequests = %d, want 100", s.TotalRequests)
	}
	if s.TotalFailures+s.TotalSuccesses != s.TotalRequests {
		t.Errorf("outcome counts %d+%d do not sum to requests %d",
			s.TotalFailures, s.TotalSuccesses, s.TotalRequests)
	}
}

func TestWrap(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	calls := 0
	wrapped := Wrap(b, func(context.Context) error {
		calls++
		return errUpstream
	})

	if err := wrapped(context.Background()); !errors.Is(err, errUpstream) {
		t.Fatalf("expected operation error, got %v", err)
	}
	if err := wrapped(context.Background()); !IsOpen(err) {
		t.Fatalf("expected rejection on second call, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("operation calls = %d, want 1", calls)
	}
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

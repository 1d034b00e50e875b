package breaker

import (
	"log/slog"
	"testing"
	"time"
)

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry(slog.Default())
	defer r.Close()

	disabled := false
	b := r.Add("billing", Config{FailureThreshold: 2, EnableMetrics: &disabled})
	if b == nil {
		t.Fatal("Add returned nil")
	}

	got, ok := r.Get("billing")
	if !ok || got != b {
		t.Fatal("Get must return the registered breaker")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Fatal("Get must report missing dependencies")
	}

	// Re-adding the same name returns the existing instance.
	if again := r.Add("billing", Config{FailureThreshold: 99}); again != b {
		t.Fatal("Add must be idempotent per dependency name")
	}
}

func TestRegistry_AllSortedByName(t *testing.T) {
	r := NewRegistry(slog.Default())
	defer r.Close()

	disabled := false
	cfg := Config{EnableMetrics: &disabled}
	r.Add("zeta", cfg)
	r.Add("alpha", cfg)
	r.Add("mid", cfg)

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d breakers, want 3", len(all))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, b := range all {
		if b.Name() != want[i] {
			t.Errorf("All()[%d] = %q, want %q", i, b.Name(), want[i])
		}
	}
}

func TestMonitor_StopTerminates(t *testing.T) {
	b := New("slow-api", Config{MonitoringPeriod: 10 * time.Millisecond}, slog.Default())

	m := StartMonitor(b, slog.Default())
	if m == nil {
		t.Fatal("monitor should start when metrics are enabled by default")
	}

	time.Sleep(25 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not terminate the monitor")
	}
}

func TestMonitor_DisabledReturnsNil(t *testing.T) {
	disabled := false
	b := New("quiet-api", Config{EnableMetrics: &disabled}, slog.Default())

	m := StartMonitor(b, slog.Default())
	if m != nil {
		t.Fatal("monitor must not start when metrics are disabled")
	}
	m.Stop() // nil-safe
}

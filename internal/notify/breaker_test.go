package notify

import (
	"testing"
	"time"

	"github.com/SidU/durable-support-agent/internal/config"
)

func newTestBreaker(cfg config.CircuitBreakerConfig) (*Breaker, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBreaker(cfg)
	b.now = func() time.Time { return now }
	b.resetWindow()
	return b, &now
}

func TestBreaker_startsClosed(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{})
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() error = %v", err)
	}
}

func TestBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3, Timeout: time.Minute})

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state = %v, want closed after success reset", s)
	}
	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want open", s)
	}
	if err := b.Allow(); err == nil {
		t.Error("Allow() = nil while open")
	}
}

func TestBreaker_halfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute})

	var changes []BreakerState
	b.OnStateChange(func(s BreakerState) { changes = append(changes, s) })

	b.Failure()
	*now = now.Add(time.Minute)
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", s)
	}
	b.Success()
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open after one trial call", s)
	}
	b.Success()
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state = %v, want closed", s)
	}

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute})
	b.Failure()
	*now = now.Add(2 * time.Minute)
	_ = b.State()
	b.Failure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_errorRateTrips(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		Timeout:            time.Minute,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})
	for i := range minRateSamples {
		if i%2 == 1 {
			b.Failure()
		} else {
			b.Success()
		}
	}
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open at 50%% errors", s)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

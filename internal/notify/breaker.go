package notify

import (
	"sync"
	"time"

	"github.com/SidU/durable-support-agent/internal/config"
	"github.com/SidU/durable-support-agent/model"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails calls fast until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minRateSamples = 10

// Breaker guards the bot endpoint. It opens after FailureThreshold
// consecutive failures or when the error rate in the current window reaches
// ErrorRateThreshold, and closes again after SuccessThreshold successful
// trial calls. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	now      func() time.Time
	onChange func(BreakerState)

	state     BreakerState
	failures  int
	trials    int
	openUntil time.Time

	windowStart    time.Time
	windowCalls    int
	windowFailures int
}

// NewBreaker creates a closed breaker. Zero thresholds select defaults.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.windowStart = b.now()
	return b
}

// OnStateChange registers fn to be called after every transition.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow returns BACKEND_UNAVAILABLE while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState() == BreakerOpen {
		return model.NewBackendUnavailableError()
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.failures = 0
		b.countCall(false)
	case BreakerHalfOpen:
		b.trials++
		if b.trials >= b.cfg.SuccessThreshold {
			b.transition(BreakerClosed)
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		b.failures++
		b.countCall(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateTripped() {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState moves an expired open breaker to half-open. Lock held.
func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && !b.now().Before(b.openUntil) {
		b.transition(BreakerHalfOpen)
	}
	return b.state
}

// transition switches state and resets counters. Lock held.
func (b *Breaker) transition(to BreakerState) {
	b.state = to
	b.failures = 0
	b.trials = 0
	if to == BreakerOpen {
		b.openUntil = b.now().Add(b.cfg.Timeout)
	}
	b.resetWindow()
	if b.onChange != nil {
		b.onChange(to)
	}
}

func (b *Breaker) countCall(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
	b.windowCalls++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFailures = 0
}

func (b *Breaker) rateTripped() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 || b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.cfg.ErrorRateThreshold
}

package conn

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultReconnectBase is the attempt-0 delay, applied without jitter so a
	// single transient drop recovers fast.
	DefaultReconnectBase = 500 * time.Millisecond
	// DefaultReconnectMax caps exponential growth.
	DefaultReconnectMax = 30 * time.Second
	// DefaultReconnectJitter bounds the random term added for attempts >= 1,
	// spreading retries across a fleet.
	DefaultReconnectJitter = 500 * time.Millisecond
)

// Scheduler decides when the next connection attempt happens after a close.
// It owns a single pending retry timer; scheduling always cancels the prior
// timer before arming a new one.
type Scheduler struct {
	logger *slog.Logger

	base   time.Duration
	max    time.Duration
	jitter time.Duration

	connect func()

	mu       sync.Mutex
	attempts int
	enabled  bool
	timer    slotTimer
}

// NewScheduler creates a scheduler that invokes connect when a retry timer
// fires. Zero durations fall back to the defaults.
func NewScheduler(logger *slog.Logger, base, max, jitter time.Duration, connect func()) *Scheduler {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}
	if jitter < 0 {
		jitter = DefaultReconnectJitter
	}
	return &Scheduler{
		logger:  logger,
		base:    base,
		max:     max,
		jitter:  jitter,
		connect: connect,
		enabled: true,
	}
}

// Delay computes the retry delay for the given attempt index. Attempt 0 is
// the bare base delay; attempts >= 1 grow exponentially up to max, plus a
// uniform random jitter term in [0, jitter).
func (s *Scheduler) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return s.base
	}
	d := s.base << uint(attempt)
	if d > s.max || d <= 0 {
		d = s.max
	}
	if s.jitter > 0 {
		d += rand.N(s.jitter)
	}
	return d
}

// Schedule arms the retry timer using the current attempt index and
// increments the counter. It is a no-op while the scheduler is disabled.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	attempt := s.attempts
	s.attempts++
	s.mu.Unlock()

	delay := s.Delay(attempt)
	s.logger.With("attempt", attempt, "delay", delay).Debug("scheduling reconnect")
	s.timer.Arm(delay, s.connect)
}

// Reset clears the attempt counter. Called on every successful socket open.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

// Force resets the attempt counter and schedules immediately at the fast
// attempt-0 delay. Forced reconnects (stale heartbeat, post-recovery retry)
// are recoverable conditions, not accumulating failures.
func (s *Scheduler) Force() {
	s.Reset()
	s.Schedule()
}

// Attempts reports the current attempt counter.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Enabled reports whether future closes will schedule a retry.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Enable re-allows scheduling after a Disable.
func (s *Scheduler) Enable() {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
}

// Disable stops future scheduling and cancels any pending retry timer. Used
// on deliberate shutdown so no reconnect races the disconnect.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
	s.timer.Cancel()
}

package conn

import (
	"sync"
	"time"
)

// slotTimer holds at most one pending timer. Arming cancels whatever was
// pending first, so the at-most-one invariant is enforced by the type
// instead of clear-before-set discipline at every call site.
type slotTimer struct {
	mu      sync.Mutex
	pending *time.Timer
}

// Arm schedules fn to run after d, cancelling any previously pending timer.
func (s *slotTimer) Arm(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = time.AfterFunc(d, fn)
}

// Cancel stops the pending timer, if any. Safe to call repeatedly and from
// the timer's own callback.
func (s *slotTimer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

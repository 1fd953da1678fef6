package conn

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultHeartbeatInterval is how often a liveness probe is sent on an
	// open connection.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultHeartbeatTimeout is how long after a probe the reply must arrive
	// before the peer is declared stale.
	DefaultHeartbeatTimeout = 10 * time.Second
)

// Heartbeat detects a connection that is technically open but no longer
// exchanging data. While started it sends a probe every interval and expects
// a reply within timeout; a missed reply invokes onStale exactly once per
// Start. Start and Stop are idempotent and safe to call from any close path,
// including the stale callback itself.
type Heartbeat struct {
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	sendPing func(seq uint64) error
	onStale  func()

	mu        sync.Mutex
	running   bool
	seq       uint64
	lastReply time.Time

	probe    slotTimer
	deadline slotTimer
}

// NewHeartbeat creates a monitor. sendPing transmits one probe; onStale is
// invoked when a probe goes unanswered. Zero durations use the defaults.
func NewHeartbeat(logger *slog.Logger, interval, timeout time.Duration, sendPing func(seq uint64) error, onStale func()) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Heartbeat{
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		sendPing: sendPing,
		onStale:  onStale,
	}
}

// Start attaches the monitor to a freshly opened connection.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.lastReply = time.Now()
	h.mu.Unlock()

	h.probe.Arm(h.interval, h.tick)
}

// Stop tears down both timers synchronously so no orphaned timer can fire
// against a dead or replaced socket.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()

	h.probe.Cancel()
	h.deadline.Cancel()
}

// ObserveReply records a liveness reply from the peer.
func (h *Heartbeat) ObserveReply() {
	h.mu.Lock()
	h.lastReply = time.Now()
	h.mu.Unlock()
	h.deadline.Cancel()
}

// LastReply reports when the most recent liveness reply arrived.
func (h *Heartbeat) LastReply() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReply
}

func (h *Heartbeat) tick() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.seq++
	seq := h.seq
	sentAt := time.Now()
	h.mu.Unlock()

	if err := h.sendPing(seq); err != nil {
		// The write failure itself is evidence the socket is gone; let the
		// deadline below declare it rather than racing the read loop.
		h.logger.With("err", err, "seq", seq).Warn("failed to send liveness probe")
	}

	h.deadline.Arm(h.timeout, func() {
		h.mu.Lock()
		running := h.running
		replied := h.lastReply.After(sentAt) || h.lastReply.Equal(sentAt)
		h.mu.Unlock()
		if !running || replied {
			return
		}
		h.logger.With("seq", seq, "timeout", h.timeout).Warn("no liveness reply, declaring connection stale")
		h.Stop()
		h.onStale()
	})
	h.probe.Arm(h.interval, h.tick)
}

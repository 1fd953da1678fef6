// Package conn maintains the agent's single long-lived event channel to the
// origin: dialing, heartbeating, dispatching inbound frames, and deciding
// when and how fast to reconnect after a close.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grafana/dskit/services"

	"github.com/certfleet/certfleet/pkg/wire"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// ErrNotConnected is returned by Send while no socket is open.
var ErrNotConnected = errors.New("not connected to origin")

var errStaleHeartbeat = errors.New("stale heartbeat, terminating connection")

// Config parametrizes a Manager.
type Config struct {
	// URL is the origin's websocket endpoint.
	URL string

	// Token supplies the current API credential for the dial handshake. It
	// is re-read on every attempt so rotated credentials take effect on the
	// next connect.
	Token func() string

	// Subscriptions is the initial subscription set announced on open.
	Subscriptions wire.Subscriptions

	// Announcement is the extended capability advertisement, sent after the
	// connection_established frame. Nil for subscription-only agents.
	Announcement *wire.Register

	// Recover refreshes the agent's credential after the origin closes the
	// socket with the unauthorized code. It is awaited before the next
	// reconnect is scheduled.
	Recover func(ctx context.Context) error

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter time.Duration

	// Dialer overrides the websocket dialer, used by tests.
	Dialer *websocket.Dialer
}

// Manager is the top-level connection state machine. It runs as a dskit
// service: starting kicks off the first connect, stopping disconnects and
// disables reconnects.
type Manager struct {
	services.Service

	logger     *slog.Logger
	cfg        Config
	dispatcher *Dispatcher
	heartbeat  *Heartbeat
	scheduler  *Scheduler

	runCtx    context.Context
	runCancel context.CancelFunc

	mu            sync.Mutex
	ws            *websocket.Conn
	state         State
	registeredID  string
	everConnected bool
	connectedAt   time.Time
	lastError     string
	subs          wire.Subscriptions
	shuttingDown  bool

	// gorilla permits one concurrent writer; heartbeat probes, acks from
	// deploy goroutines and dispatcher replies all funnel through Send.
	writeMu sync.Mutex
}

// NewManager wires a dispatcher, heartbeat monitor and reconnect scheduler
// around a single websocket connection.
func NewManager(logger *slog.Logger, cfg Config) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	m := &Manager{
		logger: logger,
		cfg:    cfg,
		state:  StateIdle,
		subs:   cfg.Subscriptions,
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.dispatcher = NewDispatcher(logger.With("component", "dispatcher"), cfg.Announcement)
	m.heartbeat = NewHeartbeat(
		logger.With("component", "heartbeat"),
		cfg.HeartbeatInterval, cfg.HeartbeatTimeout,
		m.sendPing, m.ForceReconnect,
	)
	m.scheduler = NewScheduler(
		logger.With("component", "reconnect"),
		cfg.ReconnectBase, cfg.ReconnectMax, cfg.ReconnectJitter,
		m.Connect,
	)
	m.dispatcher.setPongFunc(m.heartbeat.ObserveReply)
	m.dispatcher.setEstablishedFunc(m.established)
	m.dispatcher.OnDegraded(func(wire.DegradedData) {
		m.mu.Lock()
		if m.state == StateEstablished || m.state == StateOpen {
			m.state = StateDegraded
		}
		m.mu.Unlock()
	})
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m
}

// Dispatcher exposes the handler registry so the surrounding agent can
// attach topic handlers before the service starts.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

func (m *Manager) starting(context.Context) error {
	m.scheduler.Enable()
	go m.Connect()
	return nil
}

func (m *Manager) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *Manager) stopping(_ error) error {
	m.Disconnect()
	m.runCancel()
	return nil
}

// Connect dials the origin. It is a no-op when a connection attempt is
// already in flight or a socket is open.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch {
	case m.shuttingDown,
		m.state == StateConnecting,
		m.state == StateOpen,
		m.state == StateEstablished,
		m.state == StateDegraded:
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	dialer := m.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	}
	hdr := http.Header{}
	if m.cfg.Token != nil {
		hdr.Set("Authorization", "Bearer "+m.cfg.Token())
	}

	ws, resp, err := dialer.Dial(m.cfg.URL, hdr)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		m.logger.With("err", err, "url", m.cfg.URL).Warn("connect failed")
		m.mu.Lock()
		m.state = StateClosed
		m.lastError = err.Error()
		m.mu.Unlock()
		m.scheduler.Schedule()
		return
	}

	m.mu.Lock()
	m.ws = ws
	m.state = StateOpen
	m.everConnected = true
	m.connectedAt = time.Now()
	m.lastError = ""
	subs := m.subs
	m.mu.Unlock()

	m.scheduler.Reset()
	m.logger.With("url", m.cfg.URL).Info("connected to origin")

	if err := m.Send(&wire.Subscribe{Type: wire.TypeSubscribe, Subscriptions: subs}); err != nil {
		m.logger.With("err", err).Warn("failed to send subscription set")
	}
	m.heartbeat.Start()
	go m.readLoop(ws)
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			m.handleClose(ws, err)
			return
		}
		m.dispatcher.Dispatch(m.runCtx, raw, m.Send)
	}
}

// handleClose runs on the read loop when the socket dies. An unauthorized
// close code triggers awaited credential recovery before any reconnect is
// scheduled; in every non-shutdown outcome a reconnect is scheduled, so
// recovery failure can never leave the agent permanently disconnected.
func (m *Manager) handleClose(ws *websocket.Conn, err error) {
	m.mu.Lock()
	if m.ws != ws {
		// Socket was already replaced or torn down by a forced reconnect or
		// an explicit disconnect; that path owns the bookkeeping.
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.state = StateClosing
	m.registeredID = ""
	shutting := m.shuttingDown
	if err != nil {
		m.lastError = err.Error()
	}
	m.mu.Unlock()

	m.heartbeat.Stop()
	ws.Close()

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()

	m.logger.With("err", err).Info("connection closed")
	m.dispatcher.notifyDisconnect(err)

	if shutting {
		return
	}

	if websocket.IsCloseError(err, wire.CloseUnauthorized) {
		m.logger.Warn("origin rejected credentials, attempting recovery before reconnect")
		if rerr := m.recoverCredentials(); rerr != nil {
			m.logger.With("err", rerr).Error("credential recovery failed, using ordinary backoff")
		} else {
			m.scheduler.Reset()
		}
	}
	m.scheduler.Schedule()
}

func (m *Manager) recoverCredentials() (err error) {
	if m.cfg.Recover == nil {
		return errors.New("no credential recovery configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("credential recovery panicked: %v", r)
		}
	}()
	return m.cfg.Recover(m.runCtx)
}

// ForceReconnect terminates the current socket without a graceful close
// handshake (a half-dead peer may never acknowledge one) and schedules a
// fast reconnect. Invoked by the heartbeat's stale callback and by explicit
// recovery paths.
func (m *Manager) ForceReconnect() {
	m.heartbeat.Stop()

	m.mu.Lock()
	ws := m.ws
	m.ws = nil
	if ws != nil {
		m.state = StateClosed
		m.registeredID = ""
		m.lastError = errStaleHeartbeat.Error()
	}
	shutting := m.shuttingDown
	m.mu.Unlock()

	if ws != nil {
		ws.Close()
		m.dispatcher.notifyDisconnect(errStaleHeartbeat)
	}
	if shutting {
		return
	}
	m.scheduler.Force()
}

// Disconnect deliberately shuts the connection down. The scheduler is
// disabled first so no reconnect races the shutdown.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	alreadyShutting := m.shuttingDown
	m.shuttingDown = true
	m.mu.Unlock()

	m.scheduler.Disable()
	m.heartbeat.Stop()

	m.mu.Lock()
	ws := m.ws
	m.ws = nil
	m.state = StateClosing
	m.registeredID = ""
	m.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutdown"), deadline)
		ws.Close()
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()

	if ws != nil && !alreadyShutting {
		m.dispatcher.notifyDisconnect(nil)
	}
}

// Send marshals and transmits one outbound frame on the open socket.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	raw, err := wire.Encode(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, raw)
}

// UpdateSubscriptions replaces the subscription set in place, pushing a
// subscribe frame when a connection is open.
func (m *Manager) UpdateSubscriptions(subs wire.Subscriptions) error {
	m.mu.Lock()
	m.subs = subs
	open := m.ws != nil
	m.mu.Unlock()
	if !open {
		return nil
	}
	return m.Send(&wire.Subscribe{Type: wire.TypeSubscribe, Subscriptions: subs})
}

// Status snapshots current connection health.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := Status{
		State:         m.state,
		RegisteredID:  m.registeredID,
		EverConnected: m.everConnected,
		ConnectedAt:   m.connectedAt,
		LastError:     m.lastError,
	}
	m.mu.Unlock()
	s.ReconnectAttempts = m.scheduler.Attempts()
	s.ReconnectEnabled = m.scheduler.Enabled()
	s.LastHeartbeat = m.heartbeat.LastReply()
	return s
}

func (m *Manager) established(connectionID string) {
	m.mu.Lock()
	if m.state == StateOpen {
		m.state = StateEstablished
	}
	m.registeredID = connectionID
	m.mu.Unlock()
	m.logger.With("connection_id", connectionID).Info("connection established")
}

func (m *Manager) sendPing(seq uint64) error {
	return m.Send(&wire.Ping{Type: wire.TypePing, Seq: seq})
}

package conn

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/certfleet/certfleet/pkg/wire"
)

// EventHandler consumes the raw payload of one event frame.
type EventHandler func(ctx context.Context, data json.RawMessage)

// Dispatcher turns inbound frames into calls on registered handlers and
// manages the post-handshake registration handshake. Frames are dispatched
// strictly one at a time in receipt order; handlers that need to do slow
// work are expected to hand it off themselves.
type Dispatcher struct {
	logger *slog.Logger

	// announcement is the extended capability advertisement. It is sent only
	// after the connection_established frame has been observed: sending on
	// socket-open races the origin associating the socket with an identity,
	// and the announcement would be silently dropped.
	announcement *wire.Register

	mu          sync.RWMutex
	topics      map[string][]EventHandler
	connect     []func(connectionID string)
	disconnect  []func(err error)
	errHandlers []func(message string)
	degraded    []func(d wire.DegradedData)
	reprovision []func()
	secretReq   []EventHandler

	onPong        func()
	onEstablished func(connectionID string)
}

// NewDispatcher creates an empty dispatcher. announcement may be nil for
// subscription-only agents with nothing to advertise.
func NewDispatcher(logger *slog.Logger, announcement *wire.Register) *Dispatcher {
	return &Dispatcher{
		logger:       logger,
		announcement: announcement,
		topics:       map[string][]EventHandler{},
	}
}

// OnEvent appends a handler for an event topic. Handlers run in
// registration order.
func (d *Dispatcher) OnEvent(topic string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.topics[topic] = append(d.topics[topic], h)
}

// OnConnect appends a handler invoked once the origin confirms the
// connection is established and has assigned it an identity.
func (d *Dispatcher) OnConnect(h func(connectionID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connect = append(d.connect, h)
}

// OnDisconnect appends a handler invoked when the connection closes.
func (d *Dispatcher) OnDisconnect(h func(err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnect = append(d.disconnect, h)
}

// OnError appends a handler for error frames from the origin.
func (d *Dispatcher) OnError(h func(message string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errHandlers = append(d.errHandlers, h)
}

// OnDegraded appends a handler for degraded-connection frames. The origin
// keeps the socket open but flags the agent's credentials as suspect.
func (d *Dispatcher) OnDegraded(h func(d wire.DegradedData)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.degraded = append(d.degraded, h)
}

// OnReprovision appends a handler for reprovision-available frames.
func (d *Dispatcher) OnReprovision(h func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reprovision = append(d.reprovision, h)
}

// OnSecretRequest appends a handler for the dynamic-secret extension channel.
func (d *Dispatcher) OnSecretRequest(h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secretReq = append(d.secretReq, h)
}

func (d *Dispatcher) setPongFunc(fn func()) { d.onPong = fn }

func (d *Dispatcher) setEstablishedFunc(fn func(id string)) { d.onEstablished = fn }

// Dispatch parses one inbound frame and routes it. send transmits a frame
// on the current socket and is used for the deferred registration
// announcement.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, send func(v any) error) {
	frame, err := wire.Decode(raw)
	if err != nil {
		d.logger.With("err", err).Warn("discarding unparseable frame")
		return
	}

	switch frame.Type {
	case wire.TypePong:
		if d.onPong != nil {
			d.onPong()
		}

	case wire.TypeRegistered, wire.TypeConnectionEstablished:
		var est wire.EstablishedData
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &est); err != nil {
				d.logger.With("err", err).Warn("malformed establishment frame")
			}
		}
		if d.onEstablished != nil {
			d.onEstablished(est.ConnectionID)
		}
		d.sendAnnouncement(send)
		d.mu.RLock()
		handlers := d.connect
		d.mu.RUnlock()
		for _, h := range handlers {
			d.invoke(func() { h(est.ConnectionID) })
		}

	case wire.TypeEvent:
		d.mu.RLock()
		handlers := d.topics[frame.Topic]
		d.mu.RUnlock()
		if len(handlers) == 0 {
			d.logger.With("topic", frame.Topic).Debug("no handlers for event topic")
			return
		}
		for _, h := range handlers {
			h := h
			d.invoke(func() { h(ctx, frame.Data) })
		}

	case wire.TypeDegradedConnection:
		var deg wire.DegradedData
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &deg); err != nil {
				d.logger.With("err", err).Warn("malformed degraded frame")
			}
		}
		d.logger.With("reason", deg.Reason).Warn("origin degraded this connection")
		d.mu.RLock()
		handlers := d.degraded
		d.mu.RUnlock()
		for _, h := range handlers {
			h := h
			d.invoke(func() { h(deg) })
		}

	case wire.TypeReprovisionAvailable:
		d.mu.RLock()
		handlers := d.reprovision
		d.mu.RUnlock()
		for _, h := range handlers {
			d.invoke(h)
		}

	case wire.TypeSecretRequest:
		d.mu.RLock()
		handlers := d.secretReq
		d.mu.RUnlock()
		for _, h := range handlers {
			h := h
			d.invoke(func() { h(ctx, frame.Data) })
		}

	case wire.TypeError:
		d.logger.With("message", frame.Message).Warn("error frame from origin")
		d.mu.RLock()
		handlers := d.errHandlers
		d.mu.RUnlock()
		for _, h := range handlers {
			h := h
			d.invoke(func() { h(frame.Message) })
		}

	case wire.TypeSubscribed:
		d.logger.Debug("subscription confirmed")

	default:
		d.logger.With("type", frame.Type).Debug("ignoring unknown frame type")
	}
}

// notifyDisconnect fans the close out to disconnect handlers.
func (d *Dispatcher) notifyDisconnect(err error) {
	d.mu.RLock()
	handlers := d.disconnect
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		d.invoke(func() { h(err) })
	}
}

// sendAnnouncement emits the extended register frame. Plain
// subscription-only agents skip it entirely.
func (d *Dispatcher) sendAnnouncement(send func(v any) error) {
	a := d.announcement
	if a == nil || (len(a.Capabilities) == 0 && a.PublicKey == "") {
		return
	}
	msg := *a
	msg.Type = wire.TypeRegister
	if err := send(&msg); err != nil {
		d.logger.With("err", err).Warn("failed to send capability announcement")
	}
}

// invoke isolates one handler: a panic in a faulty consumer must not stop
// delivery to its siblings.
func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.With("panic", r).Error("handler panicked")
		}
	}()
	fn()
}

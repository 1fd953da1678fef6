package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certfleet/certfleet/pkg/wire"
)

// testOrigin is a scriptable websocket peer standing in for the origin
// server. Each accepted connection is handed to the script and pushed on
// the conns channel so tests can observe reconnects.
type testOrigin struct {
	t       *testing.T
	srv     *httptest.Server
	conns   chan *websocket.Conn
	inbound chan wire.Frame
}

func newTestOrigin(t *testing.T, script func(o *testOrigin, c *websocket.Conn)) *testOrigin {
	t.Helper()
	o := &testOrigin{
		t:       t,
		conns:   make(chan *websocket.Conn, 16),
		inbound: make(chan wire.Frame, 64),
	}
	upgrader := websocket.Upgrader{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		o.conns <- c
		if script != nil {
			script(o, c)
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) wsURL() string {
	return "ws" + strings.TrimPrefix(o.srv.URL, "http")
}

func (o *testOrigin) sendFrame(c *websocket.Conn, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		o.t.Errorf("marshal frame: %v", err)
		return
	}
	_ = c.WriteMessage(websocket.TextMessage, raw)
}

func (o *testOrigin) establish(c *websocket.Conn, id string) {
	o.sendFrame(c, map[string]any{
		"type": wire.TypeConnectionEstablished,
		"data": wire.EstablishedData{ConnectionID: id},
	})
}

// serve records every inbound frame and answers pings with pongs.
func (o *testOrigin) serve(c *websocket.Conn, answerPings bool) {
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		f, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		select {
		case o.inbound <- *f:
		default:
		}
		if answerPings && f.Type == wire.TypePing {
			o.sendFrame(c, map[string]any{"type": wire.TypePong})
		}
	}
}

func (o *testOrigin) awaitConn(timeout time.Duration) *websocket.Conn {
	o.t.Helper()
	select {
	case c := <-o.conns:
		return c
	case <-time.After(timeout):
		o.t.Fatal("no connection arrived at test origin")
		return nil
	}
}

func fastConfig(url string) Config {
	return Config{
		URL:               url,
		Token:             func() string { return "token-1" },
		Subscriptions:     wire.Subscriptions{Channel: "host-a", CertificateIDs: []string{"c1"}},
		HeartbeatInterval: time.Hour, // individual tests shrink this
		HeartbeatTimeout:  time.Hour,
		ReconnectBase:     20 * time.Millisecond,
		ReconnectMax:      200 * time.Millisecond,
		ReconnectJitter:   1,
	}
}

func TestManager_ConnectAndEstablish(t *testing.T) {
	o := newTestOrigin(t, func(o *testOrigin, c *websocket.Conn) {
		o.establish(c, "conn-1")
		o.serve(c, true)
	})

	m := NewManager(discardLogger(), fastConfig(o.wsURL()))
	m.Connect()
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		return m.Status().State == StateEstablished
	}, 2*time.Second, 10*time.Millisecond)

	st := m.Status()
	assert.Equal(t, "conn-1", st.RegisteredID)
	assert.True(t, st.EverConnected)
	assert.Zero(t, st.ReconnectAttempts)

	// The first frame on the wire is the subscription set.
	select {
	case f := <-o.inbound:
		assert.Equal(t, wire.TypeSubscribe, f.Type)
	case <-time.After(time.Second):
		t.Fatal("origin never received the subscription set")
	}
}

func TestManager_TwoPhaseRegistration(t *testing.T) {
	o := newTestOrigin(t, func(o *testOrigin, c *websocket.Conn) {
		// Consume the subscription frame first, then confirm establishment.
		_, _, err := c.ReadMessage()
		if err != nil {
			return
		}
		o.establish(c, "conn-2")
		o.serve(c, true)
	})

	cfg := fastConfig(o.wsURL())
	cfg.Announcement = &wire.Register{
		InstanceID:   "inst-42",
		Capabilities: []string{"plugins", "dynamic-secrets"},
		PublicKey:    "age1example",
	}
	m := NewManager(discardLogger(), cfg)
	m.Connect()
	defer m.Disconnect()

	// The very next frame after establishment must be the register frame.
	select {
	case f := <-o.inbound:
		require.Equal(t, wire.TypeRegister, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("capability announcement never arrived")
	}
}

func TestManager_ReconnectsAfterServerClose(t *testing.T) {
	o := newTestOrigin(t, func(o *testOrigin, c *websocket.Conn) {
		o.establish(c, "conn")
		// Drop the connection shortly after establishing it.
		time.Sleep(30 * time.Millisecond)
		c.Close()
	})

	m := NewManager(discardLogger(), fastConfig(o.wsURL()))
	m.Connect()
	defer m.Disconnect()

	o.awaitConn(2 * time.Second)
	// Between the drop and the retry the socket is closed but the scheduler
	// still owns it; status has to say so for the health probe.
	assert.True(t, m.Status().ReconnectEnabled)
	o.awaitConn(2 * time.Second) // the reconnect
}

func TestManager_UnauthorizedCloseRunsRecoveryThenReconnects(t *testing.T) {
	o := newTestOrigin(t, func(o *testOrigin, c *websocket.Conn) {
		deadline := time.Now().Add(time.Second)
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wire.CloseUnauthorized, "key expired"), deadline)
		// Leave the socket up long enough for the client to read the close.
		time.Sleep(100 * time.Millisecond)
		c.Close()
	})

	var recoveries atomic.Int32
	cfg := fastConfig(o.wsURL())
	cfg.Recover = func(context.Context) error {
		recoveries.Add(1)
		return nil
	}
	m := NewManager(discardLogger(), cfg)
	m.Connect()
	defer m.Disconnect()

	o.awaitConn(2 * time.Second)
	o.awaitConn(2 * time.Second) // reconnect after recovery

	assert.GreaterOrEqual(t, recoveries.Load(), int32(1))
}

func TestManager_RecoveryFailureStillReconnects(t *testing.T) {
	o := newTestOrigin(t, func(o *testOrigin, c *websocket.Conn) {
		deadline := time.Now().Add(time.Second)
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wire.CloseUnauthorized, "key revoked"), deadline)
		time.Sleep(100 * time.Millisecond)
		c.Close()
	})

	cfg := fastConfig(o.wsURL())
	cfg.Recover = func(context.Context) error {
		panic("refresh endpoint exploded")
	}
	m := NewManager(discardLogger(), cfg)
	m.Connect()
	defer m.Disconnect()

	o.awaitConn(2 * time.Second)
	// Even a panicking recovery must not leave the agent disconnected.
	o.awaitConn(3 * time.Second)
}

func TestManager_StaleHeartbeatForcesReconnect(t *testing.T) {
	o := newTestOrigin(t, func(o *testOrigin, c *websocket.Conn) {
		o.establish(c, "conn")
		o.serve(c, false) // read but never answer pings
	})

	cfg := fastConfig(o.wsURL())
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	m := NewManager(discardLogger(), cfg)
	m.Connect()
	defer m.Disconnect()

	o.awaitConn(2 * time.Second)
	o.awaitConn(3 * time.Second) // forced reconnect off the stale probe

	// Forced reconnects take the fast path, not accumulated backoff.
	assert.LessOrEqual(t, m.Status().ReconnectAttempts, 2)
}

func TestManager_EventDelivery(t *testing.T) {
	o := newTestOrigin(t, func(o *testOrigin, c *websocket.Conn) {
		o.establish(c, "conn")
		o.sendFrame(c, map[string]any{
			"type":  wire.TypeEvent,
			"topic": wire.TopicCertificate,
			"data":  wire.CertificateEvent{CertificateID: "cert-7", Fingerprint: "fp-1"},
		})
		o.serve(c, true)
	})

	m := NewManager(discardLogger(), fastConfig(o.wsURL()))
	events := make(chan wire.CertificateEvent, 1)
	m.Dispatcher().OnEvent(wire.TopicCertificate, func(_ context.Context, data json.RawMessage) {
		var ev wire.CertificateEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			events <- ev
		}
	})
	m.Connect()
	defer m.Disconnect()

	select {
	case ev := <-events:
		assert.Equal(t, "cert-7", ev.CertificateID)
		assert.Equal(t, "fp-1", ev.Fingerprint)
	case <-time.After(2 * time.Second):
		t.Fatal("certificate event never reached the handler")
	}
}

func TestManager_DisconnectDisablesReconnect(t *testing.T) {
	o := newTestOrigin(t, func(o *testOrigin, c *websocket.Conn) {
		o.establish(c, "conn")
		o.serve(c, true)
	})

	m := NewManager(discardLogger(), fastConfig(o.wsURL()))
	m.Connect()
	o.awaitConn(2 * time.Second)

	require.Eventually(t, func() bool {
		return m.Status().State == StateEstablished
	}, 2*time.Second, 10*time.Millisecond)

	m.Disconnect()
	assert.Equal(t, StateClosed, m.Status().State)
	assert.False(t, m.Status().ReconnectEnabled)

	time.Sleep(300 * time.Millisecond)
	select {
	case <-o.conns:
		t.Fatal("manager reconnected after a deliberate disconnect")
	default:
	}
}

func TestManager_SendWhileClosed(t *testing.T) {
	m := NewManager(discardLogger(), fastConfig("ws://127.0.0.1:1/never"))
	err := m.Send(&wire.Ping{Type: wire.TypePing})
	assert.ErrorIs(t, err, ErrNotConnected)
}

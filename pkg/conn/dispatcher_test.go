package conn

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certfleet/certfleet/pkg/wire"
)

type sendRecorder struct {
	frames []any
}

func (r *sendRecorder) send(v any) error {
	r.frames = append(r.frames, v)
	return nil
}

func TestDispatcher_EventHandlersRunInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)
	var order []string
	d.OnEvent(wire.TopicCertificate, func(context.Context, json.RawMessage) {
		order = append(order, "first")
	})
	d.OnEvent(wire.TopicCertificate, func(context.Context, json.RawMessage) {
		order = append(order, "second")
	})
	d.OnEvent(wire.TopicSecret, func(context.Context, json.RawMessage) {
		order = append(order, "other-topic")
	})

	raw := []byte(`{"type":"event","topic":"certificate","data":{"certificate_id":"c1"}}`)
	d.Dispatch(context.Background(), raw, (&sendRecorder{}).send)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatcher_PanickingHandlerDoesNotStopSiblings(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)
	var reached bool
	d.OnEvent(wire.TopicSecret, func(context.Context, json.RawMessage) {
		panic("faulty consumer")
	})
	d.OnEvent(wire.TopicSecret, func(context.Context, json.RawMessage) {
		reached = true
	})

	raw := []byte(`{"type":"event","topic":"secret","data":{}}`)
	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), raw, (&sendRecorder{}).send)
	})
	assert.True(t, reached)
}

func TestDispatcher_AnnouncementWaitsForEstablishment(t *testing.T) {
	announcement := &wire.Register{
		InstanceID:   "inst-1",
		Capabilities: []string{"plugins"},
	}
	d := NewDispatcher(discardLogger(), announcement)
	rec := &sendRecorder{}

	// Frames before establishment must not trigger the announcement.
	d.Dispatch(context.Background(), []byte(`{"type":"subscribed"}`), rec.send)
	d.Dispatch(context.Background(), []byte(`{"type":"event","topic":"certificate","data":{}}`), rec.send)
	require.Empty(t, rec.frames)

	d.Dispatch(context.Background(), []byte(`{"type":"connection_established","data":{"connection_id":"conn-9"}}`), rec.send)
	require.Len(t, rec.frames, 1)
	reg, ok := rec.frames[0].(*wire.Register)
	require.True(t, ok)
	assert.Equal(t, wire.TypeRegister, reg.Type)
	assert.Equal(t, "inst-1", reg.InstanceID)
}

func TestDispatcher_DefaultAgentSkipsAnnouncement(t *testing.T) {
	for _, announcement := range []*wire.Register{
		nil,
		{InstanceID: "inst-1"}, // no capabilities, no public key
	} {
		d := NewDispatcher(discardLogger(), announcement)
		rec := &sendRecorder{}
		d.Dispatch(context.Background(), []byte(`{"type":"registered","data":{"connection_id":"c"}}`), rec.send)
		assert.Empty(t, rec.frames)
	}
}

func TestDispatcher_EstablishmentInvokesConnectHandlers(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)
	var gotID string
	d.OnConnect(func(id string) { gotID = id })

	var establishedID string
	d.setEstablishedFunc(func(id string) { establishedID = id })

	d.Dispatch(context.Background(), []byte(`{"type":"registered","data":{"connection_id":"abc123"}}`), (&sendRecorder{}).send)
	assert.Equal(t, "abc123", gotID)
	assert.Equal(t, "abc123", establishedID)
}

func TestDispatcher_PongRouted(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)
	var pongs int
	d.setPongFunc(func() { pongs++ })

	d.Dispatch(context.Background(), []byte(`{"type":"pong"}`), (&sendRecorder{}).send)
	d.Dispatch(context.Background(), []byte(`{"type":"pong"}`), (&sendRecorder{}).send)
	assert.Equal(t, 2, pongs)
}

func TestDispatcher_DegradedFrameKeepsSocketSemantics(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)
	var got wire.DegradedData
	d.OnDegraded(func(deg wire.DegradedData) { got = deg })

	raw := []byte(`{"type":"degraded_connection","data":{"reason":"key_expired","message":"rotate soon"}}`)
	d.Dispatch(context.Background(), raw, (&sendRecorder{}).send)

	assert.Equal(t, "key_expired", got.Reason)
	assert.Equal(t, "rotate soon", got.Message)
}

func TestDispatcher_MalformedAndUnknownFramesIgnored(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)
	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), []byte(`not-json`), (&sendRecorder{}).send)
		d.Dispatch(context.Background(), []byte(`{"type":"wat"}`), (&sendRecorder{}).send)
		d.Dispatch(context.Background(), []byte(`{"type":"event","topic":"unknown","data":{}}`), (&sendRecorder{}).send)
	})
}

func TestDispatcher_ErrorFramesFanOut(t *testing.T) {
	d := NewDispatcher(discardLogger(), nil)
	var msgs []string
	d.OnError(func(m string) { msgs = append(msgs, m) })

	d.Dispatch(context.Background(), []byte(`{"type":"error","message":"bad subscription"}`), (&sendRecorder{}).send)
	assert.Equal(t, []string{"bad subscription"}, msgs)
}

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gxp-io/fleet/go/fleet"
	"github.com/gxp-io/fleet/go/protocol"
	"github.com/gxp-io/fleet/go/store"
	"github.com/gxp-io/fleet/go/transport"
)

const testHW = "A0B1C2D3E4F5"

func testTopics() Topics {
	return Topics{
		Data:   protocol.MustTopicPattern("DEVICE/+/data"),
		Status: protocol.MustTopicPattern("DEVICE/+/status"),
		Ack:    protocol.MustTopicPattern("DEVICE/+/ack"),
		Cmd:    protocol.MustTopicPattern("DEVICE/+/cmd"),
	}
}

type sinkEvent struct {
	kind string
	hw   string
	dev  *fleet.Device
	name string
}

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
	gate   chan struct{}
}

func (s *recordingSink) add(ev sinkEvent) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) OnStatus(_ context.Context, dev *fleet.Device, hw string, st *protocol.Status, _ []byte) {
	s.add(sinkEvent{kind: "status", hw: hw, dev: dev, name: st.Status})
}
func (s *recordingSink) OnImageMeta(_ context.Context, dev *fleet.Device, hw string, m *protocol.ImageMeta) {
	s.add(sinkEvent{kind: "meta", hw: hw, dev: dev, name: m.ImageName})
}
func (s *recordingSink) OnChunk(_ context.Context, dev *fleet.Device, hw string, c *protocol.Chunk) {
	s.add(sinkEvent{kind: "chunk", hw: hw, dev: dev, name: fmt.Sprintf("%s/%d", c.ImageName, c.ChunkID)})
}
func (s *recordingSink) OnDeviceAck(_ context.Context, dev *fleet.Device, hw string, a *protocol.DeviceAck) {
	s.add(sinkEvent{kind: "ack", hw: hw, dev: dev, name: a.CommandID})
}
func (s *recordingSink) OnDirective(_ context.Context, dev *fleet.Device, hw string, d Directive) {
	s.add(sinkEvent{kind: "directive", hw: hw, dev: dev, name: d.ImageName})
}

func (s *recordingSink) snapshot() []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEvent(nil), s.events...)
}

func startRouter(t *testing.T, cfg Config, m *store.Memory, sink Sink) (*Router, *transport.Bus) {
	t.Helper()
	var bus = transport.NewBus()
	var r = New(cfg, store.NewDeviceCache(m, 16, time.Minute), sink)
	require.NoError(t, r.Start(context.Background(), bus.Client()))
	t.Cleanup(func() {
		var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, bus
}

func TestRouterDispatchAndAudit(t *testing.T) {
	var ctx = context.Background()
	var m = store.NewMemory()
	m.AddDevice(fleet.Device{HardwareID: testHW})

	var sink = new(recordingSink)
	var _, bus = startRouter(t, Config{Topics: testTopics()}, m, sink)
	var device = bus.Client()

	require.NoError(t, device.Publish(ctx, "DEVICE/"+testHW+"/status",
		[]byte(`{"device_id":"`+testHW+`","status":"Alive","pendingImg":1}`)))
	require.NoError(t, device.Publish(ctx, "DEVICE/"+testHW+"/data",
		[]byte(`{"image_name":"img_1.jpg","total_chunk_count":2,"image_size":10}`)))
	require.NoError(t, device.Publish(ctx, "DEVICE/"+testHW+"/data",
		[]byte(`{"image_name":"img_1.jpg","chunk_id":0,"payload":"aGVsbG8="}`)))
	require.NoError(t, device.Publish(ctx, "DEVICE/"+testHW+"/ack",
		[]byte(`{"device_id":"`+testHW+`","command_id":"cmd-9"}`)))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 4 },
		time.Second, 5*time.Millisecond)

	var events = sink.snapshot()
	// One worker per device: arrival order is preserved.
	require.Equal(t, "status", events[0].kind)
	require.Equal(t, "meta", events[1].kind)
	require.Equal(t, "img_1.jpg", events[1].name)
	require.Equal(t, "chunk", events[2].kind)
	require.Equal(t, "img_1.jpg/0", events[2].name)
	require.Equal(t, "ack", events[3].kind)
	require.Equal(t, "cmd-9", events[3].name)
	for _, ev := range events {
		require.Equal(t, testHW, ev.hw)
		require.NotNil(t, ev.dev)
	}

	// Every inbound message was audited verbatim with its device attached.
	var audits = m.Publishes()
	require.Len(t, audits, 4)
	for _, a := range audits {
		require.Equal(t, fleet.DirectionIn, a.Direction)
		require.NotEmpty(t, a.DeviceID)
		require.True(t, json.Valid(a.Payload))
	}
	require.Empty(t, m.Errors())
}

func TestRouterUnknownDevice(t *testing.T) {
	var ctx = context.Background()
	var m = store.NewMemory()
	var sink = new(recordingSink)
	var _, bus = startRouter(t, Config{Topics: testTopics()}, m, sink)
	var device = bus.Client()

	// Data from unknown hardware is dropped; the error row is gated.
	require.NoError(t, device.Publish(ctx, "DEVICE/FFFFFFFFFFFF/data",
		[]byte(`{"image_name":"x.jpg","chunk_id":0,"payload":"aGVsbG8="}`)))
	require.NoError(t, device.Publish(ctx, "DEVICE/FFFFFFFFFFFF/data",
		[]byte(`{"image_name":"x.jpg","chunk_id":1,"payload":"aGVsbG8="}`)))

	require.Eventually(t, func() bool {
		return len(m.ErrorCodes()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.ErrUnknownDevice, m.ErrorCodes()[0])
	require.Empty(t, m.Errors()[0].DeviceID)
	require.Empty(t, sink.snapshot())

	// A status check-in still reaches the sink, with a nil device.
	require.NoError(t, device.Publish(ctx, "DEVICE/FFFFFFFFFFFF/status",
		[]byte(`{"device_id":"FFFFFFFFFFFF","status":"Alive","pendingImg":0}`)))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)
	require.Nil(t, sink.snapshot()[0].dev)

	// Everything was still audited.
	require.Len(t, m.Publishes(), 3)
}

func TestRouterBadTopic(t *testing.T) {
	var ctx = context.Background()
	var m = store.NewMemory()
	var sink = new(recordingSink)
	var _, bus = startRouter(t, Config{Topics: testTopics()}, m, sink)
	var device = bus.Client()

	require.NoError(t, device.Publish(ctx, "DEVICE/a0b1c2d3e4f5/data", // lower case
		[]byte(`{"image_name":"x.jpg","chunk_id":0,"payload":"aGVsbG8="}`)))

	require.Eventually(t, func() bool { return len(m.ErrorCodes()) == 1 },
		time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.ErrBadTopic, m.ErrorCodes()[0])
	require.Empty(t, sink.snapshot())

	// Audited without device attribution.
	require.Eventually(t, func() bool { return len(m.Publishes()) == 1 },
		time.Second, 5*time.Millisecond)
	require.Empty(t, m.Publishes()[0].DeviceID)
}

func TestRouterParseFail(t *testing.T) {
	var ctx = context.Background()
	var m = store.NewMemory()
	m.AddDevice(fleet.Device{HardwareID: testHW})

	var sink = new(recordingSink)
	var _, bus = startRouter(t, Config{Topics: testTopics()}, m, sink)
	var device = bus.Client()

	require.NoError(t, device.Publish(ctx, "DEVICE/"+testHW+"/status", []byte(`{nope`)))
	// Metadata missing image_name parses as a document but fails validation.
	require.NoError(t, device.Publish(ctx, "DEVICE/"+testHW+"/data",
		[]byte(`{"image_size":100,"total_chunk_count":3}`)))

	require.Eventually(t, func() bool { return len(m.ErrorCodes()) == 2 },
		time.Second, 5*time.Millisecond)
	for _, code := range m.ErrorCodes() {
		require.Equal(t, protocol.ErrParseFail, code)
	}
	require.Empty(t, sink.snapshot())
}

func TestRouterUnclassifiableDataIsDropped(t *testing.T) {
	var ctx = context.Background()
	var m = store.NewMemory()
	m.AddDevice(fleet.Device{HardwareID: testHW})

	var sink = new(recordingSink)
	var _, bus = startRouter(t, Config{Topics: testTopics()}, m, sink)
	var device = bus.Client()

	require.NoError(t, device.Publish(ctx, "DEVICE/"+testHW+"/data",
		[]byte(`{"hello":"world"}`)))

	// Audited, then silently dropped: no sink call, no error row.
	require.Eventually(t, func() bool { return len(m.Publishes()) == 1 },
		time.Second, 5*time.Millisecond)
	require.Empty(t, sink.snapshot())
	require.Empty(t, m.Errors())
}

func TestRouterBackpressure(t *testing.T) {
	var ctx = context.Background()
	var m = store.NewMemory()
	m.AddDevice(fleet.Device{HardwareID: testHW})

	var sink = &recordingSink{gate: make(chan struct{})}
	var _, bus = startRouter(t, Config{Topics: testTopics(), MailboxSize: 2}, m, sink)
	var device = bus.Client()

	// The worker parks on the first message; the mailbox holds two more;
	// the rest must be shed without blocking the publisher.
	for i := 0; i < 8; i++ {
		require.NoError(t, device.Publish(ctx, "DEVICE/"+testHW+"/data",
			[]byte(fmt.Sprintf(`{"image_name":"x.jpg","chunk_id":%d,"payload":"aGVsbG8="}`, i))))
	}

	require.Eventually(t, func() bool {
		for _, code := range m.ErrorCodes() {
			if code == protocol.ErrBackpressureDrop {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// Drop records are gated to one per device per interval.
	var drops int
	for _, code := range m.ErrorCodes() {
		if code == protocol.ErrBackpressureDrop {
			drops++
		}
	}
	require.Equal(t, 1, drops)

	close(sink.gate)
	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 1 },
		time.Second, 5*time.Millisecond)
	// What was accepted is a prefix of what was sent, in order.
	for i, ev := range sink.snapshot() {
		require.Equal(t, fmt.Sprintf("x.jpg/%d", i), ev.name)
	}
}

func TestRouterPostDirective(t *testing.T) {
	var m = store.NewMemory()
	m.AddDevice(fleet.Device{HardwareID: testHW})

	var sink = new(recordingSink)
	var r, _ = startRouter(t, Config{Topics: testTopics()}, m, sink)

	require.True(t, r.Post(testHW, Directive{Kind: DirectiveRetransmit, ImageName: "img_1.jpg"}))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)

	var ev = sink.snapshot()[0]
	require.Equal(t, "directive", ev.kind)
	require.Equal(t, "img_1.jpg", ev.name)
	require.NotNil(t, ev.dev)

	// A closed router refuses posts.
	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	require.False(t, r.Post(testHW, Directive{Kind: DirectiveSweep}))
}

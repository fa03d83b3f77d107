package controller_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtunnel/controller"
	th "github.com/Alia5/usbtunnel/testing"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

const wait = time.Second

type fakeDevice struct {
	mu        sync.Mutex
	incoming  [][]byte
	conn      []bool
	shutdown  bool
	control   func(*controller.ControlRequest)
	desc      []byte
	endpoints tunnel.EndpointTable
}

func (d *fakeDevice) Endpoints() tunnel.EndpointTable { return d.endpoints }

func (d *fakeDevice) Descriptor(value, index uint16) []byte {
	if value>>8 == usb.DeviceDescType {
		return d.desc
	}
	return nil
}

func (d *fakeDevice) ControlRequest(req *controller.ControlRequest) {
	if d.control != nil {
		d.control(req)
	}
}

func (d *fakeDevice) IncomingData(ep uint8, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.incoming = append(d.incoming, append([]byte{ep}, data...))
}

func (d *fakeDevice) ConnectionChanged(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = append(d.conn, connected)
}

func (d *fakeDevice) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown = true
}

func (d *fakeDevice) snapshot() (incoming [][]byte, conn []bool, shutdown bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.incoming...), append([]bool(nil), d.conn...), d.shutdown
}

func newDevice() *fakeDevice {
	return &fakeDevice{
		desc: []byte{0x12, 0x01, 0x00, 0x02, 0, 0, 0, 0x40, 0x09, 0x12, 0x01, 0x00, 0x00, 0x01, 0, 0, 0, 1},
		endpoints: tunnel.EndpointTable{
			{Address: 0x01, Type: 0x02, MaxPacketSize: 64},
			{Address: 0x82, Type: 0x02, MaxPacketSize: 64},
		},
	}
}

type harness struct {
	ctrl *controller.Controller
	dev  *fakeDevice
	peer *th.TunnelPeer
	done chan error
}

func newHarness(t *testing.T, cfg controller.Config, autoAck bool) *harness {
	t.Helper()
	dev := newDevice()
	local, remote := net.Pipe()
	c, err := controller.New(local, dev, cfg, nil, nil)
	require.NoError(t, err)

	h := &harness{ctrl: c, dev: dev, peer: th.NewTunnelPeer(t, remote, autoAck), done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = local.Close()
		_ = remote.Close()
		<-h.done
	})
	return h
}

func TestNewRequiresDevice(t *testing.T) {
	_, err := controller.New(nil, nil, controller.Config{}, nil, nil)
	assert.ErrorIs(t, err, controller.ErrNoDevice)
}

func TestAttachSendsTableThenAttach(t *testing.T) {
	h := newHarness(t, controller.Config{}, true)
	require.NoError(t, h.ctrl.Attach())

	p := h.peer.Expect(tunnel.CmdEndpoints, wait)
	assert.Equal(t, h.dev.endpoints, tunnel.DecodeEndpointTable(p.Payload))
	s := h.peer.Expect(tunnel.CmdAttach, wait)
	assert.Equal(t, []byte{1}, s.Payload)
	assert.True(t, h.ctrl.Attached())

	require.NoError(t, h.ctrl.Detach())
	s = h.peer.Expect(tunnel.CmdAttach, wait)
	assert.Equal(t, []byte{0}, s.Payload)
	assert.False(t, h.ctrl.Attached())
}

func TestPiggybackEndpoints(t *testing.T) {
	h := newHarness(t, controller.Config{PiggybackEndpoints: true}, true)
	require.NoError(t, h.ctrl.Attach())
	h.peer.Expect(tunnel.CmdAttach, wait)

	h.peer.Send(tunnel.DescriptorQuery{Value: 0x0100}.Frame())
	d := h.peer.Expect(tunnel.CmdDescriptor, wait)
	desc, table, ok := tunnel.SplitDescriptorReply(usb.DeviceDescType, d.Payload)
	require.True(t, ok)
	assert.Equal(t, h.dev.desc, desc)
	assert.Equal(t, h.dev.endpoints, table)

	h.peer.Send(tunnel.DescriptorQuery{Value: 0x0200}.Frame())
	d = h.peer.Expect(tunnel.CmdDescriptor, wait)
	assert.Empty(t, d.Payload)
}

func TestStopAndWait(t *testing.T) {
	h := newHarness(t, controller.Config{}, false)
	require.NoError(t, h.ctrl.Send(0x82, []byte("one")))
	require.NoError(t, h.ctrl.Send(0x82, []byte("two")))

	f := h.peer.Expect(tunnel.CmdForward, wait)
	assert.Equal(t, append([]byte{0x82}, "one"...), f.Payload)
	h.peer.Quiet(50 * time.Millisecond)
	assert.Equal(t, 2, h.ctrl.Pending())

	// an ack for another command leaves the frame in flight
	h.peer.Send(tunnel.AckFrame(tunnel.CmdAttach))
	h.peer.Quiet(50 * time.Millisecond)

	h.peer.Send(tunnel.AckFrame(tunnel.CmdForward))
	f = h.peer.Expect(tunnel.CmdForward, wait)
	assert.Equal(t, append([]byte{0x82}, "two"...), f.Payload)
	h.peer.Send(tunnel.AckFrame(tunnel.CmdForward))

	require.Eventually(t, func() bool { return h.ctrl.Pending() == 0 }, wait, 5*time.Millisecond)
}

func TestNackRequeuesFrame(t *testing.T) {
	h := newHarness(t, controller.Config{}, false)
	require.NoError(t, h.ctrl.Send(0x82, []byte{1}))
	h.peer.Expect(tunnel.CmdForward, wait)

	h.peer.Send(tunnel.NackFrame(tunnel.CmdForward, tunnel.CmdDescriptor))
	f := h.peer.Expect(tunnel.CmdForward, wait)
	assert.Equal(t, []byte{0x82, 1}, f.Payload)
	assert.EqualValues(t, 1, h.ctrl.Stats().Nacks)
}

func TestRepliesJumpTheQueue(t *testing.T) {
	h := newHarness(t, controller.Config{}, false)
	require.NoError(t, h.ctrl.Send(0x82, []byte{1}))
	require.NoError(t, h.ctrl.Send(0x82, []byte{2}))
	h.peer.Expect(tunnel.CmdForward, wait)

	// The device is blocked waiting for a descriptor, so it rejects the
	// forward frame and sends its query.
	h.peer.Send(tunnel.NackFrame(tunnel.CmdForward, tunnel.CmdDescriptor))
	h.peer.Send(tunnel.DescriptorQuery{Value: 0x0100}.Frame())

	// Depending on timing the rejected frame may be resent before the query
	// is read; reject it again until the reply shows up.
	for {
		f := h.peer.Next(wait)
		if f.Command == tunnel.CmdDescriptor {
			assert.Equal(t, h.dev.desc, f.Payload)
			break
		}
		require.Equal(t, tunnel.CmdForward, f.Command)
		h.peer.Send(tunnel.NackFrame(tunnel.CmdForward, tunnel.CmdDescriptor))
	}
	h.peer.Send(tunnel.AckFrame(tunnel.CmdDescriptor, tunnel.CmdDescriptor))

	f := h.peer.Expect(tunnel.CmdForward, wait)
	assert.Equal(t, []byte{0x82, 1}, f.Payload)
	h.peer.Send(tunnel.AckFrame(tunnel.CmdForward))
	f = h.peer.Expect(tunnel.CmdForward, wait)
	assert.Equal(t, []byte{0x82, 2}, f.Payload)
}

func TestRetransmitAfterTimeout(t *testing.T) {
	h := newHarness(t, controller.Config{AckTimeout: 30 * time.Millisecond}, false)
	require.NoError(t, h.ctrl.Send(0x82, []byte{7}))

	h.peer.Expect(tunnel.CmdForward, wait)
	f := h.peer.Expect(tunnel.CmdForward, wait)
	assert.Equal(t, []byte{0x82, 7}, f.Payload)
	h.peer.Send(tunnel.AckFrame(tunnel.CmdForward))

	require.Eventually(t, func() bool { return h.ctrl.Pending() == 0 }, wait, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.ctrl.Stats().Retransmits, uint64(1))
}

func TestSendSplitsLargeData(t *testing.T) {
	h := newHarness(t, controller.Config{}, true)
	data := make([]byte, 2*(tunnel.MaxPayload-1)+10)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, h.ctrl.Send(0x82, data))

	var got []byte
	for _, n := range []int{tunnel.MaxPayload - 1, tunnel.MaxPayload - 1, 10} {
		f := h.peer.Expect(tunnel.CmdForward, wait)
		require.Len(t, f.Payload, 1+n)
		assert.Equal(t, byte(0x82), f.Payload[0])
		got = append(got, f.Payload[1:]...)
	}
	assert.Equal(t, data, got)
}

func TestSendEmptyStillSendsFrame(t *testing.T) {
	h := newHarness(t, controller.Config{}, true)
	require.NoError(t, h.ctrl.Send(0x82, nil))
	f := h.peer.Expect(tunnel.CmdForward, wait)
	assert.Equal(t, []byte{0x82}, f.Payload)
}

func TestQueueFull(t *testing.T) {
	h := newHarness(t, controller.Config{MaxQueue: 2}, false)
	require.NoError(t, h.ctrl.Send(0x82, []byte{1}))
	h.peer.Expect(tunnel.CmdForward, wait)
	require.NoError(t, h.ctrl.Send(0x82, []byte{2}))
	require.NoError(t, h.ctrl.Send(0x82, []byte{3}))
	assert.ErrorIs(t, h.ctrl.Send(0x82, []byte{4}), controller.ErrQueueFull)
}

func TestSetEndpoints(t *testing.T) {
	h := newHarness(t, controller.Config{}, true)
	table := tunnel.EndpointTable{{Address: 0x83, Type: 0x03, MaxPacketSize: 8}}
	require.NoError(t, h.ctrl.SetEndpoints(table))
	p := h.peer.Expect(tunnel.CmdEndpoints, wait)
	assert.Equal(t, table, tunnel.DecodeEndpointTable(p.Payload))
	assert.Equal(t, table, h.ctrl.Endpoints())

	tooMany := make(tunnel.EndpointTable, tunnel.MaxEndpoints+1)
	assert.Error(t, h.ctrl.SetEndpoints(tooMany))
}

func TestControlReplies(t *testing.T) {
	tests := []struct {
		name    string
		setup   usb.SetupPacket
		data    []byte
		decide  func(*controller.ControlRequest)
		payload []byte
	}{
		{
			name:    "ignored IN request",
			setup:   usb.SetupPacket{RequestType: 0xC0, Request: 1, Length: 4},
			payload: []byte{0},
		},
		{
			name:    "handled IN request truncated to wLength",
			setup:   usb.SetupPacket{RequestType: 0xC0, Request: 1, Length: 2},
			decide:  func(r *controller.ControlRequest) { r.Handle([]byte{9, 8, 7}) },
			payload: []byte{1, 9, 8},
		},
		{
			name:    "OUT data cannot be ignored",
			setup:   usb.SetupPacket{RequestType: 0x40, Request: 2, Length: 2},
			data:    []byte{5, 6},
			payload: []byte{1},
		},
		{
			name:    "stall",
			setup:   usb.SetupPacket{RequestType: 0x40, Request: 3},
			decide:  func(r *controller.ControlRequest) { r.Stall = true; r.Ignore = false },
			payload: []byte{2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, controller.Config{}, true)
			var seen []byte
			h.dev.control = func(r *controller.ControlRequest) {
				seen = r.Data
				if tt.decide != nil {
					tt.decide(r)
				}
			}
			h.peer.Send(tunnel.ControlQuery{Setup: tt.setup, Data: tt.data}.Frame())
			f := h.peer.Expect(tunnel.CmdControl, wait)
			assert.Equal(t, tt.payload, f.Payload)
			if len(tt.data) > 0 {
				assert.Equal(t, tt.data, seen)
			}
		})
	}
}

func TestInboundConnectionAndEcho(t *testing.T) {
	h := newHarness(t, controller.Config{}, true)
	h.peer.Send(tunnel.ConnectionFrame(true))
	h.peer.Send(tunnel.InboundFrame(0x01, []byte("hello")))
	h.peer.Send(tunnel.NewFrame(tunnel.CmdUnknown, byte('Z')))
	h.peer.Send(tunnel.ConnectionFrame(false))

	require.Eventually(t, func() bool {
		_, conn, _ := h.dev.snapshot()
		return len(conn) == 2
	}, wait, 5*time.Millisecond)

	incoming, conn, _ := h.dev.snapshot()
	assert.Equal(t, [][]byte{append([]byte{0x01}, "hello"...)}, incoming)
	assert.Equal(t, []bool{true, false}, conn)
	assert.False(t, h.ctrl.Connected())
	assert.EqualValues(t, 1, h.ctrl.Stats().Echoes)
}

func TestRunStopsOnLinkClose(t *testing.T) {
	dev := newDevice()
	local, remote := net.Pipe()
	c, err := controller.New(local, dev, controller.Config{}, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	_ = remote.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(wait):
		t.Fatal("Run did not return")
	}
	_, _, shutdown := dev.snapshot()
	assert.True(t, shutdown)
}

func TestReadLoopSkipsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		bad   []byte
		pause time.Duration
	}{
		{name: "zero length", bad: []byte{0x00, 0x00}},
		{name: "oversized", bad: append([]byte{0xFF, 0xFF}, make([]byte, 0xFFFF)...)},
		{name: "stalled body", bad: []byte{0x10, 0x00, 'I', 0x01}, pause: 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, controller.Config{FrameTimeout: 20 * time.Millisecond}, true)
			h.peer.SendRaw(tt.bad)
			time.Sleep(tt.pause)
			h.peer.Send(tunnel.InboundFrame(0x01, []byte("ok")))

			require.Eventually(t, func() bool {
				incoming, _, _ := h.dev.snapshot()
				return len(incoming) == 1
			}, wait, 5*time.Millisecond)
			incoming, _, _ := h.dev.snapshot()
			assert.Equal(t, append([]byte{0x01}, "ok"...), incoming[0])
			assert.EqualValues(t, 1, h.ctrl.Stats().Discarded)

			assert.Empty(t, h.done, "Run returned")
		})
	}
}

package serialadapter

import (
	"bytes"
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

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func vendor(in bool, req uint8, value, index, length uint16) *controller.ControlRequest {
	rt := uint8(usb.RequestTypeVendor)
	if in {
		rt |= usb.RequestDirIn
	}
	return &controller.ControlRequest{
		Setup:  usb.SetupPacket{RequestType: rt, Request: req, Value: value, Index: index, Length: length},
		Ignore: true,
	}
}

func TestBaudFromDivisor(t *testing.T) {
	tests := []struct {
		value, index uint16
		want         uint32
	}{
		{0x4138, 0, 9600},
		{0x0000, 0, 3000000},
		{0x0001, 0, 2000000},
		{0x001A, 0, 115384},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, baudFromDivisor(tt.value, tt.index), "value 0x%04x", tt.value)
	}
}

func TestVendorRequests(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)

	req := vendor(false, reqSetBaudRate, 0x4138, 0, 0)
	a.ControlRequest(req)
	assert.False(t, req.Ignore)

	a.ControlRequest(vendor(false, reqSetData, 0x0008|1<<8|2<<11, 0, 0))
	a.ControlRequest(vendor(false, reqModemCtrl, 0x0303, 0, 0))
	a.ControlRequest(vendor(false, reqModemCtrl, 0x0200, 0, 0))
	assert.Equal(t, LineState{BaudRate: 9600, DataBits: 8, Parity: 1, StopBits: 2, DTR: true}, a.Line())

	req = vendor(true, reqGetModemStat, 0, 0, 2)
	a.ControlRequest(req)
	assert.Equal(t, []byte{0x01, 0x60}, req.Reply)

	req = vendor(true, reqReadEEPROM, 0, 0x10, 2)
	a.ControlRequest(req)
	assert.Equal(t, []byte{0, 0}, req.Reply)

	req = vendor(false, 0x42, 0, 0, 0)
	a.ControlRequest(req)
	assert.True(t, req.Ignore)

	req = &controller.ControlRequest{Setup: usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.ReqGetDescriptor, Length: 18}, Ignore: true}
	a.ControlRequest(req)
	assert.True(t, req.Ignore)
}

func TestEndpointsAndDescriptor(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, tunnel.EndpointTable{
		{Address: outEndpoint, Type: 0x02, MaxPacketSize: packetSize},
		{Address: inEndpoint, Type: 0x02, MaxPacketSize: packetSize},
	}, a.Endpoints())

	dev, err := usb.ParseDeviceDescriptor(a.Descriptor(0x0100, 0))
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0403), dev.IDVendor)
	assert.Equal(t, uint16(0x6001), dev.IDProduct)
}

func TestWriteBeforeInit(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)
	_, err = a.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestDataOverLink(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)
	var got lockedBuffer
	a.SetOutput(&got)

	local, remote := net.Pipe()
	c, err := controller.New(local, a, controller.Config{}, nil, nil)
	require.NoError(t, err)
	peer := th.NewTunnelPeer(t, remote, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = local.Close()
		_ = remote.Close()
		<-done
	})

	msg := bytes.Repeat([]byte("0123456789"), 7)
	n, err := a.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	first := peer.Expect(tunnel.CmdForward, time.Second)
	require.Len(t, first.Payload, 1+packetSize)
	assert.Equal(t, []byte{inEndpoint, 0x01, 0x60}, first.Payload[:3])
	second := peer.Expect(tunnel.CmdForward, time.Second)
	assert.Equal(t, msg[packetSize-statusLen:], second.Payload[3:])

	peer.Send(tunnel.InboundFrame(outEndpoint, []byte("AT\r")))
	peer.Send(tunnel.InboundFrame(0x05, []byte("ignored")))
	require.Eventually(t, func() bool { return got.String() == "AT\r" }, time.Second, 5*time.Millisecond)
}

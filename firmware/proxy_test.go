package firmware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

var testDeviceDescriptor = usb.DeviceDescriptor{
	BcdUSB:             0x0200,
	BMaxPacketSize0:    0x40,
	IDVendor:           0x1234,
	IDProduct:          0x5678,
	BcdDevice:          0x0100,
	IManufacturer:      1,
	IProduct:           2,
	BNumConfigurations: 1,
}.Bytes()

func TestControlRequestDeviceToHost(t *testing.T) {
	f, serial, port := newTestFirmware(testConfig())
	setup := usb.SetupPacket{RequestType: 0xA1, Request: 0x01, Value: 0x0100, Index: 0, Length: 8}
	serial.feed(t, tunnel.ControlReply{Status: tunnel.StatusHandle, Data: []byte{0xAA, 0xBB}}.Frame())

	_, err := f.HandleEvent(context.Background(), Event{Kind: EventControlRequest, Setup: setup})
	require.NoError(t, err)

	assert.Equal(t, []tunnel.Frame{
		tunnel.ControlQuery{Setup: setup}.Frame(),
		tunnel.AckFrame(tunnel.CmdControl, tunnel.CmdControl),
	}, serial.sent(t))
	assert.True(t, port.setupCleared)
	assert.Equal(t, []byte{0xAA, 0xBB}, port.controlOut)
	assert.True(t, port.statusCleared)
	assert.False(t, port.stalled)
}

func TestControlRequestHostToDevice(t *testing.T) {
	f, serial, port := newTestFirmware(testConfig())
	setup := usb.SetupPacket{RequestType: 0x21, Request: 0x09, Value: 0x0200, Index: 0, Length: 1}
	port.controlIn = []byte{0x02}
	serial.feed(t, tunnel.ControlReply{}.Frame())

	_, err := f.HandleEvent(context.Background(), Event{Kind: EventControlRequest, Setup: setup})
	require.NoError(t, err)

	sent := serial.sent(t)
	require.Len(t, sent, 2)
	assert.Equal(t, []byte{0x21, 0x09, 0x00, 0x02, 0x00, 0x00, 0x01, 0x00, 0x02}, sent[0].Payload)
	assert.True(t, port.setupCleared)
	assert.True(t, port.statusCleared, "data stage was consumed, status stage must complete")
	assert.False(t, port.controlWritten)
}

func TestControlRequestNotHandled(t *testing.T) {
	f, serial, port := newTestFirmware(testConfig())
	serial.feed(t, tunnel.ControlReply{}.Frame())

	_, err := f.HandleEvent(context.Background(), Event{
		Kind:  EventControlRequest,
		Setup: usb.SetupPacket{RequestType: 0x80, Request: usb.ReqGetStatus, Length: 2},
	})
	require.NoError(t, err)
	assert.False(t, port.setupCleared)
	assert.False(t, port.statusCleared)
	assert.False(t, port.stalled)
}

func TestControlRequestStall(t *testing.T) {
	f, serial, port := newTestFirmware(testConfig())
	serial.feed(t, tunnel.ControlReply{Status: tunnel.StatusStall}.Frame())

	_, err := f.HandleEvent(context.Background(), Event{
		Kind:  EventControlRequest,
		Setup: usb.SetupPacket{RequestType: 0xC0, Request: 0x01, Length: 4},
	})
	require.NoError(t, err)
	assert.True(t, port.stalled)
	assert.False(t, port.statusCleared)
}

func TestWaitRejectsUnexpectedFrames(t *testing.T) {
	f, serial, port := newTestFirmware(testConfig())
	setup := usb.SetupPacket{RequestType: 0xA1, Request: 0x01, Length: 1}
	serial.feed(t,
		tunnel.ForwardFrame(0x81, []byte{1, 2, 3}),
		tunnel.AttachFrame(true),
		tunnel.ControlReply{Status: tunnel.StatusHandle, Data: []byte{0x07}}.Frame(),
	)

	_, err := f.HandleEvent(context.Background(), Event{Kind: EventControlRequest, Setup: setup})
	require.NoError(t, err)

	assert.Equal(t, []tunnel.Frame{
		tunnel.ControlQuery{Setup: setup}.Frame(),
		tunnel.NackFrame(tunnel.CmdForward, tunnel.CmdControl),
		tunnel.NackFrame(tunnel.CmdAttach, tunnel.CmdControl),
		tunnel.AckFrame(tunnel.CmdControl, tunnel.CmdControl),
	}, serial.sent(t))
	assert.Empty(t, port.in[0x81], "rejected frames are dropped")
	assert.False(t, port.attached)
	assert.Equal(t, []byte{0x07}, port.controlOut)
	assert.Equal(t, uint64(2), f.Stats().Mismatches)
}

func TestWaitBoundedByMismatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMismatches = 2
	f, serial, port := newTestFirmware(cfg)
	serial.feed(t, tunnel.AttachFrame(true), tunnel.AttachFrame(true))

	_, err := f.HandleEvent(context.Background(), Event{
		Kind:  EventControlRequest,
		Setup: usb.SetupPacket{RequestType: 0x80, Request: usb.ReqGetStatus, Length: 2},
	})
	require.ErrorIs(t, err, ErrProtocolMismatch)
	assert.True(t, port.stalled)
}

func TestWaitBoundedByTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ReplyTimeout = 20 * time.Millisecond
	f, _, _ := newTestFirmware(cfg)

	start := time.Now()
	desc, err := f.HandleEvent(context.Background(), Event{
		Kind:  EventGetDescriptor,
		Setup: usb.SetupPacket{Value: uint16(usb.DeviceDescType) << 8},
	})
	require.ErrorIs(t, err, ErrReplyTimeout)
	assert.Nil(t, desc)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDescriptorWithPiggybackTable(t *testing.T) {
	f, serial, _ := newTestFirmware(testConfig())
	table := tunnel.EndpointTable{
		{Address: 0x81, Type: usb.TransferInterrupt, MaxPacketSize: 8},
		{Address: 0x01, Type: usb.TransferInterrupt, MaxPacketSize: 8},
	}
	serial.feed(t, tunnel.DescriptorReply(testDeviceDescriptor, table))

	desc, err := f.HandleEvent(context.Background(), Event{
		Kind:  EventGetDescriptor,
		Setup: usb.SetupPacket{Value: uint16(usb.DeviceDescType) << 8},
	})
	require.NoError(t, err)
	assert.Equal(t, testDeviceDescriptor, desc)
	assert.Equal(t, table, f.Endpoints())
	assert.Equal(t, []tunnel.Frame{
		tunnel.DescriptorQuery{Value: 0x0100}.Frame(),
		tunnel.AckFrame(tunnel.CmdDescriptor, tunnel.CmdDescriptor),
	}, serial.sent(t))
}

func TestDescriptorConfigurationLength(t *testing.T) {
	f, serial, _ := newTestFirmware(testConfig())
	table := tunnel.EndpointTable{{Address: 0x81, Type: usb.TransferInterrupt, MaxPacketSize: 8}}
	f.endpoints = table
	cfg := []byte{0x09, 0x02, 0x09, 0x00, 0x00, 0x01, 0x00, 0x80, 0x32}
	serial.feed(t, tunnel.NewFrame(tunnel.CmdDescriptor, append(cfg, 0xEE, 0xEE)...))

	desc, err := f.HandleEvent(context.Background(), Event{
		Kind:  EventGetDescriptor,
		Setup: usb.SetupPacket{Value: uint16(usb.ConfigDescType) << 8},
	})
	require.NoError(t, err)
	assert.Equal(t, cfg, desc)
	assert.Equal(t, table, f.Endpoints(), "only device descriptors carry a table")
}

func TestDescriptorMissing(t *testing.T) {
	f, serial, _ := newTestFirmware(testConfig())
	serial.feed(t, tunnel.NewFrame(tunnel.CmdDescriptor))

	desc, err := f.HandleEvent(context.Background(), Event{
		Kind:  EventGetDescriptor,
		Setup: usb.SetupPacket{Value: uint16(usb.StringDescType)<<8 | 7, Index: 0x0409},
	})
	require.NoError(t, err)
	assert.Nil(t, desc)
}

func TestConnectionEvents(t *testing.T) {
	f, serial, _ := newTestFirmware(testConfig())

	_, err := f.HandleEvent(context.Background(), Event{Kind: EventConnect})
	require.NoError(t, err)
	_, err = f.HandleEvent(context.Background(), Event{Kind: EventDisconnect})
	require.NoError(t, err)

	assert.Equal(t, []tunnel.Frame{
		tunnel.ConnectionFrame(true),
		tunnel.ConnectionFrame(false),
	}, serial.sent(t))
}

func TestConfigurationChangedConfiguresEndpoints(t *testing.T) {
	f, _, port := newTestFirmware(testConfig())
	f.endpoints = tunnel.EndpointTable{
		{Address: 0x81, Type: usb.TransferInterrupt, MaxPacketSize: 8},
		{Address: 0x02, Type: usb.TransferBulk, MaxPacketSize: 64},
	}

	_, err := f.HandleEvent(context.Background(), Event{Kind: EventConfigurationChanged})
	require.NoError(t, err)
	assert.Equal(t, []tunnel.EndpointConfig(f.endpoints), port.configured)
}

func TestPiggybackTableConfiguresEndpoints(t *testing.T) {
	f, serial, port := newTestFirmware(testConfig())
	table := tunnel.EndpointTable{
		{Address: 0x81, Type: usb.TransferBulk, MaxPacketSize: 64},
		{Address: 0x02, Type: usb.TransferBulk, MaxPacketSize: 64},
	}
	serial.feed(t, tunnel.DescriptorReply(testDeviceDescriptor, table))

	ctx := context.Background()
	_, err := f.HandleEvent(ctx, Event{
		Kind:  EventGetDescriptor,
		Setup: usb.SetupPacket{Value: uint16(usb.DeviceDescType) << 8},
	})
	require.NoError(t, err)
	assert.Empty(t, port.configured, "endpoints wait for SET_CONFIGURATION")

	_, err = f.HandleEvent(ctx, Event{Kind: EventConfigurationChanged})
	require.NoError(t, err)
	assert.Equal(t, []tunnel.EndpointConfig(table), port.configured)
}

func TestStepDeliversUSBEvents(t *testing.T) {
	f, serial, port := newTestFirmware(testConfig())
	port.events = []Event{{Kind: EventConnect}}

	progress, err := f.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, progress)
	require.Len(t, port.results, 1)
	assert.NoError(t, port.results[0].err)
	assert.Equal(t, []tunnel.Frame{tunnel.ConnectionFrame(true)}, serial.sent(t))
}

package usb_test

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtunnel/firmware"
	"github.com/Alia5/usbtunnel/internal/log"
	srvusb "github.com/Alia5/usbtunnel/internal/server/usb"
	th "github.com/Alia5/usbtunnel/testing"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
	"github.com/Alia5/usbtunnel/usbip"
)

const replyTimeout = 2 * time.Second

var nextBusID atomic.Uint32

func init() { nextBusID.Store(81000) }

// fakeFirmware answers USB events the way the tunnel firmware would for a
// HID device with one interrupt endpoint per direction.
type fakeFirmware struct {
	srv  *srvusb.Server
	desc *usb.Descriptor

	mu        sync.Mutex
	events    []firmware.EventKind
	setReport []byte
}

func (f *fakeFirmware) HandleEvent(_ context.Context, ev firmware.Event) ([]byte, error) {
	f.mu.Lock()
	f.events = append(f.events, ev.Kind)
	f.mu.Unlock()

	switch ev.Kind {
	case firmware.EventGetDescriptor:
		return f.desc.Lookup(ev.Setup.Value, ev.Setup.Index), nil
	case firmware.EventConfigurationChanged:
		for _, ep := range tunnel.EndpointTableFromDescriptors(f.desc.EndpointDescriptors()) {
			if err := f.srv.ConfigureEndpoint(ep); err != nil {
				return nil, err
			}
		}
	case firmware.EventControlRequest:
		if ev.Setup.Type() != usb.RequestTypeClass {
			return nil, nil
		}
		f.srv.ClearSetup()
		if ev.Setup.IsDeviceToHost() {
			_ = f.srv.WriteControl([]byte{0x01, 0x02, 0x03})
		} else {
			buf := make([]byte, ev.Setup.Length)
			n, err := f.srv.ReadControl(buf)
			if err != nil {
				return nil, err
			}
			f.mu.Lock()
			f.setReport = buf[:n]
			f.mu.Unlock()
		}
		f.srv.ClearStatusStage()
	}
	return nil, nil
}

func (f *fakeFirmware) seen(kind firmware.EventKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.events, kind)
}

func testDescriptor() *usb.Descriptor {
	return &usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    64,
			IDVendor:           0x1209,
			IDProduct:          0x0001,
			BcdDevice:          0x0100,
			BNumConfigurations: 1,
		},
		Interfaces: []usb.InterfaceConfig{{
			Descriptor: usb.InterfaceDescriptor{
				BNumEndpoints:      2,
				BInterfaceClass:    0x03,
				BInterfaceSubClass: 0x01,
				BInterfaceProtocol: 0x01,
			},
			Endpoints: []usb.EndpointDescriptor{
				{BEndpointAddress: 0x81, BMAttributes: usb.TransferInterrupt, WMaxPacketSize: 8, BInterval: 1},
				{BEndpointAddress: 0x02, BMAttributes: usb.TransferInterrupt, WMaxPacketSize: 8, BInterval: 1},
			},
		}},
	}
}

type harness struct {
	srv    *srvusb.Server
	fw     *fakeFirmware
	client *th.TestUsbIpClient
	busID  string
}

func newHarness(t *testing.T, mutate ...func(*srvusb.ServerConfig)) *harness {
	t.Helper()
	cfg := srvusb.ServerConfig{
		Addr:              "127.0.0.1:0",
		BusID:             nextBusID.Add(1),
		Speed:             usbip.SpeedFull,
		InQueueBytes:      64,
		ConnectionTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := srvusb.New(cfg, slog.Default(), log.NewRaw(nil))
	require.NoError(t, err)

	fw := &fakeFirmware{srv: srv, desc: testDescriptor()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			if !srv.Task(ctx, fw) {
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	go func() { _ = srv.ListenAndServe() }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		_ = srv.Close()
		cancel()
		<-done
	})

	require.NoError(t, srv.Attach())
	ports := srv.Bus().Ports()
	require.Len(t, ports, 1)
	return &harness{
		srv:    srv,
		fw:     fw,
		client: th.NewUsbIpClient(t, srv.Addr()),
		busID:  ports[0].Meta.BusIDString(),
	}
}

func (h *harness) importDevice(t *testing.T) *th.ImportResult {
	t.Helper()
	res, err := h.client.AttachDevice(h.busID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Conn.Close() })
	require.Eventually(t, func() bool { return h.fw.seen(firmware.EventConnect) }, replyTimeout, time.Millisecond)
	return res
}

func (h *harness) configure(t *testing.T, res *th.ImportResult) {
	t.Helper()
	r, err := h.client.Control(res.Conn, usb.SetupPacket{Request: usb.ReqSetConfiguration, Value: 1}, nil, replyTimeout)
	require.NoError(t, err)
	require.Equal(t, int32(usbip.StatusOK), r.Status)
}

func TestDevListReportsDescriptors(t *testing.T) {
	h := newHarness(t)

	devs, err := h.client.ListDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)
	d := devs[0]
	assert.Equal(t, h.busID, d.BusIDString())
	assert.Equal(t, uint16(0x1209), d.Vendor)
	assert.Equal(t, uint16(0x0001), d.Product)
	assert.Equal(t, uint32(usbip.SpeedFull), d.Speed)
	assert.Equal(t, uint8(1), d.Config)
	require.Len(t, d.Interfaces, 1)
	assert.Equal(t, usbip.Interface{Class: 0x03, SubClass: 0x01, Protocol: 0x01}, d.Interfaces[0])
}

func TestDevListEmptyWhenDetached(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.srv.Detach())

	devs, err := h.client.ListDevices()
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestImportUnknownBusID(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.AttachDevice("99-99")
	require.Error(t, err)
}

func TestSecondImportRejected(t *testing.T) {
	h := newHarness(t)
	h.importDevice(t)

	_, err := h.client.AttachDevice(h.busID)
	require.Error(t, err)
}

func TestStandardRequests(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)

	tests := []struct {
		name   string
		setup  usb.SetupPacket
		status int32
		want   []byte
	}{
		{
			name:   "device descriptor truncated to wLength",
			setup:  usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.ReqGetDescriptor, Value: usb.DeviceDescType << 8, Length: 8},
			status: usbip.StatusOK,
			want:   testDescriptor().Bytes()[:8],
		},
		{
			name:   "full configuration descriptor",
			setup:  usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.ReqGetDescriptor, Value: usb.ConfigDescType << 8, Length: 0xFF},
			status: usbip.StatusOK,
			want:   testDescriptor().ConfigBytes(),
		},
		{
			name:   "missing string descriptor stalls",
			setup:  usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.ReqGetDescriptor, Value: usb.StringDescType<<8 | 5, Length: 0xFF},
			status: usbip.StatusStall,
		},
		{
			name:   "get status",
			setup:  usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.ReqGetStatus, Length: 2},
			status: usbip.StatusOK,
			want:   []byte{0x00, 0x00},
		},
		{
			name:   "unconfigured device",
			setup:  usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.ReqGetConfiguration, Length: 1},
			status: usbip.StatusOK,
			want:   []byte{0x00},
		},
		{
			name:   "vendor request stalls",
			setup:  usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RequestTypeVendor, Request: 0x42, Length: 4},
			status: usbip.StatusStall,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := h.client.Control(res.Conn, tt.setup, nil, replyTimeout)
			require.NoError(t, err)
			assert.Equal(t, tt.status, r.Status)
			if tt.want != nil {
				assert.Equal(t, tt.want, r.Data)
			}
		})
	}
}

func TestSetConfigurationConfiguresEndpoints(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)
	h.configure(t, res)

	assert.True(t, h.fw.seen(firmware.EventConfigurationChanged))
	r, err := h.client.Control(res.Conn, usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.ReqGetConfiguration, Length: 1}, nil, replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, r.Data)
}

func TestClassRequestsReachFirmware(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)

	out := usb.SetupPacket{RequestType: usb.RequestTypeClass | usb.RecipientInterface, Request: 0x09, Value: 0x0200, Length: 1}
	r, err := h.client.Control(res.Conn, out, []byte{0x07}, replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusOK), r.Status)
	h.fw.mu.Lock()
	assert.Equal(t, []byte{0x07}, h.fw.setReport)
	h.fw.mu.Unlock()

	in := usb.SetupPacket{RequestType: usb.RequestDirIn | usb.RequestTypeClass | usb.RecipientInterface, Request: 0x01, Length: 2}
	r, err = h.client.Control(res.Conn, in, nil, replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusOK), r.Status)
	assert.Equal(t, []byte{0x01, 0x02}, r.Data)
}

func TestInTransferWaitsForDeviceData(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)
	h.configure(t, res)

	seq, err := h.client.Submit(res.Conn, usbip.DirIn, 1, 8, nil, nil)
	require.NoError(t, err)

	_, err = h.client.ReadReply(res.Conn, 50*time.Millisecond)
	require.Error(t, err, "IN URB must stay pending without data")

	n, err := h.srv.WriteStream(0x81, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	r, err := h.client.ReadReply(res.Conn, replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, seq, r.Seq)
	assert.Equal(t, []byte{0xAA, 0xBB}, r.Data)
}

func TestInDataSplitsAcrossShortURBs(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)
	h.configure(t, res)

	_, err := h.srv.WriteStream(0x81, []byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	for _, want := range [][]byte{{1, 2, 3, 4}, {5, 6}} {
		_, err := h.client.Submit(res.Conn, usbip.DirIn, 1, 4, nil, nil)
		require.NoError(t, err)
		r, err := h.client.ReadReply(res.Conn, replyTimeout)
		require.NoError(t, err)
		assert.Equal(t, want, r.Data)
	}
}

func TestOutTransferCompletesWhenRead(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)
	h.configure(t, res)

	seq, err := h.client.Submit(res.Conn, usbip.DirOut, 2, 0, []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.srv.OutPending(0x02) == 4 }, replyTimeout, time.Millisecond)

	buf := make([]byte, 8)
	n, err := h.srv.ReadStream(0x02, buf)
	require.ErrorIs(t, err, firmware.ErrIncompleteTransfer)
	require.Equal(t, []byte{1, 2, 3, 4}, buf[:n])
	assert.Zero(t, h.srv.OutPending(0x02))

	r, err := h.client.ReadReply(res.Conn, replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, seq, r.Seq)
	assert.Equal(t, int32(usbip.StatusOK), r.Status)
}

func TestUnconfiguredEndpointStalls(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)

	_, err := h.client.Submit(res.Conn, usbip.DirIn, 1, 8, nil, nil)
	require.NoError(t, err)
	r, err := h.client.ReadReply(res.Conn, replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, int32(usbip.StatusStall), r.Status)
}

func TestUnlink(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)
	h.configure(t, res)

	seq, err := h.client.Submit(res.Conn, usbip.DirIn, 1, 8, nil, nil)
	require.NoError(t, err)
	unlinkSeq, err := h.client.Unlink(res.Conn, seq)
	require.NoError(t, err)

	r, err := h.client.ReadReply(res.Conn, replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint32(usbip.RetUnlinkCode), r.Command)
	assert.Equal(t, unlinkSeq, r.Seq)
	assert.Equal(t, int32(usbip.StatusConnReset), r.Status)

	// Data written after the unlink goes to the next URB.
	_, err = h.srv.WriteStream(0x81, []byte{0x09})
	require.NoError(t, err)
	next, err := h.client.Submit(res.Conn, usbip.DirIn, 1, 8, nil, nil)
	require.NoError(t, err)
	r, err = h.client.ReadReply(res.Conn, replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, next, r.Seq)
	assert.Equal(t, []byte{0x09}, r.Data)

	// Unlinking a completed URB reports success.
	_, err = h.client.Unlink(res.Conn, next)
	require.NoError(t, err)
	r, err = h.client.ReadReply(res.Conn, replyTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint32(usbip.RetUnlinkCode), r.Command)
	assert.Equal(t, int32(usbip.StatusOK), r.Status)
}

func TestWriteStreamErrors(t *testing.T) {
	h := newHarness(t, func(c *srvusb.ServerConfig) { c.InQueueBytes = 4 })
	res := h.importDevice(t)

	_, err := h.srv.WriteStream(0x81, []byte{1})
	require.ErrorIs(t, err, firmware.ErrEndpointNotConfigured)

	h.configure(t, res)
	n, err := h.srv.WriteStream(0x81, []byte{1, 2, 3, 4, 5, 6})
	require.ErrorIs(t, err, firmware.ErrIncompleteTransfer)
	assert.Equal(t, 4, n)

	require.NoError(t, h.srv.Detach())
	_, err = h.srv.WriteStream(0x81, []byte{1})
	require.ErrorIs(t, err, firmware.ErrNotAttached)
}

func TestDetachEndsImport(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)

	require.NoError(t, h.srv.Detach())
	_, err := h.client.ReadReply(res.Conn, replyTimeout)
	require.Error(t, err)
	require.Eventually(t, func() bool { return h.fw.seen(firmware.EventDisconnect) }, replyTimeout, time.Millisecond)
}

func TestClientDisconnectReported(t *testing.T) {
	h := newHarness(t)
	res := h.importDevice(t)

	require.NoError(t, res.Conn.Close())
	require.Eventually(t, func() bool { return h.fw.seen(firmware.EventDisconnect) }, replyTimeout, time.Millisecond)

	// The device can be imported again.
	h.importDevice(t)
}

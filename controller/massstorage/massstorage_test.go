package massstorage

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtunnel/controller"
	th "github.com/Alia5/usbtunnel/testing"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

// hostPipe collects what the disk sends on its IN endpoint.
type hostPipe struct {
	data []byte
}

func (h *hostPipe) send(ep uint8, data []byte) error {
	if ep != inEndpoint {
		return nil
	}
	h.data = append(h.data, data...)
	return nil
}

// take returns the IN data stage and the CSW that ended it.
func (h *hostPipe) take(t *testing.T) ([]byte, []byte) {
	t.Helper()
	require.GreaterOrEqual(t, len(h.data), cswSize)
	n := len(h.data) - cswSize
	data, csw := h.data[:n], h.data[n:]
	h.data = nil
	return data, csw
}

func newDisk(t *testing.T, args map[string]string) (*Disk, *hostPipe) {
	t.Helper()
	if args == nil {
		args = map[string]string{}
	}
	if _, ok := args["image"]; !ok {
		args["image"] = filepath.Join(t.TempDir(), "disk.img")
	}
	d, err := New(&controller.CreateOptions{Args: args})
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	h := &hostPipe{}
	d.send = h.send
	return d, h
}

func command(tag, length uint32, in bool, cb ...byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, cbwSignature)
	b = binary.LittleEndian.AppendUint32(b, tag)
	b = binary.LittleEndian.AppendUint32(b, length)
	flags := byte(0)
	if in {
		flags = cbwFlagIn
	}
	b = append(b, flags, 0, byte(len(cb)))
	var block [16]byte
	copy(block[:], cb)
	return append(b, block[:]...)
}

func rw10(op byte, lba uint32, count uint16) []byte {
	cb := []byte{op, 0}
	cb = binary.BigEndian.AppendUint32(cb, lba)
	cb = append(cb, 0)
	return binary.BigEndian.AppendUint16(cb, count)
}

func assertCSW(t *testing.T, csw []byte, tag, residue uint32, status uint8) {
	t.Helper()
	assert.Equal(t, appendCSW(nil, tag, residue, status), csw)
}

func TestNewCreatesImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.img")
	d, _ := newDisk(t, map[string]string{"image": path, "blocks": "64"})
	assert.Equal(t, uint32(64), d.Blocks())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(64*blockSize), st.Size())
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNoImage)

	dir := t.TempDir()
	tiny := filepath.Join(dir, "tiny.img")
	require.NoError(t, os.WriteFile(tiny, []byte{1, 2, 3}, 0o644))
	_, err = New(&controller.CreateOptions{Args: map[string]string{"image": tiny}})
	assert.ErrorIs(t, err, ErrImageTooSmall)

	_, err = New(&controller.CreateOptions{Args: map[string]string{"image": tiny, "blocks": "many"}})
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	reg := controller.GetRegistration("MassStorage")
	require.NotNil(t, reg)
	assert.Contains(t, reg.Description(), "image")
}

func TestDescriptorAndEndpoints(t *testing.T) {
	d, _ := newDisk(t, nil)
	assert.Equal(t, tunnel.EndpointTable{
		{Address: inEndpoint, Type: 0x02, MaxPacketSize: packetSize},
		{Address: outEndpoint, Type: 0x02, MaxPacketSize: packetSize},
	}, d.Endpoints())

	cfg, err := usb.ParseConfigDescriptor(d.Descriptor(0x0200, 0))
	require.NoError(t, err)
	require.Len(t, cfg.Interfaces, 1)
	it := cfg.Interfaces[0]
	assert.Equal(t, []uint8{0x08, 0x06, 0x50}, []uint8{it.BInterfaceClass, it.BInterfaceSubClass, it.BInterfaceProtocol})
}

func TestClassRequests(t *testing.T) {
	d, _ := newDisk(t, nil)
	class := uint8(usb.RequestTypeClass | usb.RecipientInterface)

	req := &controller.ControlRequest{
		Setup:  usb.SetupPacket{RequestType: class | usb.RequestDirIn, Request: reqGetMaxLUN, Length: 1},
		Ignore: true,
	}
	d.ControlRequest(req)
	assert.False(t, req.Ignore)
	assert.Equal(t, []byte{0}, req.Reply)

	d.out = &outPhase{remaining: 10}
	req = &controller.ControlRequest{Setup: usb.SetupPacket{RequestType: class, Request: reqReset}, Ignore: true}
	d.ControlRequest(req)
	assert.False(t, req.Ignore)
	assert.Nil(t, d.out)

	req = &controller.ControlRequest{Setup: usb.SetupPacket{RequestType: usb.RequestDirIn, Request: usb.ReqGetDescriptor, Length: 18}, Ignore: true}
	d.ControlRequest(req)
	assert.True(t, req.Ignore)
}

func TestSimpleCommands(t *testing.T) {
	tests := []struct {
		name    string
		length  uint32
		cb      []byte
		want    []byte
		residue uint32
	}{
		{
			name: "test unit ready",
			cb:   []byte{opTestUnitReady},
		},
		{
			name:   "read capacity",
			length: 8,
			cb:     []byte{opReadCapacity10},
			want:   []byte{0, 0, 0, 127, 0, 0, 2, 0},
		},
		{
			name:   "mode sense",
			length: 4,
			cb:     []byte{opModeSense6, 0, 0x3F, 0, 4},
			want:   []byte{3, 0, 0, 0},
		},
		{
			name:   "read format capacities",
			length: 12,
			cb:     []byte{opReadFormatCapacities, 0, 0, 0, 0, 0, 0, 0, 12},
			want:   []byte{0, 0, 0, 8, 0, 0, 0, 128, 2, 0, 2, 0},
		},
		{
			name:   "request sense without error",
			length: 18,
			cb:     []byte{opRequestSense, 0, 0, 0, 18},
			want:   append([]byte{0x70, 0, 0, 0, 0, 0, 0, 10}, make([]byte, 10)...),
		},
		{
			name:    "short allocation is padded",
			length:  8,
			cb:      []byte{opModeSense6, 0, 0x3F, 0, 4},
			want:    []byte{3, 0, 0, 0, 0, 0, 0, 0},
			residue: 4,
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, host := newDisk(t, map[string]string{"blocks": "128"})
			tag := uint32(0x100 + i)
			d.IncomingData(outEndpoint, command(tag, tt.length, tt.length > 0, tt.cb...))
			data, csw := host.take(t)
			assert.Len(t, data, int(tt.length))
			if tt.length > 0 {
				assert.Equal(t, tt.want, data)
			}
			assertCSW(t, csw, tag, tt.residue, statusGood)
		})
	}
}

func TestInquiry(t *testing.T) {
	d, host := newDisk(t, map[string]string{"vendor": "ACME", "product": "A very long product name", "revision": "2"})
	d.IncomingData(outEndpoint, command(7, inquirySize, true, opInquiry, 0, 0, 0, inquirySize))
	data, csw := host.take(t)
	require.Len(t, data, inquirySize)
	assert.Equal(t, byte(0x80), data[1])
	assert.Equal(t, "ACME    ", string(data[8:16]))
	assert.Equal(t, "A very long prod", string(data[16:32]))
	assert.Equal(t, "2   ", string(data[32:36]))
	assertCSW(t, csw, 7, 0, statusGood)

	d.IncomingData(outEndpoint, command(8, 5, true, opInquiry, 0, 0, 0, 5))
	data, _ = host.take(t)
	assert.Equal(t, d.inquiry[:5], data)
	assert.Equal(t, "ACME    ", string(d.inquiry[8:16]), "padding must not clobber the template")
}

func TestWriteThenRead(t *testing.T) {
	d, host := newDisk(t, map[string]string{"blocks": "16"})
	payload := bytes.Repeat([]byte("usbtunnel"), 2*blockSize/9+1)[:2*blockSize]

	d.IncomingData(outEndpoint, command(1, 2*blockSize, false, rw10(opWrite10, 3, 2)...))
	assert.Empty(t, host.data, "status waits for the data stage")
	for p := payload; len(p) > 0; p = p[packetSize:] {
		d.IncomingData(outEndpoint, p[:packetSize])
	}
	_, csw := host.take(t)
	assertCSW(t, csw, 1, 0, statusGood)

	d.IncomingData(outEndpoint, command(2, 2*blockSize, true, rw10(opRead10, 3, 2)...))
	data, csw := host.take(t)
	assert.Equal(t, payload, data)
	assertCSW(t, csw, 2, 0, statusGood)

	onDisk := make([]byte, 2*blockSize)
	_, err := d.image.ReadAt(onDisk, 3*blockSize)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)
}

func TestReadOutOfRangeSetsSense(t *testing.T) {
	d, host := newDisk(t, map[string]string{"blocks": "16"})

	d.IncomingData(outEndpoint, command(9, blockSize, true, rw10(opRead10, 16, 1)...))
	data, csw := host.take(t)
	assert.Equal(t, make([]byte, blockSize), data)
	assertCSW(t, csw, 9, blockSize, statusFailed)

	d.IncomingData(outEndpoint, command(10, senseSize, true, opRequestSense, 0, 0, 0, senseSize))
	data, csw = host.take(t)
	assert.Equal(t, byte(senseIllegalRequest), data[2])
	assert.Equal(t, byte(ascLBAOutOfRange), data[12])
	assertCSW(t, csw, 10, 0, statusGood)

	d.IncomingData(outEndpoint, command(11, senseSize, true, opRequestSense, 0, 0, 0, senseSize))
	data, _ = host.take(t)
	assert.Zero(t, data[2], "sense clears once reported")
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 8*blockSize), 0o644))
	d, host := newDisk(t, map[string]string{"image": path, "readonly": "true"})

	d.IncomingData(outEndpoint, command(4, blockSize, false, rw10(opWrite10, 0, 1)...))
	assert.Empty(t, host.data)
	for i := 0; i < blockSize/packetSize; i++ {
		d.IncomingData(outEndpoint, bytes.Repeat([]byte{0xFF}, packetSize))
	}
	_, csw := host.take(t)
	assertCSW(t, csw, 4, blockSize, statusFailed)
	assert.Equal(t, sense{key: senseDataProtect, asc: ascWriteProtected}, d.sense)

	d.IncomingData(outEndpoint, command(5, 4, true, opModeSense6, 0, 0x3F, 0, 4))
	data, _ := host.take(t)
	assert.Equal(t, byte(0x80), data[2])
}

func TestUnsupportedAndMalformed(t *testing.T) {
	d, host := newDisk(t, nil)

	d.IncomingData(outEndpoint, command(3, 0, false, 0xC5))
	_, csw := host.take(t)
	assertCSW(t, csw, 3, 0, statusFailed)
	assert.Equal(t, sense{key: senseIllegalRequest, asc: ascInvalidCommand}, d.sense)

	bad := command(4, 0, false, opTestUnitReady)
	bad[0] = 'X'
	d.IncomingData(outEndpoint, bad)
	d.IncomingData(outEndpoint, []byte("USBC"))
	d.IncomingData(inEndpoint, command(5, 0, false, opTestUnitReady))
	assert.Empty(t, host.data)
}

func TestOverLink(t *testing.T) {
	d, _ := newDisk(t, map[string]string{"blocks": "32"})

	local, remote := net.Pipe()
	c, err := controller.New(local, d, controller.Config{}, nil, nil)
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

	peer.Send(tunnel.InboundFrame(outEndpoint, command(0x42, 8, true, opReadCapacity10)))
	f := peer.Expect(tunnel.CmdForward, time.Second)
	assert.Equal(t, []byte{inEndpoint, 0, 0, 0, 31, 0, 0, 2, 0}, f.Payload)
	f = peer.Expect(tunnel.CmdForward, time.Second)
	assert.Equal(t, append([]byte{inEndpoint}, appendCSW(nil, 0x42, 0, statusGood)...), f.Payload)
}

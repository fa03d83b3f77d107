// Package testing provides a minimal USB/IP client for end-to-end tests of
// the exported device.
package testing

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alia5/usbtunnel/usb"
	"github.com/Alia5/usbtunnel/usbip"
)

type TestUsbIpClient struct {
	address string
	seq     uint32
}

// Reply is one RET_SUBMIT or RET_UNLINK read from an import connection.
type Reply struct {
	Command uint32
	Seq     uint32
	Status  int32
	Data    []byte
}

type ImportResult struct {
	Conn     net.Conn
	Exported usbip.ExportedDevice
}

func NewUsbIpClient(tb testing.TB, addr string) *TestUsbIpClient {
	tb.Helper()
	return &TestUsbIpClient{address: addr, seq: 1}
}

func (c *TestUsbIpClient) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1) - 1
}

func (c *TestUsbIpClient) ListDevices() ([]usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(usbip.Request(usbip.OpReqDevlist).Append(nil)); err != nil {
		return nil, err
	}
	var hdr [usbip.MgmtHeaderSize + 4]byte
	if err := expectReply(conn, hdr[:], usbip.OpRepDevlist); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[usbip.MgmtHeaderSize:])
	devices := make([]usbip.ExportedDevice, 0, n)
	for range n {
		dev, err := readDevice(conn)
		if err != nil {
			return nil, err
		}
		ifaces := make([]byte, usbip.InterfaceEntrySize*int(dev.NumInterfaces))
		if _, err := io.ReadFull(conn, ifaces); err != nil {
			return nil, err
		}
		dev.Interfaces = usbip.ParseInterfaces(ifaces)
		devices = append(devices, dev)
	}
	return devices, nil
}

// expectReply reads a management reply into buf and checks its command and
// status.
func expectReply(conn net.Conn, buf []byte, op uint16) error {
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	rep, err := usbip.ParseMgmtHeader(buf)
	if err != nil {
		return err
	}
	if rep.Command != op {
		return fmt.Errorf("unexpected reply command %x", rep.Command)
	}
	if rep.Status != 0 {
		return fmt.Errorf("request rejected with status %d", rep.Status)
	}
	return nil
}

func readDevice(conn net.Conn) (usbip.ExportedDevice, error) {
	var entry [usbip.DevlistEntrySize]byte
	if _, err := io.ReadFull(conn, entry[:]); err != nil {
		return usbip.ExportedDevice{}, err
	}
	return usbip.ParseExportedDevice(entry[:])
}

// AttachDevice imports busID. A rejected import returns an error carrying
// the reply status.
func (c *TestUsbIpClient) AttachDevice(busID string) (*ImportResult, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	res, err := importDevice(conn, busID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return res, nil
}

func importDevice(conn net.Conn, busID string) (*ImportResult, error) {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(usbip.AppendImportRequest(nil, busID)); err != nil {
		return nil, err
	}
	var hdr [usbip.MgmtHeaderSize]byte
	if err := expectReply(conn, hdr[:], usbip.OpRepImport); err != nil {
		return nil, err
	}
	dev, err := readDevice(conn)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &ImportResult{Conn: conn, Exported: dev}, nil
}

// Submit sends a CMD_SUBMIT without waiting and returns its seqnum. For IN
// transfers length is the buffer size, for OUT it is len(out).
func (c *TestUsbIpClient) Submit(conn net.Conn, dir uint32, ep uint32, length uint32, out []byte, setup *usb.SetupPacket) (uint32, error) {
	seq := c.nextSeq()
	cmd := usbip.CmdSubmit{
		Header: usbip.Header{Command: usbip.CmdSubmitCode, Seq: seq, Dir: dir, Ep: ep},
		Length: length,
	}
	if dir == usbip.DirOut {
		cmd.Length = uint32(len(out))
	}
	if setup != nil {
		setup.MarshalTo(cmd.Setup[:])
	}
	if _, err := conn.Write(cmd.Append(nil)); err != nil {
		return 0, err
	}
	if dir == usbip.DirOut && len(out) > 0 {
		if _, err := conn.Write(out); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Unlink sends a CMD_UNLINK for target and returns the unlink's own seqnum.
func (c *TestUsbIpClient) Unlink(conn net.Conn, target uint32) (uint32, error) {
	seq := c.nextSeq()
	cmd := usbip.CmdUnlink{Header: usbip.Header{Command: usbip.CmdUnlinkCode, Seq: seq}, Victim: target}
	_, err := conn.Write(cmd.Append(nil))
	return seq, err
}

// ReadReply reads the next reply on conn.
func (c *TestUsbIpClient) ReadReply(conn net.Conn, timeout time.Duration) (Reply, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var hdr [usbip.HeaderSize]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return Reply{}, err
	}
	h := usbip.ParseHeader(&hdr)
	switch h.Command {
	case usbip.RetUnlinkCode:
		return Reply{Command: h.Command, Seq: h.Seq, Status: usbip.ParseRetUnlink(&hdr).Status}, nil
	case usbip.RetSubmitCode:
		ret := usbip.ParseRetSubmit(&hdr)
		r := Reply{Command: h.Command, Seq: h.Seq, Status: ret.Status}
		if h.Dir == usbip.DirIn && ret.Actual > 0 {
			r.Data = make([]byte, ret.Actual)
			if _, err := io.ReadFull(conn, r.Data); err != nil {
				return Reply{}, err
			}
		}
		return r, nil
	}
	return Reply{}, fmt.Errorf("unexpected ret cmd %x", h.Command)
}

// Control runs one EP0 transfer and waits for its completion.
func (c *TestUsbIpClient) Control(conn net.Conn, setup usb.SetupPacket, out []byte, timeout time.Duration) (Reply, error) {
	dir := uint32(usbip.DirOut)
	if setup.IsDeviceToHost() {
		dir = usbip.DirIn
	}
	seq, err := c.Submit(conn, dir, 0, uint32(setup.Length), out, &setup)
	if err != nil {
		return Reply{}, err
	}
	r, err := c.ReadReply(conn, timeout)
	if err != nil {
		return Reply{}, err
	}
	if r.Seq != seq {
		return r, fmt.Errorf("reply for seq %d, want %d", r.Seq, seq)
	}
	return r, nil
}

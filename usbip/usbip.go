// Package usbip encodes the USB/IP wire protocol used to export the
// emulated device to a host. Every field is big-endian.
package usbip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var be = binary.BigEndian

// Version is the only protocol revision spoken.
const Version = 0x0111

// Management operations (devlist and import).
const (
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003
)

// URB commands and their replies.
const (
	CmdSubmitCode = 1
	CmdUnlinkCode = 2
	RetSubmitCode = 3
	RetUnlinkCode = 4
)

// Transfer directions as seen from the host.
const (
	DirOut = 0
	DirIn  = 1
)

// Device speeds as reported in devlist and import replies.
const (
	SpeedLow  = 1
	SpeedFull = 2
	SpeedHigh = 3
)

// URB completion status values (negated Linux errno).
const (
	StatusOK        = 0
	StatusNoDevice  = -19  // -ENODEV
	StatusStall     = -32  // -EPIPE
	StatusConnReset = -104 // -ECONNRESET
)

const (
	// MgmtHeaderSize is the size of the devlist/import header.
	MgmtHeaderSize = 8
	// HeaderSize is the fixed size of every URB command and reply header.
	HeaderSize = 0x30
	// BusIDSize is the size of the bus ID field in import requests.
	BusIDSize = 32
	// DevlistEntrySize is an exported device entry without interfaces.
	DevlistEntrySize = 312
	// InterfaceEntrySize is one interface triplet plus padding in a devlist.
	InterfaceEntrySize = 4

	sysPathSize = 256
)

// ErrTruncated reports a message shorter than its fixed layout.
var ErrTruncated = errors.New("usbip: truncated message")

// decoder consumes big-endian fields from the front of a buffer. Callers
// check the length up front.
type decoder []byte

func (d *decoder) u8() uint8 {
	v := (*d)[0]
	*d = (*d)[1:]
	return v
}

func (d *decoder) u16() uint16 {
	v := be.Uint16(*d)
	*d = (*d)[2:]
	return v
}

func (d *decoder) u32() uint32 {
	v := be.Uint32(*d)
	*d = (*d)[4:]
	return v
}

func (d *decoder) fill(dst []byte) {
	*d = (*d)[copy(dst, *d):]
}

func appendU32(b []byte, vs ...uint32) []byte {
	for _, v := range vs {
		b = be.AppendUint32(b, v)
	}
	return b
}

// padHeader zero-fills the URB header that started at offset start.
func padHeader(b []byte, start int) []byte {
	for len(b)-start < HeaderSize {
		b = append(b, 0)
	}
	return b
}

// MgmtHeader starts every devlist and import message.
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

// Request is a management request header for op.
func Request(op uint16) MgmtHeader { return MgmtHeader{Version: Version, Command: op} }

// Append encodes h onto b.
func (h MgmtHeader) Append(b []byte) []byte {
	b = be.AppendUint16(b, h.Version)
	b = be.AppendUint16(b, h.Command)
	return be.AppendUint32(b, h.Status)
}

// ParseMgmtHeader decodes a management header.
func ParseMgmtHeader(b []byte) (MgmtHeader, error) {
	if len(b) < MgmtHeaderSize {
		return MgmtHeader{}, fmt.Errorf("management header: %w (%d bytes)", ErrTruncated, len(b))
	}
	d := decoder(b)
	return MgmtHeader{Version: d.u16(), Command: d.u16(), Status: d.u32()}, nil
}

// AppendImportRequest encodes OP_REQ_IMPORT for busID.
func AppendImportRequest(b []byte, busID string) []byte {
	var id [BusIDSize]byte
	copy(id[:], busID)
	return append(Request(OpReqImport).Append(b), id[:]...)
}

// AppendImportRefusal encodes an OP_REP_IMPORT that carries no device.
func AppendImportRefusal(b []byte) []byte {
	return MgmtHeader{Version: Version, Command: OpRepImport, Status: 1}.Append(b)
}

// AppendImportReply encodes a successful OP_REP_IMPORT for d.
func AppendImportReply(b []byte, d *ExportedDevice) []byte {
	return d.Append(MgmtHeader{Version: Version, Command: OpRepImport}.Append(b))
}

// AppendDevlistReply encodes OP_REP_DEVLIST listing devs with their
// interfaces.
func AppendDevlistReply(b []byte, devs []ExportedDevice) []byte {
	b = MgmtHeader{Version: Version, Command: OpRepDevlist}.Append(b)
	b = be.AppendUint32(b, uint32(len(devs)))
	for i := range devs {
		b = devs[i].Append(b)
		for _, it := range devs[i].Interfaces {
			b = append(b, it.Class, it.SubClass, it.Protocol, 0)
		}
	}
	return b
}

// ExportMeta is the bus identity of an exported device.
type ExportMeta struct {
	SysPath [sysPathSize]byte
	BusID   [BusIDSize]byte
	BusNum  uint32
	DevNum  uint32
}

// BusIDString returns the bus ID without trailing NULs.
func (m *ExportMeta) BusIDString() string {
	return cString(m.BusID[:])
}

// ExportedDevice is one entry of a devlist or import reply.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	Vendor        uint16
	Product       uint16
	Release       uint16
	Class         uint8
	SubClass      uint8
	Protocol      uint8
	Config        uint8
	NumConfigs    uint8
	NumInterfaces uint8

	// Interfaces is only sent in devlist replies.
	Interfaces []Interface
}

// Interface is the class triplet of one interface.
type Interface struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// Append encodes the fixed part of the entry onto b.
func (d *ExportedDevice) Append(b []byte) []byte {
	b = append(b, d.SysPath[:]...)
	b = append(b, d.BusID[:]...)
	b = appendU32(b, d.BusNum, d.DevNum, d.Speed)
	b = be.AppendUint16(b, d.Vendor)
	b = be.AppendUint16(b, d.Product)
	b = be.AppendUint16(b, d.Release)
	return append(b, d.Class, d.SubClass, d.Protocol, d.Config, d.NumConfigs, d.NumInterfaces)
}

// ParseExportedDevice decodes the fixed part of a devlist or import entry.
func ParseExportedDevice(b []byte) (ExportedDevice, error) {
	if len(b) < DevlistEntrySize {
		return ExportedDevice{}, fmt.Errorf("device entry: %w (%d bytes)", ErrTruncated, len(b))
	}
	var e ExportedDevice
	d := decoder(b)
	d.fill(e.SysPath[:])
	d.fill(e.BusID[:])
	e.BusNum, e.DevNum, e.Speed = d.u32(), d.u32(), d.u32()
	e.Vendor, e.Product, e.Release = d.u16(), d.u16(), d.u16()
	e.Class, e.SubClass, e.Protocol = d.u8(), d.u8(), d.u8()
	e.Config, e.NumConfigs, e.NumInterfaces = d.u8(), d.u8(), d.u8()
	return e, nil
}

// ParseInterfaces decodes the interface entries following a devlist entry.
func ParseInterfaces(b []byte) []Interface {
	var out []Interface
	for ; len(b) >= InterfaceEntrySize; b = b[InterfaceEntrySize:] {
		out = append(out, Interface{Class: b[0], SubClass: b[1], Protocol: b[2]})
	}
	return out
}

// Header opens every URB command and reply.
type Header struct {
	Command uint32
	Seq     uint32
	DevID   uint32
	Dir     uint32
	Ep      uint32
}

// Append encodes the 20 header bytes onto b.
func (h Header) Append(b []byte) []byte {
	return appendU32(b, h.Command, h.Seq, h.DevID, h.Dir, h.Ep)
}

func (d *decoder) header() Header {
	return Header{Command: d.u32(), Seq: d.u32(), DevID: d.u32(), Dir: d.u32(), Ep: d.u32()}
}

// ParseHeader decodes the common part of a URB header.
func ParseHeader(hdr *[HeaderSize]byte) Header {
	d := decoder(hdr[:])
	return d.header()
}

// CmdSubmit is USBIP_CMD_SUBMIT without its OUT payload.
type CmdSubmit struct {
	Header
	Flags      uint32
	Length     uint32
	StartFrame uint32
	Packets    uint32
	Interval   uint32
	Setup      [8]byte
}

// Append encodes c as a full URB header.
func (c *CmdSubmit) Append(b []byte) []byte {
	start := len(b)
	b = c.Header.Append(b)
	b = appendU32(b, c.Flags, c.Length, c.StartFrame, c.Packets, c.Interval)
	return padHeader(append(b, c.Setup[:]...), start)
}

// ParseCmdSubmit decodes a USBIP_CMD_SUBMIT header.
func ParseCmdSubmit(hdr *[HeaderSize]byte) CmdSubmit {
	d := decoder(hdr[:])
	c := CmdSubmit{Header: d.header()}
	c.Flags, c.Length, c.StartFrame, c.Packets, c.Interval = d.u32(), d.u32(), d.u32(), d.u32(), d.u32()
	d.fill(c.Setup[:])
	return c
}

// RetSubmit is USBIP_RET_SUBMIT without its IN payload.
type RetSubmit struct {
	Header
	Status     int32
	Actual     uint32
	StartFrame uint32
	Packets    uint32
	Errors     uint32
}

// Append encodes r as a full URB header.
func (r *RetSubmit) Append(b []byte) []byte {
	start := len(b)
	b = r.Header.Append(b)
	b = appendU32(b, uint32(r.Status), r.Actual, r.StartFrame, r.Packets, r.Errors)
	return padHeader(b, start)
}

// ParseRetSubmit decodes a USBIP_RET_SUBMIT header.
func ParseRetSubmit(hdr *[HeaderSize]byte) RetSubmit {
	d := decoder(hdr[:])
	r := RetSubmit{Header: d.header()}
	r.Status = int32(d.u32())
	r.Actual, r.StartFrame, r.Packets, r.Errors = d.u32(), d.u32(), d.u32(), d.u32()
	return r
}

// CmdUnlink asks to cancel the URB with sequence number Victim.
type CmdUnlink struct {
	Header
	Victim uint32
}

// Append encodes c as a full URB header.
func (c *CmdUnlink) Append(b []byte) []byte {
	start := len(b)
	return padHeader(be.AppendUint32(c.Header.Append(b), c.Victim), start)
}

// ParseCmdUnlink decodes a USBIP_CMD_UNLINK header.
func ParseCmdUnlink(hdr *[HeaderSize]byte) CmdUnlink {
	d := decoder(hdr[:])
	return CmdUnlink{Header: d.header(), Victim: d.u32()}
}

// RetUnlink answers a CmdUnlink.
type RetUnlink struct {
	Header
	Status int32
}

// Append encodes r as a full URB header.
func (r *RetUnlink) Append(b []byte) []byte {
	start := len(b)
	return padHeader(be.AppendUint32(r.Header.Append(b), uint32(r.Status)), start)
}

// ParseRetUnlink decodes a USBIP_RET_UNLINK header.
func ParseRetUnlink(hdr *[HeaderSize]byte) RetUnlink {
	d := decoder(hdr[:])
	return RetUnlink{Header: d.header(), Status: int32(d.u32())}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

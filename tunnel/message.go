package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/Alia5/usbtunnel/usb"
)

// Control reply status bits.
const (
	// StatusHandle asks the device to drive the data and status stages with
	// the reply data.
	StatusHandle = 0x01
	// StatusStall asks the device to stall the control request.
	StatusStall = 0x02
)

// DescriptorQuery is the payload of a device -> remote 'D' frame.
type DescriptorQuery struct {
	Value uint16 // descriptor type << 8 | index
	Index uint16 // language ID or interface number
}

// Type returns the requested descriptor type.
func (q DescriptorQuery) Type() uint8 { return uint8(q.Value >> 8) }

// Frame encodes the query.
func (q DescriptorQuery) Frame() Frame {
	p := binary.LittleEndian.AppendUint16(make([]byte, 0, 4), q.Value)
	p = binary.LittleEndian.AppendUint16(p, q.Index)
	return Frame{Command: CmdDescriptor, Payload: p}
}

// ParseDescriptorQuery decodes a 'D' query payload.
func ParseDescriptorQuery(p []byte) (DescriptorQuery, error) {
	if len(p) < 4 {
		return DescriptorQuery{}, fmt.Errorf("descriptor query: %w (%d bytes)", ErrShortFrame, len(p))
	}
	return DescriptorQuery{
		Value: binary.LittleEndian.Uint16(p[0:2]),
		Index: binary.LittleEndian.Uint16(p[2:4]),
	}, nil
}

// DescriptorLength derives how many leading bytes of a 'D' reply payload
// form the descriptor: bLength for device descriptors, wTotalLength for
// configuration descriptors, the whole payload otherwise. The result never
// exceeds len(p).
func DescriptorLength(descType uint8, p []byte) int {
	n := len(p)
	switch descType {
	case usb.DeviceDescType:
		if len(p) >= 1 {
			n = int(p[0])
		}
	case usb.ConfigDescType:
		if len(p) >= 4 {
			n = int(binary.LittleEndian.Uint16(p[2:4]))
		}
	}
	if n > len(p) {
		n = len(p)
	}
	return n
}

// SplitDescriptorReply separates a 'D' reply payload into the descriptor
// bytes and, for device descriptors, the piggybacked endpoint table that
// follows them. ok is false when no table bytes are present.
func SplitDescriptorReply(descType uint8, p []byte) (desc []byte, table EndpointTable, ok bool) {
	n := DescriptorLength(descType, p)
	desc = p[:n]
	if descType != usb.DeviceDescType || len(p) <= n {
		return desc, nil, false
	}
	return desc, DecodeEndpointTable(p[n:]), true
}

// DescriptorReply builds a remote -> device 'D' reply. A non-nil table is
// appended as the fixed-size piggyback region.
func DescriptorReply(desc []byte, table EndpointTable) Frame {
	p := append(make([]byte, 0, len(desc)+EndpointTableSize), desc...)
	if table != nil {
		p = append(p, table.Fixed()...)
	}
	return Frame{Command: CmdDescriptor, Payload: p}
}

// ControlQuery is the payload of a device -> remote 'U' frame.
type ControlQuery struct {
	Setup usb.SetupPacket
	Data  []byte // host -> device data stage, if any
}

// Frame encodes the query.
func (q ControlQuery) Frame() Frame {
	p := make([]byte, usb.SetupPacketSize, usb.SetupPacketSize+len(q.Data))
	q.Setup.MarshalTo(p)
	return Frame{Command: CmdControl, Payload: append(p, q.Data...)}
}

// ParseControlQuery decodes a 'U' query payload.
func ParseControlQuery(p []byte) (ControlQuery, error) {
	var q ControlQuery
	if !usb.ParseSetupPacket(p, &q.Setup) {
		return q, fmt.Errorf("control query: %w (%d bytes)", ErrShortFrame, len(p))
	}
	q.Data = p[usb.SetupPacketSize:]
	return q, nil
}

// ControlReply is the payload of a remote -> device 'U' frame.
type ControlReply struct {
	Status byte
	Data   []byte
}

// Handle reports whether the device must drive the data and status stages.
func (r ControlReply) Handle() bool { return r.Status&StatusHandle != 0 }

// Stall reports whether the device must stall the request.
func (r ControlReply) Stall() bool { return r.Status&StatusStall != 0 }

// Frame encodes the reply.
func (r ControlReply) Frame() Frame {
	return Frame{Command: CmdControl, Payload: append([]byte{r.Status}, r.Data...)}
}

// ParseControlReply decodes a 'U' reply payload. An empty payload is read
// as status zero.
func ParseControlReply(p []byte) ControlReply {
	if len(p) == 0 {
		return ControlReply{}
	}
	return ControlReply{Status: p[0], Data: p[1:]}
}

// AckFrame builds an 'A' frame. awaited, when given, is the tag the sender
// was waiting for.
func AckFrame(received Command, awaited ...Command) Frame {
	p := []byte{byte(received)}
	if len(awaited) > 0 {
		p = append(p, byte(awaited[0]))
	}
	return Frame{Command: CmdAck, Payload: p}
}

// ParseAck returns the acknowledged command.
func ParseAck(p []byte) (Command, error) {
	if len(p) < 1 {
		return 0, fmt.Errorf("ack: %w", ErrShortFrame)
	}
	return Command(p[0]), nil
}

// NackFrame builds an 'E' frame.
func NackFrame(received, expected Command) Frame {
	return Frame{Command: CmdNack, Payload: []byte{byte(received), byte(expected)}}
}

// ParseNack returns the rejected and the expected command.
func ParseNack(p []byte) (received, expected Command, err error) {
	if len(p) < 2 {
		return 0, 0, fmt.Errorf("nack: %w", ErrShortFrame)
	}
	return Command(p[0]), Command(p[1]), nil
}

// ForwardFrame builds an 'O' frame carrying data for the USB host.
func ForwardFrame(ep uint8, data []byte) Frame {
	return Frame{Command: CmdForward, Payload: append([]byte{ep}, data...)}
}

// InboundFrame builds an 'I' frame carrying data written by the USB host.
func InboundFrame(ep uint8, data []byte) Frame {
	return Frame{Command: CmdInbound, Payload: append([]byte{ep}, data...)}
}

// ParseEndpointData splits an 'O' or 'I' payload.
func ParseEndpointData(p []byte) (ep uint8, data []byte, err error) {
	if len(p) < 1 {
		return 0, nil, fmt.Errorf("endpoint data: %w", ErrShortFrame)
	}
	return p[0], p[1:], nil
}

// AttachFrame builds an 'S' frame.
func AttachFrame(attach bool) Frame {
	return Frame{Command: CmdAttach, Payload: []byte{boolByte(attach)}}
}

// ConnectionFrame builds an 'F' frame.
func ConnectionFrame(connected bool) Frame {
	return Frame{Command: CmdConnection, Payload: []byte{boolByte(connected)}}
}

// EndpointsFrame builds a 'P' frame.
func EndpointsFrame(t EndpointTable) Frame {
	return Frame{Command: CmdEndpoints, Payload: t.AppendTo(nil)}
}

// ParseFlag reads the flag byte of an 'S' or 'F' payload. A missing byte
// reads as false.
func ParseFlag(p []byte) bool {
	return len(p) > 0 && p[0] != 0
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

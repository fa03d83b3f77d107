package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/Alia5/usbtunnel/usb"
)

const (
	// MaxEndpoints is the capacity of the endpoint configuration table.
	MaxEndpoints = 15
	// endpointEntrySize is {address, type, maxPacket LE16}.
	endpointEntrySize = 4
	// EndpointTableSize is the fixed size of the table region appended to
	// a Device descriptor reply: a count byte plus 15 entries.
	EndpointTableSize = 1 + MaxEndpoints*endpointEntrySize
)

// EndpointConfig describes one non-control endpoint to configure on the
// USB side.
type EndpointConfig struct {
	Address       uint8
	Type          uint8 // transfer type, see usb.Transfer*
	MaxPacketSize uint16
}

// IsIn reports whether the endpoint carries data to the USB host.
func (e EndpointConfig) IsIn() bool { return e.Address&usb.EndpointDirIn != 0 }

// Number returns the endpoint number without the direction bit.
func (e EndpointConfig) Number() uint8 { return e.Address & usb.EndpointNumberMask }

func (e EndpointConfig) String() string {
	return fmt.Sprintf("ep 0x%02x type %d size %d", e.Address, e.Type, e.MaxPacketSize)
}

// EndpointTable is the ordered endpoint configuration the remote side
// delivers. It is replaced wholesale, never merged.
type EndpointTable []EndpointConfig

// DecodeEndpointTable decodes a count byte followed by entries. The count is
// clamped to MaxEndpoints and to the entries actually present, so a
// truncated region yields the entries that fit.
func DecodeEndpointTable(b []byte) EndpointTable {
	if len(b) == 0 {
		return EndpointTable{}
	}
	n := int(b[0])
	if n > MaxEndpoints {
		n = MaxEndpoints
	}
	if avail := (len(b) - 1) / endpointEntrySize; n > avail {
		n = avail
	}
	t := make(EndpointTable, n)
	for i := range t {
		o := 1 + i*endpointEntrySize
		t[i] = EndpointConfig{
			Address:       b[o],
			Type:          b[o+1],
			MaxPacketSize: binary.LittleEndian.Uint16(b[o+2 : o+4]),
		}
	}
	return t
}

// AppendTo appends the count byte and entries (at most MaxEndpoints).
func (t EndpointTable) AppendTo(dst []byte) []byte {
	n := len(t)
	if n > MaxEndpoints {
		n = MaxEndpoints
	}
	dst = append(dst, byte(n))
	for _, e := range t[:n] {
		dst = append(dst, e.Address, e.Type)
		dst = binary.LittleEndian.AppendUint16(dst, e.MaxPacketSize)
	}
	return dst
}

// Fixed returns the zero-padded EndpointTableSize region used by the
// Device descriptor piggyback.
func (t EndpointTable) Fixed() []byte {
	out := t.AppendTo(make([]byte, 0, EndpointTableSize))
	return append(out, make([]byte, EndpointTableSize-len(out))...)
}

// Outbound returns the entries whose data flows from the USB host to the
// device (direction bit clear).
func (t EndpointTable) Outbound() EndpointTable {
	var out EndpointTable
	for _, e := range t {
		if !e.IsIn() {
			out = append(out, e)
		}
	}
	return out
}

// EndpointTableFromDescriptors derives a table from endpoint descriptors.
func EndpointTableFromDescriptors(eps []usb.EndpointDescriptor) EndpointTable {
	t := make(EndpointTable, 0, len(eps))
	for _, ep := range eps {
		if len(t) == MaxEndpoints {
			break
		}
		t = append(t, EndpointConfig{
			Address:       ep.BEndpointAddress,
			Type:          ep.BMAttributes & usb.TransferTypeMask,
			MaxPacketSize: ep.WMaxPacketSize,
		})
	}
	return t
}

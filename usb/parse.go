package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortDescriptor is returned when a descriptor buffer is truncated.
var ErrShortDescriptor = errors.New("usb: short descriptor")

// Endpoint attribute helpers.
const (
	EndpointDirIn       = 0x80
	EndpointNumberMask  = 0x0F
	TransferTypeMask    = 0x03
	TransferControl     = 0x00
	TransferIsochronous = 0x01
	TransferBulk        = 0x02
	TransferInterrupt   = 0x03
)

// ParseDeviceDescriptor decodes an 18-byte device descriptor.
func ParseDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if len(b) < DeviceDescLen {
		return DeviceDescriptor{}, fmt.Errorf("device descriptor: %w (%d bytes)", ErrShortDescriptor, len(b))
	}
	if b[1] != DeviceDescType {
		return DeviceDescriptor{}, fmt.Errorf("device descriptor: unexpected type 0x%02x", b[1])
	}
	return DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(b[2:4]),
		BDeviceClass:       b[4],
		BDeviceSubClass:    b[5],
		BDeviceProtocol:    b[6],
		BMaxPacketSize0:    b[7],
		IDVendor:           binary.LittleEndian.Uint16(b[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(b[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(b[12:14]),
		IManufacturer:      b[14],
		IProduct:           b[15],
		ISerialNumber:      b[16],
		BNumConfigurations: b[17],
	}, nil
}

// Configuration is a parsed configuration descriptor.
type Configuration struct {
	Header     ConfigHeader
	Interfaces []InterfaceDescriptor
	Endpoints  []EndpointDescriptor
}

// ParseConfigDescriptor walks a full configuration descriptor. Class and
// vendor descriptors are skipped. Only the first alternate setting of each
// interface contributes endpoints.
func ParseConfigDescriptor(b []byte) (*Configuration, error) {
	if len(b) < ConfigDescLen {
		return nil, fmt.Errorf("config descriptor: %w (%d bytes)", ErrShortDescriptor, len(b))
	}
	if b[1] != ConfigDescType {
		return nil, fmt.Errorf("config descriptor: unexpected type 0x%02x", b[1])
	}
	cfg := &Configuration{Header: ConfigHeader{
		WTotalLength:        binary.LittleEndian.Uint16(b[2:4]),
		BNumInterfaces:      b[4],
		BConfigurationValue: b[5],
		IConfiguration:      b[6],
		BMAttributes:        b[7],
		BMaxPower:           b[8],
	}}
	total := int(cfg.Header.WTotalLength)
	if total > len(b) {
		total = len(b)
	}

	alt := uint8(0)
	for off := int(b[0]); off+2 <= total; {
		l := int(b[off])
		if l < 2 || off+l > total {
			return cfg, fmt.Errorf("config descriptor: %w at offset %d", ErrShortDescriptor, off)
		}
		d := b[off : off+l]
		switch d[1] {
		case InterfaceDescType:
			if l < InterfaceDescLen {
				return cfg, fmt.Errorf("interface descriptor: %w", ErrShortDescriptor)
			}
			alt = d[3]
			if alt == 0 {
				cfg.Interfaces = append(cfg.Interfaces, InterfaceDescriptor{
					BInterfaceNumber:   d[2],
					BAlternateSetting:  d[3],
					BNumEndpoints:      d[4],
					BInterfaceClass:    d[5],
					BInterfaceSubClass: d[6],
					BInterfaceProtocol: d[7],
					IInterface:         d[8],
				})
			}
		case EndpointDescType:
			if l < EndpointDescLen {
				return cfg, fmt.Errorf("endpoint descriptor: %w", ErrShortDescriptor)
			}
			if alt == 0 {
				cfg.Endpoints = append(cfg.Endpoints, EndpointDescriptor{
					BEndpointAddress: d[2],
					BMAttributes:     d[3],
					WMaxPacketSize:   binary.LittleEndian.Uint16(d[4:6]),
					BInterval:        d[6],
				})
			}
		}
		off += l
	}
	return cfg, nil
}

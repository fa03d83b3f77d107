// Package usb contains helpers for building and parsing USB descriptors.
package usb

import (
	"encoding/binary"
	"unicode/utf16"
)

// Descriptor types.
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
	HIDDescType       = 0x21
	ReportDescType    = 0x22
)

// Fixed descriptor lengths.
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
	HIDDescLen       = 9
)

// LangEnglishUS is the only language emulated devices advertise.
const LangEnglishUS = 0x0409

// Every emulated device has a single bus powered configuration drawing
// 100mA.
const (
	configValue      = 1
	configBusPowered = 0x80
	configMaxPower   = 50 // 2mA units
)

var le = binary.LittleEndian

// Descriptor holds all static descriptor data for an emulated device.
type Descriptor struct {
	Device     DeviceDescriptor
	Interfaces []InterfaceConfig
	Strings    map[uint8]string
}

// InterfaceConfig holds all descriptors for a single interface.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	HID        *HIDFunction
	VendorData []byte // appended verbatim after the endpoints
}

// HIDFunction couples the HID class descriptor with its report descriptor.
type HIDFunction struct {
	Descriptor HIDDescriptor
	Report     []byte
}

// ClassDescriptor returns the HID class descriptor. Zero fields default to
// one report descriptor of len(Report) bytes.
func (h *HIDFunction) ClassDescriptor() []byte {
	d := h.Descriptor
	if d.BNumDescriptors == 0 {
		d.BNumDescriptors = 1
	}
	if d.ClassDescType == 0 {
		d.ClassDescType = ReportDescType
	}
	if d.WDescriptorLength == 0 {
		d.WDescriptorLength = uint16(len(h.Report))
	}
	return d.Append(nil)
}

// EncodeStringDescriptor encodes s as a UTF-16LE string descriptor.
// Text that does not fit the one byte length is cut.
func EncodeStringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	b := make([]byte, 2, 2+2*len(units))
	b[0] = byte(2 + 2*len(units))
	b[1] = StringDescType
	for _, u := range units {
		b = le.AppendUint16(b, u)
	}
	return b
}

// LangIDDescriptor returns string descriptor zero.
func LangIDDescriptor(langs ...uint16) []byte {
	b := []byte{byte(2 + 2*len(langs)), StringDescType}
	for _, l := range langs {
		b = le.AppendUint16(b, l)
	}
	return b
}

// DeviceDescriptor is the standard device descriptor without its length
// and type bytes.
type DeviceDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// Bytes encodes the descriptor.
func (d DeviceDescriptor) Bytes() []byte {
	b := make([]byte, 0, DeviceDescLen)
	b = append(b, DeviceDescLen, DeviceDescType)
	b = le.AppendUint16(b, d.BcdUSB)
	b = append(b, d.BDeviceClass, d.BDeviceSubClass, d.BDeviceProtocol, d.BMaxPacketSize0)
	b = le.AppendUint16(b, d.IDVendor)
	b = le.AppendUint16(b, d.IDProduct)
	b = le.AppendUint16(b, d.BcdDevice)
	return append(b, d.IManufacturer, d.IProduct, d.ISerialNumber, d.BNumConfigurations)
}

// ConfigHeader is the fixed part of a configuration descriptor.
type ConfigHeader struct {
	WTotalLength        uint16
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Append(b []byte) []byte {
	b = append(b, ConfigDescLen, ConfigDescType)
	b = le.AppendUint16(b, h.WTotalLength)
	return append(b, h.BNumInterfaces, h.BConfigurationValue, h.IConfiguration, h.BMAttributes, h.BMaxPower)
}

type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Append(b []byte) []byte {
	return append(b, InterfaceDescLen, InterfaceDescType,
		i.BInterfaceNumber, i.BAlternateSetting, i.BNumEndpoints,
		i.BInterfaceClass, i.BInterfaceSubClass, i.BInterfaceProtocol, i.IInterface)
}

type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

func (e EndpointDescriptor) Append(b []byte) []byte {
	b = append(b, EndpointDescLen, EndpointDescType, e.BEndpointAddress, e.BMAttributes)
	b = le.AppendUint16(b, e.WMaxPacketSize)
	return append(b, e.BInterval)
}

// HIDDescriptor is the HID class descriptor with one subordinate
// descriptor.
type HIDDescriptor struct {
	BcdHID            uint16
	BCountryCode      uint8
	BNumDescriptors   uint8
	ClassDescType     uint8
	WDescriptorLength uint16
}

func (h HIDDescriptor) Append(b []byte) []byte {
	b = append(b, HIDDescLen, HIDDescType)
	b = le.AppendUint16(b, h.BcdHID)
	b = append(b, h.BCountryCode, h.BNumDescriptors, h.ClassDescType)
	return le.AppendUint16(b, h.WDescriptorLength)
}

// Bytes returns the device descriptor.
func (d *Descriptor) Bytes() []byte { return d.Device.Bytes() }

// ConfigBytes builds the full configuration descriptor with wTotalLength
// filled in.
func (d *Descriptor) ConfigBytes() []byte {
	b := ConfigHeader{
		BNumInterfaces:      uint8(len(d.Interfaces)),
		BConfigurationValue: configValue,
		BMAttributes:        configBusPowered,
		BMaxPower:           configMaxPower,
	}.Append(nil)
	for _, iface := range d.Interfaces {
		b = iface.Descriptor.Append(b)
		if iface.HID != nil {
			b = append(b, iface.HID.ClassDescriptor()...)
		}
		for _, ep := range iface.Endpoints {
			b = ep.Append(b)
		}
		b = append(b, iface.VendorData...)
	}
	le.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// StringBytes returns string descriptor idx, or nil if the device has none.
// Index zero is the language table unless Strings overrides it.
func (d *Descriptor) StringBytes(idx uint8) []byte {
	s, ok := d.Strings[idx]
	switch {
	case ok:
		return EncodeStringDescriptor(s)
	case idx == 0:
		return LangIDDescriptor(LangEnglishUS)
	}
	return nil
}

// Lookup answers a GET_DESCRIPTOR request. wIndex selects the interface for
// HID class and report descriptors.
func (d *Descriptor) Lookup(wValue, wIndex uint16) []byte {
	dtype, dindex := uint8(wValue>>8), uint8(wValue)
	switch dtype {
	case DeviceDescType:
		return d.Bytes()
	case ConfigDescType:
		return d.ConfigBytes()
	case StringDescType:
		return d.StringBytes(dindex)
	case HIDDescType, ReportDescType:
		hid := d.hid(int(wIndex & 0xff))
		if hid == nil {
			return nil
		}
		if dtype == HIDDescType {
			return hid.ClassDescriptor()
		}
		return hid.Report
	}
	return nil
}

func (d *Descriptor) hid(iface int) *HIDFunction {
	if iface >= len(d.Interfaces) {
		return nil
	}
	return d.Interfaces[iface].HID
}

// EndpointDescriptors returns every endpoint of every interface in
// declaration order.
func (d *Descriptor) EndpointDescriptors() []EndpointDescriptor {
	var out []EndpointDescriptor
	for _, iface := range d.Interfaces {
		out = append(out, iface.Endpoints...)
	}
	return out
}

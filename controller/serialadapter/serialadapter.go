// Package serialadapter emulates an FT232-style USB serial converter. Bytes
// the host writes to the bulk OUT pipe go to an io.Writer; Write sends bytes
// to the host on the bulk IN pipe.
package serialadapter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

// Vendor requests of the FTDI protocol.
const (
	reqReset        = 0x00
	reqModemCtrl    = 0x01
	reqSetFlowCtrl  = 0x02
	reqSetBaudRate  = 0x03
	reqSetData      = 0x04
	reqGetModemStat = 0x05
	reqReadEEPROM   = 0x90
)

const (
	outEndpoint = 0x01
	inEndpoint  = 0x83
	packetSize  = 64

	// Every IN packet starts with two modem status bytes.
	statusLen = 2
)

var modemStatus = [statusLen]byte{0x01, 0x60}

var ErrNotInitialized = errors.New("serialadapter: not bound to a controller")

// LineState is the line configuration last set by the host driver.
type LineState struct {
	BaudRate uint32
	DataBits uint8
	Parity   uint8
	StopBits uint8
	DTR      bool
	RTS      bool
}

type Adapter struct {
	descriptor usb.Descriptor

	ctrl   *controller.Controller
	logger *slog.Logger

	mu   sync.Mutex
	out  io.Writer
	line LineState
}

func init() {
	controller.RegisterDevice("serialadapter", controller.RegistrationFunc{
		Create: func(o *controller.CreateOptions) (controller.Device, error) { return New(o) },
		Help:   "FT232-style USB serial converter",
	})
}

func New(o *controller.CreateOptions) (*Adapter, error) {
	a := &Adapter{
		descriptor: defaultDescriptor(),
		logger:     slog.Default(),
		line:       LineState{BaudRate: 9600, DataBits: 8},
	}
	if o != nil {
		if o.IdVendor != nil {
			a.descriptor.Device.IDVendor = *o.IdVendor
		}
		if o.IdProduct != nil {
			a.descriptor.Device.IDProduct = *o.IdProduct
		}
	}
	return a, nil
}

func (a *Adapter) Init(c *controller.Controller) {
	a.ctrl = c
	a.logger = c.Logger().With("device", "serialadapter")
}

// SetOutput sets where host data goes. nil drops it.
func (a *Adapter) SetOutput(w io.Writer) {
	a.mu.Lock()
	a.out = w
	a.mu.Unlock()
}

func (a *Adapter) Line() LineState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.line
}

func (a *Adapter) Endpoints() tunnel.EndpointTable {
	return tunnel.EndpointTableFromDescriptors(a.descriptor.EndpointDescriptors())
}

func (a *Adapter) Descriptor(value, index uint16) []byte {
	return a.descriptor.Lookup(value, index)
}

func (a *Adapter) ControlRequest(req *controller.ControlRequest) {
	s := req.Setup
	if s.Type() != usb.RequestTypeVendor {
		return
	}
	if s.IsDeviceToHost() {
		switch s.Request {
		case reqGetModemStat:
			req.Handle(modemStatus[:])
		case reqReadEEPROM:
			req.Handle(make([]byte, s.Length))
		default:
			req.Handle(nil)
		}
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch s.Request {
	case reqReset, reqSetFlowCtrl:
	case reqModemCtrl:
		// High byte masks which lines the low byte sets.
		if s.Value&0x0100 != 0 {
			a.line.DTR = s.Value&0x01 != 0
		}
		if s.Value&0x0200 != 0 {
			a.line.RTS = s.Value&0x02 != 0
		}
	case reqSetBaudRate:
		a.line.BaudRate = baudFromDivisor(s.Value, s.Index)
		a.logger.Debug("Baud rate set", "baud", a.line.BaudRate)
	case reqSetData:
		a.line.DataBits = uint8(s.Value)
		a.line.Parity = uint8(s.Value>>8) & 0x07
		a.line.StopBits = uint8(s.Value>>11) & 0x03
	default:
		return
	}
	req.Handle(nil)
}

// baudFromDivisor decodes the FT232 divisor: 14 integer bits of a 3 MHz
// base clock plus a 3-bit fraction split across wValue and wIndex.
func baudFromDivisor(value, index uint16) uint32 {
	fractions := [8]uint32{0, 4, 2, 1, 3, 5, 6, 7} // eighths
	integer := uint32(value & 0x3FFF)
	frac := fractions[(value>>14)|((index&0x01)<<2)]
	switch {
	case integer == 0 && frac == 0:
		return 3000000
	case integer == 1 && frac == 0:
		return 2000000
	}
	return 3000000 * 8 / (integer*8 + frac)
}

func (a *Adapter) IncomingData(ep uint8, data []byte) {
	if ep&usb.EndpointNumberMask != outEndpoint {
		a.logger.Debug("Data on unexpected endpoint", "endpoint", ep)
		return
	}
	a.mu.Lock()
	w := a.out
	a.mu.Unlock()
	if w == nil {
		return
	}
	if _, err := w.Write(data); err != nil {
		a.logger.Warn("Failed to write host data", "error", err)
	}
}

// Write sends p to the host, one USB packet per frame.
func (a *Adapter) Write(p []byte) (int, error) {
	if a.ctrl == nil {
		return 0, ErrNotInitialized
	}
	const chunk = packetSize - statusLen
	n := 0
	for n < len(p) {
		end := min(n+chunk, len(p))
		pkt := append(modemStatus[:statusLen:statusLen], p[n:end]...)
		if err := a.ctrl.Send(inEndpoint, pkt); err != nil {
			return n, fmt.Errorf("serialadapter: %w", err)
		}
		n = end
	}
	return n, nil
}

func defaultDescriptor() usb.Descriptor {
	serial := "TU" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    0x40,
			IDVendor:           0x0403,
			IDProduct:          0x6001,
			BcdDevice:          0x0600,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x03,
			BNumConfigurations: 0x01,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BNumEndpoints:      0x02,
					BInterfaceClass:    0xFF,
					BInterfaceSubClass: 0xFF,
					BInterfaceProtocol: 0xFF,
					IInterface:         0x02,
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: outEndpoint, BMAttributes: 0x02, WMaxPacketSize: packetSize},
					{BEndpointAddress: inEndpoint, BMAttributes: 0x02, WMaxPacketSize: packetSize},
				},
			},
		},
		Strings: map[uint8]string{
			1: "usbtunnel",
			2: "Tunnel Serial",
			3: serial,
		},
	}
}

// Package keyboard emulates a HID boot keyboard through the tunnel.
package keyboard

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

// HID class requests.
const (
	hidGetReport   = 0x01
	hidGetIdle     = 0x02
	hidGetProtocol = 0x03
	hidSetReport   = 0x09
	hidSetIdle     = 0x0A
	hidSetProtocol = 0x0B
)

const (
	reportEndpoint  = 0x81
	reportLen       = 8
	maxKeys         = 6
	defaultInterval = 50 * time.Millisecond
)

var (
	ErrUnknownKey  = errors.New("keyboard: unknown key")
	ErrTooManyKeys = errors.New("keyboard: too many keys")
)

// LEDState is the decoded LED output report.
type LEDState struct {
	NumLock    bool
	CapsLock   bool
	ScrollLock bool
	Compose    bool
	Kana       bool
}

func decodeLEDs(b uint8) LEDState {
	return LEDState{
		NumLock:    b&LEDNumLock != 0,
		CapsLock:   b&LEDCapsLock != 0,
		ScrollLock: b&LEDScrollLock != 0,
		Compose:    b&LEDCompose != 0,
		Kana:       b&LEDKana != 0,
	}
}

// Keyboard is a boot protocol keyboard. Reports are queued and sent one
// per interval once the host has configured the device.
type Keyboard struct {
	descriptor usb.Descriptor
	interval   time.Duration

	ctrl   *controller.Controller
	logger *slog.Logger

	mu          sync.Mutex
	configured  bool
	leds        uint8
	idle        uint8
	protocol    uint8
	current     [reportLen]byte
	reports     [][reportLen]byte
	ledCallback func(LEDState)

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func init() {
	controller.RegisterDevice("keyboard", controller.RegistrationFunc{
		Create: func(o *controller.CreateOptions) (controller.Device, error) { return New(o) },
		Help:   "HID boot keyboard (args: interval=<ms>)",
	})
}

// New returns a keyboard. The "interval" argument sets the report pacing
// in milliseconds.
func New(o *controller.CreateOptions) (*Keyboard, error) {
	k := &Keyboard{
		descriptor: defaultDescriptor(),
		interval:   defaultInterval,
		protocol:   1,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		logger:     slog.Default(),
	}
	if o != nil {
		if o.IdVendor != nil {
			k.descriptor.Device.IDVendor = *o.IdVendor
		}
		if o.IdProduct != nil {
			k.descriptor.Device.IDProduct = *o.IdProduct
		}
	}
	if v := o.Arg("interval", ""); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("keyboard: invalid interval %q", v)
		}
		k.interval = time.Duration(ms) * time.Millisecond
	}
	return k, nil
}

func (k *Keyboard) Init(c *controller.Controller) {
	k.ctrl = c
	k.logger = c.Logger().With("device", "keyboard")
	go k.sendLoop()
}

func (k *Keyboard) Shutdown() {
	k.once.Do(func() { close(k.done) })
}

func (k *Keyboard) Endpoints() tunnel.EndpointTable {
	return tunnel.EndpointTableFromDescriptors(k.descriptor.EndpointDescriptors())
}

func (k *Keyboard) Descriptor(value, index uint16) []byte {
	return k.descriptor.Lookup(value, index)
}

func (k *Keyboard) ControlRequest(req *controller.ControlRequest) {
	s := req.Setup
	if s.IsStandard() {
		if s.Request == usb.ReqSetConfiguration && s.Recipient() == usb.RecipientDevice {
			k.mu.Lock()
			k.configured = s.Value != 0
			k.mu.Unlock()
			k.logger.Debug("Configuration set", "value", s.Value)
			k.signal()
		}
		return
	}
	if s.Type() != usb.RequestTypeClass || s.Recipient() != usb.RecipientInterface {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	switch s.Request {
	case hidSetIdle:
		k.idle = uint8(s.Value >> 8)
		req.Handle(nil)
	case hidGetIdle:
		req.Handle([]byte{k.idle})
	case hidSetProtocol:
		k.protocol = uint8(s.Value)
		req.Handle(nil)
	case hidGetProtocol:
		req.Handle([]byte{k.protocol})
	case hidGetReport:
		r := k.current
		req.Handle(r[:])
	case hidSetReport:
		if len(req.Data) > 0 {
			k.setLEDsLocked(req.Data[0])
		}
		req.Handle(nil)
	default:
		req.Stall = true
		req.Ignore = false
	}
}

// IncomingData takes LED output reports sent on an interrupt OUT pipe.
func (k *Keyboard) IncomingData(ep uint8, data []byte) {
	if len(data) == 0 {
		return
	}
	k.mu.Lock()
	k.setLEDsLocked(data[0])
	k.mu.Unlock()
}

func (k *Keyboard) ConnectionChanged(connected bool) {
	if connected {
		return
	}
	k.mu.Lock()
	k.configured = false
	k.mu.Unlock()
}

func (k *Keyboard) setLEDsLocked(b uint8) {
	if b == k.leds {
		return
	}
	k.leds = b
	if k.ledCallback != nil {
		go k.ledCallback(decodeLEDs(b))
	}
}

// SetLEDCallback sets a function called when the host changes the LEDs.
func (k *Keyboard) SetLEDCallback(f func(LEDState)) {
	k.mu.Lock()
	k.ledCallback = f
	k.mu.Unlock()
}

func (k *Keyboard) LEDs() LEDState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return decodeLEDs(k.leds)
}

// Configured reports whether the host selected a configuration.
func (k *Keyboard) Configured() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.configured
}

// Pending returns the number of reports not yet sent.
func (k *Keyboard) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.reports)
}

// Press queues a report holding mods and keys followed by a release.
func (k *Keyboard) Press(mods uint8, keys ...uint8) error {
	if len(keys) > maxKeys {
		return fmt.Errorf("%w: %d pressed, boot reports hold %d", ErrTooManyKeys, len(keys), maxKeys)
	}
	var r [reportLen]byte
	r[0] = mods
	copy(r[2:], keys)
	k.queue(r, [reportLen]byte{})
	return nil
}

// Type queues the key strokes for text. Characters without a US layout key
// are rejected before anything is queued.
func (k *Keyboard) Type(text string) error {
	reports := make([][reportLen]byte, 0, 2*len(text))
	for i := 0; i < len(text); i++ {
		key, mods, ok := CharToKey(text[i])
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownKey, text[i])
		}
		var r [reportLen]byte
		r[0] = mods
		r[2] = key
		reports = append(reports, r, [reportLen]byte{})
	}
	k.queue(reports...)
	return nil
}

// PressCombo queues a combination parsed by ParseCombo.
func (k *Keyboard) PressCombo(combo string) error {
	mods, keys, ok := ParseCombo(combo)
	if !ok {
		return fmt.Errorf("%w: bad combination %q", ErrUnknownKey, strings.TrimSpace(combo))
	}
	return k.Press(mods, keys...)
}

func (k *Keyboard) queue(r ...[reportLen]byte) {
	k.mu.Lock()
	k.reports = append(k.reports, r...)
	k.mu.Unlock()
	k.signal()
}

func (k *Keyboard) signal() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// next pops the next report if the host can take it.
func (k *Keyboard) next() ([reportLen]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.configured || len(k.reports) == 0 {
		return [reportLen]byte{}, false
	}
	r := k.reports[0]
	k.reports = k.reports[1:]
	k.current = r
	return r, true
}

func (k *Keyboard) sendLoop() {
	var tick <-chan time.Time
	if k.interval > 0 {
		t := time.NewTicker(k.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		if r, ok := k.next(); ok {
			if err := k.ctrl.Send(reportEndpoint, r[:]); err != nil {
				k.logger.Error("Failed to queue report", "error", err)
			}
			if tick == nil {
				continue
			}
			select {
			case <-k.done:
				return
			case <-tick:
			}
			continue
		}
		select {
		case <-k.done:
			return
		case <-k.wake:
		}
	}
}

// bootReport is the standard boot keyboard report descriptor: modifier
// byte, reserved byte, five LED outputs and six key slots.
var bootReport = []byte{
	0x05, 0x01, 0x09, 0x06, 0xA1, 0x01, 0x05, 0x07,
	0x19, 0xE0, 0x29, 0xE7, 0x15, 0x00, 0x25, 0x01,
	0x75, 0x01, 0x95, 0x08, 0x81, 0x02, 0x95, 0x01,
	0x75, 0x08, 0x81, 0x01, 0x95, 0x05, 0x75, 0x01,
	0x05, 0x08, 0x19, 0x01, 0x29, 0x05, 0x91, 0x02,
	0x95, 0x01, 0x75, 0x03, 0x91, 0x01, 0x95, 0x06,
	0x75, 0x08, 0x15, 0x00, 0x26, 0xA4, 0x00, 0x05,
	0x07, 0x19, 0x00, 0x29, 0xA4, 0x81, 0x00, 0xC0,
}

func defaultDescriptor() usb.Descriptor {
	serial := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    0x40,
			IDVendor:           0x1209,
			IDProduct:          0x0001,
			BcdDevice:          0x0100,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x03,
			BNumConfigurations: 0x01,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BNumEndpoints:      0x01,
					BInterfaceClass:    0x03, // HID
					BInterfaceSubClass: 0x01, // Boot
					BInterfaceProtocol: 0x01, // Keyboard
				},
				HID: &usb.HIDFunction{
					Descriptor: usb.HIDDescriptor{BcdHID: 0x0110},
					Report:     bootReport,
				},
				Endpoints: []usb.EndpointDescriptor{
					{
						BEndpointAddress: reportEndpoint,
						BMAttributes:     0x03, // Interrupt
						WMaxPacketSize:   reportLen,
						BInterval:        0x0A,
					},
				},
			},
		},
		Strings: map[uint8]string{
			1: "usbtunnel",
			2: "Tunnel Keyboard",
			3: serial,
		},
	}
}

// Package forwarder relays a physical USB device through the tunnel: its
// descriptors, control requests and endpoint data are passed to the USB
// host as if the tunnel device were the real one.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

// Backend is the physical device.
type Backend interface {
	Control(rType, request uint8, value, index uint16, data []byte) (int, error)
	// Read blocks until the IN endpoint ep returns data or ctx ends.
	Read(ctx context.Context, ep uint8, buf []byte) (int, error)
	Write(ep uint8, data []byte) (int, error)
	Close() error
}

const (
	// maxDescriptor is the most a 'D' reply can carry.
	maxDescriptor = tunnel.MaxPayload
	readRetry     = 100 * time.Millisecond
)

type Forwarder struct {
	backend   Backend
	endpoints tunnel.EndpointTable

	ctrl   *controller.Controller
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func init() {
	controller.RegisterDevice("forwarder", controller.RegistrationFunc{
		Create: func(o *controller.CreateOptions) (controller.Device, error) { return New(o) },
		Help:   "relay a local USB device (args: device=<vid>:<pid>, config=<n>, interface=<n>)",
	})
}

// New opens the device named by the "device" argument.
func New(o *controller.CreateOptions) (*Forwarder, error) {
	vid, pid, err := parseVIDPID(o.Arg("device", ""))
	if err != nil {
		return nil, err
	}
	config, err := strconv.Atoi(o.Arg("config", "1"))
	if err != nil {
		return nil, fmt.Errorf("forwarder: bad config: %w", err)
	}
	iface, err := strconv.Atoi(o.Arg("interface", "0"))
	if err != nil {
		return nil, fmt.Errorf("forwarder: bad interface: %w", err)
	}
	b, err := openUSB(vid, pid, config, iface)
	if err != nil {
		return nil, fmt.Errorf("forwarder: %w", err)
	}
	f, err := NewWithBackend(b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return f, nil
}

func parseVIDPID(s string) (gousb.ID, gousb.ID, error) {
	v, p, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("forwarder: device %q is not <vid>:<pid>", s)
	}
	vid, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("forwarder: bad vendor id: %w", err)
	}
	pid, err := strconv.ParseUint(p, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("forwarder: bad product id: %w", err)
	}
	return gousb.ID(vid), gousb.ID(pid), nil
}

// NewWithBackend derives the endpoint table from b's configuration
// descriptor.
func NewWithBackend(b Backend) (*Forwarder, error) {
	buf := make([]byte, maxDescriptor)
	n, err := b.Control(usb.RequestDirIn, usb.ReqGetDescriptor, usb.ConfigDescType<<8, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("forwarder: read configuration: %w", err)
	}
	cfg, err := usb.ParseConfigDescriptor(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("forwarder: %w", err)
	}
	return &Forwarder{
		backend:   b,
		endpoints: tunnel.EndpointTableFromDescriptors(cfg.Endpoints),
		logger:    slog.Default(),
	}, nil
}

func (f *Forwarder) Init(c *controller.Controller) {
	f.ctrl = c
	f.logger = c.Logger().With("device", "forwarder")
}

func (f *Forwarder) Shutdown() {
	f.stopPumps()
	if err := f.backend.Close(); err != nil {
		f.logger.Warn("Failed to close USB device", "error", err)
	}
}

func (f *Forwarder) Endpoints() tunnel.EndpointTable { return f.endpoints }

func (f *Forwarder) Descriptor(value, index uint16) []byte {
	rType := uint8(usb.RequestDirIn)
	if dt := uint8(value >> 8); dt == usb.HIDDescType || dt == usb.ReportDescType {
		rType |= usb.RecipientInterface
	}
	buf := make([]byte, maxDescriptor)
	n, err := f.backend.Control(rType, usb.ReqGetDescriptor, value, index, buf)
	if err != nil {
		f.logger.Warn("Descriptor request failed", "value", fmt.Sprintf("0x%04x", value), "error", err)
		return nil
	}
	return buf[:n]
}

func (f *Forwarder) ControlRequest(req *controller.ControlRequest) {
	s := req.Setup
	if s.IsStandard() {
		switch s.Request {
		case usb.ReqGetDescriptor, usb.ReqSetAddress:
			// The descriptor query follows; the address belongs to the tunnel device.
			return
		case usb.ReqSetConfiguration:
			if s.Recipient() == usb.RecipientDevice {
				if s.Value != 0 {
					f.startPumps()
				} else {
					f.stopPumps()
				}
				return
			}
		}
	}

	var data []byte
	if s.IsDeviceToHost() {
		data = make([]byte, s.Length)
	} else {
		data = req.Data
	}
	n, err := f.backend.Control(s.RequestType, s.Request, s.Value, s.Index, data)
	if err != nil {
		f.logger.Debug("Control request failed on device",
			"requestType", fmt.Sprintf("0x%02x", s.RequestType),
			"request", fmt.Sprintf("0x%02x", s.Request),
			"error", err)
		req.Stall = true
		req.Ignore = false
		return
	}
	if s.IsDeviceToHost() {
		req.Handle(data[:n])
		return
	}
	req.Handle(nil)
}

func (f *Forwarder) IncomingData(ep uint8, data []byte) {
	if _, err := f.backend.Write(ep&usb.EndpointNumberMask, data); err != nil {
		f.logger.Warn("Write to device failed", "endpoint", ep, "error", err)
	}
}

func (f *Forwarder) ConnectionChanged(connected bool) {
	if !connected {
		f.stopPumps()
	}
}

// startPumps relays every IN endpoint to the host until stopPumps.
func (f *Forwarder) startPumps() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil || f.ctrl == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	for _, ep := range f.endpoints {
		if !ep.IsIn() {
			continue
		}
		f.wg.Add(1)
		go f.pump(ctx, ep)
	}
}

func (f *Forwarder) stopPumps() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		f.wg.Wait()
	}
}

func (f *Forwarder) pump(ctx context.Context, ep tunnel.EndpointConfig) {
	defer f.wg.Done()
	buf := make([]byte, max(int(ep.MaxPacketSize), 1))
	for {
		n, err := f.backend.Read(ctx, ep.Address, buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, gousb.TransferTimedOut) {
				f.logger.Debug("Read from device failed", "endpoint", ep, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetry):
			}
			continue
		}
		if err := f.ctrl.Send(ep.Address, buf[:n]); err != nil {
			f.logger.Warn("Failed to queue device data", "endpoint", ep, "error", err)
		}
	}
}

// Package virtualbus hands out USB/IP bus IDs for exported devices.
//
// A bus number is process-wide: two servers cannot export on the same bus.
// Device numbers are per bus and the lowest free one is reused.
package virtualbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Alia5/usbtunnel/usb"
	"github.com/Alia5/usbtunnel/usbip"
)

const sysfsRoot = "/sys/devices/platform/usbtunnel"

var (
	ErrBusInUse      = errors.New("virtualbus: bus number in use")
	ErrAlreadyOnBus  = errors.New("virtualbus: device already on bus")
	ErrDeviceMissing = errors.New("virtualbus: device not on bus")
)

var (
	busesMu sync.Mutex
	buses   = map[uint32]struct{}{}
)

// Bus is one numbered USB/IP bus.
type Bus struct {
	number uint32

	mu    sync.Mutex
	ports []*port
}

// Port is a device plugged into the bus and the metadata it is exported with.
type Port struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

type port struct {
	Port
	ctx    context.Context
	cancel context.CancelFunc
}

// New claims bus number n.
func New(n uint32) (*Bus, error) {
	busesMu.Lock()
	defer busesMu.Unlock()
	if _, taken := buses[n]; taken {
		return nil, fmt.Errorf("%w: %d", ErrBusInUse, n)
	}
	buses[n] = struct{}{}
	return &Bus{number: n}, nil
}

// Number returns the bus number.
func (b *Bus) Number() uint32 { return b.number }

// Plug puts dev on the bus. The returned context ends when dev is unplugged
// or the bus closes.
func (b *Bus) Plug(dev usb.Device) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.indexLocked(dev) >= 0 {
		return nil, ErrAlreadyOnBus
	}
	devnum := b.freeDevnumLocked()
	id := fmt.Sprintf("%d-%d", b.number, devnum)

	p := &port{Port: Port{Dev: dev}}
	p.Meta.BusNum = b.number
	p.Meta.DevNum = devnum
	copy(p.Meta.BusID[:], id)
	copy(p.Meta.SysPath[:], fmt.Sprintf("%s/usb%d/%s", sysfsRoot, b.number, id))
	p.ctx, p.cancel = context.WithCancel(context.Background())

	b.ports = append(b.ports, p)
	slices.SortFunc(b.ports, func(x, y *port) int { return int(x.Meta.DevNum) - int(y.Meta.DevNum) })
	return p.ctx, nil
}

// Unplug removes dev and ends its context.
func (b *Bus) Unplug(dev usb.Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.indexLocked(dev)
	if i < 0 {
		return ErrDeviceMissing
	}
	b.ports[i].cancel()
	b.ports = slices.Delete(b.ports, i, i+1)
	return nil
}

// Ports lists plugged devices ordered by device number.
func (b *Bus) Ports() []Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Port, len(b.ports))
	for i, p := range b.ports {
		out[i] = p.Port
	}
	return out
}

// Find looks up a device by its "bus-dev" ID.
func (b *Bus) Find(busID string) (Port, context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.ports {
		if p.Meta.BusIDString() == busID {
			return p.Port, p.ctx, true
		}
	}
	return Port{}, nil, false
}

// Close unplugs everything and releases the bus number.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, p := range b.ports {
		p.cancel()
	}
	b.ports = nil
	b.mu.Unlock()

	busesMu.Lock()
	delete(buses, b.number)
	busesMu.Unlock()
	return nil
}

func (b *Bus) indexLocked(dev usb.Device) int {
	return slices.IndexFunc(b.ports, func(p *port) bool { return p.Dev == dev })
}

func (b *Bus) freeDevnumLocked() uint32 {
	n := uint32(1)
	for _, p := range b.ports {
		if p.Meta.DevNum != n {
			break
		}
		n++
	}
	return n
}

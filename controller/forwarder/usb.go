package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const controlTimeout = 5 * time.Second

// usbBackend is a physical device opened through libusb.
type usbBackend struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   map[uint8]*gousb.InEndpoint
	out  map[uint8]*gousb.OutEndpoint
}

func openUSB(vid, pid gousb.ID, config, iface int) (*usbBackend, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open %s:%s: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("device %s:%s not found", vid, pid)
	}
	dev.ControlTimeout = controlTimeout
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("auto detach: %w", err)
	}
	cfg, err := dev.Config(config)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("config %d: %w", config, err)
	}
	intf, err := cfg.Interface(iface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("interface %d: %w", iface, err)
	}

	b := &usbBackend{
		ctx:  ctx,
		dev:  dev,
		cfg:  cfg,
		intf: intf,
		in:   make(map[uint8]*gousb.InEndpoint),
		out:  make(map[uint8]*gousb.OutEndpoint),
	}
	for _, ep := range intf.Setting.Endpoints {
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			e, err := intf.InEndpoint(ep.Number)
			if err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("IN endpoint %s: %w", ep.Address, err)
			}
			b.in[uint8(ep.Address)] = e
		case gousb.EndpointDirectionOut:
			e, err := intf.OutEndpoint(ep.Number)
			if err != nil {
				_ = b.Close()
				return nil, fmt.Errorf("OUT endpoint %s: %w", ep.Address, err)
			}
			b.out[uint8(ep.Address)] = e
		}
	}
	return b, nil
}

func (b *usbBackend) Control(rType, request uint8, value, index uint16, data []byte) (int, error) {
	return b.dev.Control(rType, request, value, index, data)
}

func (b *usbBackend) Read(ctx context.Context, ep uint8, buf []byte) (int, error) {
	e, ok := b.in[ep]
	if !ok {
		return 0, fmt.Errorf("no IN endpoint 0x%02x", ep)
	}
	return e.ReadContext(ctx, buf)
}

func (b *usbBackend) Write(ep uint8, data []byte) (int, error) {
	e, ok := b.out[ep]
	if !ok {
		return 0, fmt.Errorf("no OUT endpoint 0x%02x", ep)
	}
	return e.Write(data)
}

func (b *usbBackend) Close() error {
	var errs []error
	if b.intf != nil {
		b.intf.Close()
	}
	if b.cfg != nil {
		errs = append(errs, b.cfg.Close())
	}
	if b.dev != nil {
		errs = append(errs, b.dev.Close())
	}
	if b.ctx != nil {
		errs = append(errs, b.ctx.Close())
	}
	return errors.Join(errs...)
}

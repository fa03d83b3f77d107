package usb

import (
	"context"
	"errors"
	"fmt"

	"github.com/Alia5/usbtunnel/firmware"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
	"github.com/Alia5/usbtunnel/usbip"
)

var _ firmware.USBPort = (*Server)(nil)

var errNoControlTransfer = errors.New("no control transfer in progress")

type jobKind uint8

const (
	jobConnect jobKind = iota
	jobDisconnect
	jobControl
	jobDescriptors
)

// job is work a connection goroutine hands to the firmware goroutine.
type job struct {
	kind  jobKind
	urb   *urb
	reply chan descriptorReply
}

type descriptorReply struct {
	device []byte
	config []byte
	err    error
}

type controlXfer struct {
	setup        usb.SetupPacket
	out          []byte
	in           []byte
	setupCleared bool
	statusDone   bool
	stalled      bool
}

// tunnelDevice is the bus entry for the emulated device. Its descriptors
// live on the controller and are fetched through the firmware.
type tunnelDevice struct {
	s *Server
}

func (d *tunnelDevice) Descriptors(ctx context.Context) ([]byte, []byte, error) {
	reply := make(chan descriptorReply, 1)
	select {
	case d.s.jobs <- job{kind: jobDescriptors, reply: reply}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.device, r.config, r.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Attach exports the device on the bus.
func (s *Server) Attach() error {
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return nil
	}
	s.attached = true
	s.mu.Unlock()

	if _, err := s.bus.Plug(s.device); err != nil {
		s.mu.Lock()
		s.attached = false
		s.mu.Unlock()
		return err
	}
	s.logger.Info("Device exported", "bus", s.bus.Number())
	if s.config.AutoAttachLocalClient {
		if ports := s.bus.Ports(); len(ports) > 0 {
			meta := ports[0].Meta
			go func() {
				if err := AttachLocalhostClient(context.Background(), &meta, s.listenPort(), s.logger); err != nil {
					s.logger.Error("Failed to auto-attach localhost client", "error", err)
				}
			}()
		}
	}
	return nil
}

// Detach removes the device from the bus, which ends any import.
func (s *Server) Detach() error {
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return nil
	}
	s.attached = false
	s.endpoints = make(map[uint8]*endpoint)
	s.configValue = 0
	s.mu.Unlock()

	if err := s.bus.Unplug(s.device); err != nil {
		return err
	}
	s.logger.Info("Device removed from bus")
	return nil
}

// ConfigureEndpoint enables an endpoint. Reconfiguring keeps queued URBs.
func (s *Server) ConfigureEndpoint(cfg tunnel.EndpointConfig) error {
	if cfg.Number() == 0 {
		return fmt.Errorf("endpoint %s: control endpoint is implicit", cfg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep, ok := s.endpoints[cfg.Address]; ok {
		ep.cfg = cfg
		return nil
	}
	s.endpoints[cfg.Address] = &endpoint{cfg: cfg}
	return nil
}

func (s *Server) OutPending(addr uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[addr]
	if !ok {
		return 0
	}
	return ep.outPending()
}

// ReadStream consumes host data; each OUT URB completes once fully read.
func (s *Server) ReadStream(addr uint8, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[addr]
	if !ok {
		return 0, firmware.ErrEndpointNotConfigured
	}
	n := 0
	for n < len(p) && len(ep.outURBs) > 0 {
		u := ep.outURBs[0]
		c := copy(p[n:], u.data[u.read:])
		u.read += c
		n += c
		if u.read == len(u.data) {
			ep.outURBs = ep.outURBs[1:]
			s.completeLocked(u, usbip.StatusOK, nil)
		}
	}
	if n < len(p) {
		return n, firmware.ErrIncompleteTransfer
	}
	return n, nil
}

// WriteStream queues data for the host's IN URBs on addr. A bare endpoint
// number selects the IN endpoint.
func (s *Server) WriteStream(addr uint8, p []byte) (int, error) {
	addr |= usb.EndpointDirIn
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return 0, firmware.ErrNotAttached
	}
	ep, ok := s.endpoints[addr]
	if !ok {
		return 0, firmware.ErrEndpointNotConfigured
	}
	n := len(p)
	if space := s.config.InQueueBytes - ep.inBytes; n > space {
		n = max(space, 0)
	}
	if n > 0 || len(p) == 0 {
		ep.inData = append(ep.inData, append([]byte(nil), p[:n]...))
		ep.inBytes += n
		s.matchInLocked(ep)
	}
	if n < len(p) {
		return n, firmware.ErrIncompleteTransfer
	}
	return n, nil
}

func (s *Server) ReadControl(p []byte) (int, error) {
	if s.ctl == nil {
		return 0, errNoControlTransfer
	}
	return copy(p, s.ctl.out), nil
}

func (s *Server) WriteControl(p []byte) error {
	if s.ctl == nil {
		return errNoControlTransfer
	}
	s.ctl.in = append(s.ctl.in, p...)
	return nil
}

func (s *Server) ClearSetup() {
	if s.ctl != nil {
		s.ctl.setupCleared = true
	}
}

func (s *Server) ClearStatusStage() {
	if s.ctl != nil {
		s.ctl.statusDone = true
	}
}

func (s *Server) StallControl() {
	if s.ctl != nil {
		s.ctl.stalled = true
	}
}

// Task delivers at most one queued host event to h.
func (s *Server) Task(ctx context.Context, h firmware.EventHandler) bool {
	select {
	case j := <-s.jobs:
		s.run(ctx, h, j)
		return true
	default:
		return false
	}
}

func (s *Server) run(ctx context.Context, h firmware.EventHandler, j job) {
	switch j.kind {
	case jobConnect:
		s.event(ctx, h, firmware.Event{Kind: firmware.EventConnect})
	case jobDisconnect:
		s.event(ctx, h, firmware.Event{Kind: firmware.EventDisconnect})
	case jobControl:
		s.runControl(ctx, h, j.urb)
	case jobDescriptors:
		j.reply <- s.fetchDescriptors(ctx, h)
	}
}

func (s *Server) event(ctx context.Context, h firmware.EventHandler, ev firmware.Event) []byte {
	data, err := h.HandleEvent(ctx, ev)
	if err != nil {
		s.logger.Warn("USB event failed", "event", ev.Kind, "error", err)
	}
	return data
}

func (s *Server) fetchDescriptors(ctx context.Context, h firmware.EventHandler) descriptorReply {
	dev := s.event(ctx, h, firmware.Event{Kind: firmware.EventGetDescriptor, Setup: usb.SetupPacket{
		RequestType: usb.RequestDirIn,
		Request:     usb.ReqGetDescriptor,
		Value:       uint16(usb.DeviceDescType) << 8,
		Length:      usb.DeviceDescLen,
	}})
	if dev == nil {
		return descriptorReply{err: errors.New("device descriptor unavailable")}
	}
	cfg := s.event(ctx, h, firmware.Event{Kind: firmware.EventGetDescriptor, Setup: usb.SetupPacket{
		RequestType: usb.RequestDirIn,
		Request:     usb.ReqGetDescriptor,
		Value:       uint16(usb.ConfigDescType) << 8,
		Length:      0xFFFF,
	}})
	return descriptorReply{device: dev, config: cfg}
}

// runControl offers an EP0 transfer to the firmware first and falls back
// to the standard request handling when it is left unhandled.
func (s *Server) runControl(ctx context.Context, h firmware.EventHandler, u *urb) {
	var setup usb.SetupPacket
	usb.ParseSetupPacket(u.setup[:], &setup)

	ctl := &controlXfer{setup: setup, out: u.data}
	s.ctl = ctl
	s.event(ctx, h, firmware.Event{Kind: firmware.EventControlRequest, Setup: setup})
	s.ctl = nil

	switch {
	case ctl.stalled:
		s.complete(u, usbip.StatusStall, nil)
	case ctl.setupCleared:
		s.complete(u, usbip.StatusOK, truncate(ctl.in, setup.Length))
	default:
		data, ok := s.standardRequest(ctx, h, setup)
		if !ok {
			s.logger.Debug("Stalling control request",
				"requestType", fmt.Sprintf("0x%02x", setup.RequestType),
				"request", fmt.Sprintf("0x%02x", setup.Request))
			s.complete(u, usbip.StatusStall, nil)
			return
		}
		s.complete(u, usbip.StatusOK, truncate(data, setup.Length))
	}
}

func (s *Server) standardRequest(ctx context.Context, h firmware.EventHandler, setup usb.SetupPacket) ([]byte, bool) {
	if !setup.IsStandard() {
		return nil, false
	}
	switch setup.Request {
	case usb.ReqGetDescriptor:
		if !setup.IsDeviceToHost() {
			return nil, false
		}
		desc := s.event(ctx, h, firmware.Event{Kind: firmware.EventGetDescriptor, Setup: setup})
		return desc, desc != nil
	case usb.ReqSetConfiguration:
		s.mu.Lock()
		s.configValue = uint8(setup.Value)
		s.mu.Unlock()
		s.event(ctx, h, firmware.Event{Kind: firmware.EventConfigurationChanged})
		return nil, true
	case usb.ReqGetConfiguration:
		s.mu.Lock()
		defer s.mu.Unlock()
		return []byte{s.configValue}, true
	case usb.ReqGetStatus:
		return []byte{0x00, 0x00}, true
	case usb.ReqGetInterface:
		return []byte{0x00}, true
	case usb.ReqSetAddress, usb.ReqSetInterface, usb.ReqClearFeature, usb.ReqSetFeature:
		return nil, true
	}
	return nil, false
}

func truncate(b []byte, n uint16) []byte {
	if len(b) > int(n) {
		return b[:n]
	}
	return b
}

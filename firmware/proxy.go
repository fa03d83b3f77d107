package firmware

import (
	"context"
	"errors"
	"fmt"

	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

// HandleEvent turns a USB-stack event into tunnel traffic. Control and
// descriptor requests block until the controller answers.
func (f *Firmware) HandleEvent(ctx context.Context, ev Event) ([]byte, error) {
	switch ev.Kind {
	case EventConnect:
		f.logger.Info("USB host connected")
		return nil, f.send(ctx, tunnel.ConnectionFrame(true))
	case EventDisconnect:
		f.logger.Info("USB host disconnected")
		return nil, f.send(ctx, tunnel.ConnectionFrame(false))
	case EventConfigurationChanged:
		return nil, f.configureEndpoints()
	case EventControlRequest:
		return nil, f.controlRequest(ctx, ev.Setup)
	case EventGetDescriptor:
		return f.descriptor(ctx, ev.Setup.Value, ev.Setup.Index)
	}
	return nil, fmt.Errorf("unhandled USB event %s", ev.Kind)
}

func (f *Firmware) configureEndpoints() error {
	var errs []error
	for _, ep := range f.endpoints {
		if err := f.usb.ConfigureEndpoint(ep); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", ep, err))
		}
	}
	f.logger.Debug("Endpoints configured", "count", len(f.endpoints), "failed", len(errs))
	return errors.Join(errs...)
}

func (f *Firmware) controlRequest(ctx context.Context, setup usb.SetupPacket) error {
	q := tunnel.ControlQuery{Setup: setup}
	cleared := false
	if setup.HasOutData() {
		if int(setup.Length) > maxControlData {
			f.usb.StallControl()
			return fmt.Errorf("control data stage of %d bytes exceeds %d", setup.Length, maxControlData)
		}
		f.usb.ClearSetup()
		cleared = true
		n, err := f.usb.ReadControl(f.control[:setup.Length])
		if err != nil {
			f.usb.StallControl()
			return fmt.Errorf("read control data: %w", err)
		}
		q.Data = f.control[:n]
	}

	if err := f.send(ctx, q.Frame()); err != nil {
		f.usb.StallControl()
		return err
	}
	fr, err := f.WaitForPacket(ctx, tunnel.CmdControl)
	if err != nil {
		f.usb.StallControl()
		f.logger.Error("Control request unanswered",
			"requestType", fmt.Sprintf("0x%02x", setup.RequestType),
			"request", fmt.Sprintf("0x%02x", setup.Request),
			"error", err)
		return err
	}

	reply := tunnel.ParseControlReply(fr.Payload)
	switch {
	case reply.Stall():
		f.usb.StallControl()
		return nil
	case !reply.Handle() && !cleared:
		return nil
	}
	if !cleared {
		f.usb.ClearSetup()
	}
	if len(reply.Data) > 0 {
		if err := f.usb.WriteControl(reply.Data); err != nil {
			return fmt.Errorf("write control data: %w", err)
		}
	}
	f.usb.ClearStatusStage()
	return nil
}

// descriptor fetches a descriptor from the controller. A device descriptor
// reply may carry the endpoint table after the descriptor bytes.
func (f *Firmware) descriptor(ctx context.Context, value, index uint16) ([]byte, error) {
	q := tunnel.DescriptorQuery{Value: value, Index: index}
	if err := f.send(ctx, q.Frame()); err != nil {
		return nil, err
	}
	fr, err := f.WaitForPacket(ctx, tunnel.CmdDescriptor)
	if err != nil {
		f.logger.Error("Descriptor request unanswered",
			"type", fmt.Sprintf("0x%02x", q.Type()),
			"index", uint8(value),
			"error", err)
		return nil, err
	}
	desc, table, ok := tunnel.SplitDescriptorReply(q.Type(), fr.Payload)
	if ok {
		f.setEndpoints(table, "descriptor")
	}
	if len(desc) == 0 {
		return nil, nil
	}
	return desc, nil
}

package firmware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Alia5/usbtunnel/tunnel"
)

// HandleReceivedPacket dispatches a completed unsolicited frame, if one is
// waiting, and acknowledges it. It reports whether a frame was handled.
func (f *Firmware) HandleReceivedPacket(ctx context.Context) (bool, error) {
	fr, ok := f.framer.take()
	if !ok {
		return false, nil
	}
	switch fr.Command {
	case tunnel.CmdForward:
		f.forwardToHost(ctx, fr.Payload)
	case tunnel.CmdAttach:
		f.setAttached(tunnel.ParseFlag(fr.Payload))
	case tunnel.CmdEndpoints:
		f.setEndpoints(tunnel.DecodeEndpointTable(fr.Payload), "explicit")
	default:
		f.stats.unknown.Add(1)
		f.logger.Warn("Echoing unhandled frame", "error", fmt.Errorf("%w: %s", ErrUnknownCommand, fr.Command))
		if err := f.send(ctx, tunnel.NewFrame(tunnel.CmdUnknown, byte(fr.Command))); err != nil {
			return true, err
		}
	}
	return true, f.queue(ctx, tunnel.AckFrame(fr.Command))
}

func (f *Firmware) forwardToHost(ctx context.Context, payload []byte) {
	ep, data, err := tunnel.ParseEndpointData(payload)
	if err != nil {
		f.logger.Warn("Dropping forward frame", "error", err)
		return
	}
	if err := f.writeStream(ctx, ep, data); err != nil {
		f.stats.droppedOut.Add(1)
		f.logger.Warn("Dropping data for host", "endpoint", fmt.Sprintf("0x%02x", ep), "bytes", len(data), "error", err)
	}
}

// writeStream pushes data to the host, continuing incomplete transfers
// until Config.TransferTimeout runs out.
func (f *Firmware) writeStream(ctx context.Context, ep uint8, data []byte) error {
	deadline := time.Now().Add(f.cfg.TransferTimeout)
	for first := true; first || len(data) > 0; first = false {
		n, err := f.usb.WriteStream(ep, data)
		data = data[n:]
		if err == nil {
			if n == 0 && !first {
				return fmt.Errorf("%w: %d bytes left", ErrIncompleteTransfer, len(data))
			}
			continue
		}
		if !errors.Is(err, ErrIncompleteTransfer) {
			return err
		}
		if ctx.Err() != nil || (f.cfg.TransferTimeout > 0 && time.Now().After(deadline)) {
			return fmt.Errorf("%w: %d bytes left", ErrIncompleteTransfer, len(data))
		}
		f.idle()
	}
	return nil
}

func (f *Firmware) setAttached(attach bool) {
	var err error
	if attach {
		err = f.usb.Attach()
	} else {
		err = f.usb.Detach()
	}
	if err != nil {
		f.logger.Error("Failed to change attach state", "attach", attach, "error", err)
		return
	}
	f.attached = attach
	f.logger.Info("USB attach state changed", "attached", attach)
}

// setEndpoints replaces the endpoint table wholesale.
func (f *Firmware) setEndpoints(t tunnel.EndpointTable, source string) {
	f.endpoints = t
	f.logger.Debug("Endpoint table updated", "source", source, "count", len(t))
}

package firmware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Alia5/usbtunnel/tunnel"
)

// forwardInbound drains every host -> device endpoint in the table and
// sends the data upstream as 'I' frames.
func (f *Firmware) forwardInbound(ctx context.Context) (bool, error) {
	progressed := false
	for _, ep := range f.endpoints {
		if ep.IsIn() {
			continue
		}
		n := f.usb.OutPending(ep.Address)
		if n <= 0 {
			continue
		}
		if n > maxInbound {
			n = maxInbound
		}
		got, err := f.readStream(ctx, ep.Address, f.inbound[:n])
		if err != nil {
			f.logger.Warn("Failed to read host data", "endpoint", ep, "error", err)
			if got == 0 {
				continue
			}
		}
		if err := f.send(ctx, tunnel.InboundFrame(ep.Address, f.inbound[:got])); err != nil {
			return progressed, err
		}
		progressed = true
	}
	return progressed, nil
}

func (f *Firmware) readStream(ctx context.Context, ep uint8, p []byte) (int, error) {
	deadline := time.Now().Add(f.cfg.TransferTimeout)
	total := 0
	for total < len(p) {
		n, err := f.usb.ReadStream(ep, p[total:])
		total += n
		if err == nil {
			if n == 0 {
				break
			}
			continue
		}
		if !errors.Is(err, ErrIncompleteTransfer) {
			return total, err
		}
		if ctx.Err() != nil || (f.cfg.TransferTimeout > 0 && time.Now().After(deadline)) {
			return total, fmt.Errorf("%w: %d of %d bytes", ErrIncompleteTransfer, total, len(p))
		}
		f.idle()
	}
	return total, nil
}

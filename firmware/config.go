package firmware

import "time"

// defaultStallTicks bounds a partial frame in idle polls when no
// FrameTimeout is configured.
const defaultStallTicks = 0xFFF0

// Config tunes the tunnel state machine.
type Config struct {
	FrameTimeout    time.Duration `help:"Discard a partially received frame after this long without progress; 0 counts idle polls instead" default:"50ms" env:"USBTUNNEL_FRAME_TIMEOUT"`
	PollInterval    time.Duration `help:"Idle delay between polls of the serial link" default:"100us" env:"USBTUNNEL_POLL_INTERVAL"`
	ReplyTimeout    time.Duration `help:"Maximum time to wait for the remote side to answer a query; 0 waits forever" default:"5s" env:"USBTUNNEL_REPLY_TIMEOUT"`
	MaxMismatches   int           `help:"Frames rejected while waiting for a reply before the query fails; 0 is unbounded" default:"32" env:"USBTUNNEL_MAX_MISMATCHES"`
	TransferTimeout time.Duration `help:"Maximum time to retry an incomplete USB transfer; 0 retries forever" default:"1s" env:"USBTUNNEL_TRANSFER_TIMEOUT"`
}

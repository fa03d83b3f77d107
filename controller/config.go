package controller

import "time"

// Config holds the controller's protocol settings.
type Config struct {
	AckTimeout         time.Duration `help:"Resend the in-flight frame when no ack arrives within this time; 0 disables" default:"500ms" env:"USBTUNNEL_CONTROLLER_ACK_TIMEOUT"`
	PiggybackEndpoints bool          `help:"Append the endpoint table to device descriptor replies instead of sending it on attach" default:"false" env:"USBTUNNEL_CONTROLLER_PIGGYBACK"`
	FrameTimeout       time.Duration `help:"Drop a partly received frame after this much silence, on links that support read deadlines; 0 waits forever" default:"250ms" env:"USBTUNNEL_CONTROLLER_FRAME_TIMEOUT"`
	MaxQueue           int           `help:"Maximum queued outgoing frames; Send fails beyond it" default:"4096" env:"USBTUNNEL_CONTROLLER_MAX_QUEUE"`
}

package firmware

import "errors"

var (
	// ErrFramingTimeout marks a partially received frame that stalled past
	// the framer threshold and was discarded.
	ErrFramingTimeout = errors.New("framing timeout")
	// ErrProtocolMismatch is returned when the remote side keeps sending
	// frames other than the awaited reply.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrIncompleteTransfer is reported by a USBPort when a stream transfer
	// moved only part of the data and must be continued.
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	// ErrUnknownCommand marks an inbound frame with an unrecognized tag.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrReplyTimeout is returned when no awaited reply arrives in time.
	ErrReplyTimeout = errors.New("reply timeout")
	// ErrNotAttached is reported by a USBPort when the device is not
	// attached to a host.
	ErrNotAttached = errors.New("device not attached")
	// ErrEndpointNotConfigured is reported by a USBPort for transfers on an
	// endpoint that has not been configured.
	ErrEndpointNotConfigured = errors.New("endpoint not configured")
	// ErrSendBusy is returned when a frame is loaded while another one is
	// still draining.
	ErrSendBusy = errors.New("send in progress")
)

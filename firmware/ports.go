package firmware

import (
	"context"
	"fmt"

	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

// SerialPort is the byte transport to the remote controller.
type SerialPort interface {
	// Buffered returns the number of bytes ready to be read. Once the
	// buffer is empty it reports the error that ended the stream, if any.
	Buffered() (int, error)
	ReadByte() (byte, error)
	WriteByte(b byte) error
	// Flush pushes buffered output to the wire.
	Flush() error
}

// USBPort is the USB engine the firmware drives. Control pipe methods act
// on the control transfer currently being delivered by an
// EventControlRequest and are only valid inside HandleEvent.
type USBPort interface {
	Attach() error
	Detach() error
	ConfigureEndpoint(ep tunnel.EndpointConfig) error

	// OutPending returns the number of bytes the host has written to a
	// host-to-device endpoint that are waiting to be read.
	OutPending(addr uint8) int
	// ReadStream reads from a host-to-device endpoint. ErrIncompleteTransfer
	// means fewer than len(p) bytes were available; n is still valid.
	ReadStream(addr uint8, p []byte) (int, error)
	// WriteStream queues data for the host on a device-to-host endpoint.
	// ErrIncompleteTransfer means only n bytes were accepted.
	WriteStream(addr uint8, p []byte) (int, error)

	ReadControl(p []byte) (int, error)
	WriteControl(p []byte) error
	ClearSetup()
	ClearStatusStage()
	StallControl()

	// Task runs USB housekeeping and delivers pending events to h. It
	// reports whether any work was done.
	Task(ctx context.Context, h EventHandler) bool
}

// EventKind enumerates the USB-stack events the firmware reacts to.
type EventKind uint8

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventConfigurationChanged
	EventControlRequest
	EventGetDescriptor
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventConfigurationChanged:
		return "configuration-changed"
	case EventControlRequest:
		return "control-request"
	case EventGetDescriptor:
		return "get-descriptor"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one USB-stack event. Setup is set for control requests and
// descriptor requests.
type Event struct {
	Kind  EventKind
	Setup usb.SetupPacket
}

// EventHandler consumes USB events. For EventGetDescriptor the returned
// bytes answer the request; nil means the descriptor does not exist.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) ([]byte, error)
}

// Indicator shows link activity, typically an LED.
type Indicator interface {
	SetActive(on bool)
}

type nopIndicator struct{}

func (nopIndicator) SetActive(bool) {}

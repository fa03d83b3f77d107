// Package controller is the remote side of the tunnel: it answers the
// device's descriptor and control queries on behalf of an emulated USB
// device and streams endpoint data in both directions.
package controller

import (
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

// Device is an emulated USB device driven by a Controller.
type Device interface {
	// Endpoints lists the non-control endpoints to configure on the
	// device, in ascending endpoint number order.
	Endpoints() tunnel.EndpointTable
	// Descriptor answers a GET_DESCRIPTOR query. nil means none.
	Descriptor(value, index uint16) []byte
	// ControlRequest decides how the device finishes a control transfer.
	ControlRequest(req *ControlRequest)
	// IncomingData receives bytes the USB host wrote to endpoint ep.
	IncomingData(ep uint8, data []byte)
}

// Initializer is implemented by devices that need the controller, for
// example to send endpoint data from their own goroutines.
type Initializer interface {
	Init(c *Controller)
}

// Shutdowner is implemented by devices holding resources.
type Shutdowner interface {
	Shutdown()
}

// ConnectionListener is notified when the USB host connects or leaves.
type ConnectionListener interface {
	ConnectionChanged(connected bool)
}

// ControlRequest is a control transfer offered to the Device. Requests are
// ignored unless the device clears Ignore; requests carrying OUT data can
// not be ignored.
type ControlRequest struct {
	Setup usb.SetupPacket
	Data  []byte

	Ignore bool
	Stall  bool
	Reply  []byte
}

// CanIgnore reports whether the request may be left to the device's USB
// stack.
func (r *ControlRequest) CanIgnore() bool {
	return r.Setup.IsDeviceToHost() || r.Setup.Length == 0
}

// Handle marks the request handled and sets the IN data stage.
func (r *ControlRequest) Handle(reply []byte) {
	r.Ignore = false
	r.Reply = reply
}

// reply encodes the decision as a 'U' reply.
func (r *ControlRequest) reply() tunnel.ControlReply {
	switch {
	case r.CanIgnore() && r.Ignore:
		return tunnel.ControlReply{}
	case r.Stall:
		return tunnel.ControlReply{Status: tunnel.StatusStall}
	}
	data := r.Reply
	if len(data) > int(r.Setup.Length) {
		data = data[:r.Setup.Length]
	}
	return tunnel.ControlReply{Status: tunnel.StatusHandle, Data: data}
}

// CreateOptions carries the common model parameters from the command line.
type CreateOptions struct {
	IdVendor  *uint16
	IdProduct *uint16
	// Args holds model specific key=value arguments.
	Args map[string]string
}

// Arg returns a model argument or def.
func (o *CreateOptions) Arg(key, def string) string {
	if o == nil || o.Args == nil {
		return def
	}
	if v, ok := o.Args[key]; ok {
		return v
	}
	return def
}

package usb

import "context"

// Device is a USB device a virtual bus can export. Its enumeration data is
// produced on demand because the tunnel only learns it from the remote side.
type Device interface {
	// Descriptors returns the raw device descriptor and the complete
	// configuration descriptor (wTotalLength bytes).
	Descriptors(ctx context.Context) (device []byte, config []byte, err error)
}

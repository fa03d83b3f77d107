// Package registry links every controller device model into the binary.
package registry

import (
	_ "github.com/Alia5/usbtunnel/controller/forwarder"     // Register the USB pass-through model
	_ "github.com/Alia5/usbtunnel/controller/keyboard"      // Register the boot keyboard model
	_ "github.com/Alia5/usbtunnel/controller/massstorage"   // Register the flash drive model
	_ "github.com/Alia5/usbtunnel/controller/serialadapter" // Register the serial adapter model
)

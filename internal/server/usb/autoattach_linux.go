//go:build linux

package usb

import (
	"bytes"
	"os"
)

func prerequisites() []prerequisite {
	return []prerequisite{
		{
			name: "usbip tool",
			ok:   usbipToolPresent,
			hints: []string{
				"Ubuntu/Debian: sudo apt install linux-tools-generic",
				"Arch Linux: sudo pacman -S usbip",
			},
		},
		{
			name:  "vhci-hcd kernel module",
			ok:    vhciLoaded,
			hints: []string{"sudo modprobe vhci-hcd"},
		},
	}
}

// vhciLoaded assumes the module is present when /proc/modules is unreadable.
func vhciLoaded() bool {
	data, err := os.ReadFile("/proc/modules")
	if err != nil {
		return true
	}
	return bytes.Contains(data, []byte("vhci_hcd"))
}

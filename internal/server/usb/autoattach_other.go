//go:build !linux

package usb

func prerequisites() []prerequisite {
	return []prerequisite{{
		name:  "usbip tool",
		ok:    usbipToolPresent,
		hints: []string{"install usbip-win2: https://github.com/vadimgrn/usbip-win2"},
	}}
}

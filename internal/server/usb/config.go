package usb

import "time"

// ServerConfig represents the USB/IP export configuration of the device command.
type ServerConfig struct {
	Addr                    string        `help:"USB-IP server listen address" default:":3240" env:"USBTUNNEL_USB_ADDR"`
	BusID                   uint32        `help:"USB-IP bus number of the emulated device" default:"1" env:"USBTUNNEL_USB_BUS_ID"`
	Speed                   uint32        `help:"Reported device speed (1=low, 2=full, 3=high)" default:"2" env:"USBTUNNEL_USB_SPEED"`
	InQueueBytes            int           `help:"Bytes buffered per IN endpoint before writes report an incomplete transfer" default:"4096" env:"USBTUNNEL_USB_IN_QUEUE"`
	ConnectionTimeout       time.Duration `help:"Deadline for USB-IP management requests; an import makes two descriptor queries through the firmware, so the device command raises it to at least twice firmware.reply-timeout" default:"15s" env:"USBTUNNEL_USB_CONNECTION_TIMEOUT"`
	WriteBatchFlushInterval time.Duration `help:"Interval to flush write batches to clients; 0 to disable" default:"1ms" env:"USBTUNNEL_USB_WRITE_BATCH_FLUSH_INTERVAL"`
	AutoAttachLocalClient   bool          `help:"Attach the exported device to this machine with the usbip tool" default:"false" env:"USBTUNNEL_USB_AUTO_ATTACH"`
}

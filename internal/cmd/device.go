package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Alia5/usbtunnel/firmware"
	"github.com/Alia5/usbtunnel/internal/link"
	"github.com/Alia5/usbtunnel/internal/log"
	"github.com/Alia5/usbtunnel/internal/server/usb"
)

// Device runs the tunnel firmware against the USB-IP export.
type Device struct {
	Link            string           `help:"Link to the controller: serial port, tcp://host:port or listen://host:port" required:"" env:"USBTUNNEL_DEVICE_LINK"`
	BaudRate        int              `help:"Serial baud rate" default:"1000000" env:"USBTUNNEL_DEVICE_BAUD"`
	LinkTimeout     time.Duration    `help:"Time to wait for the link to open; 0 waits forever" default:"0s" env:"USBTUNNEL_DEVICE_LINK_TIMEOUT"`
	Firmware        firmware.Config  `embed:"" prefix:"firmware."`
	UsbServerConfig usb.ServerConfig `embed:"" prefix:"usb."`
}

// Run is called by Kong when the device command is executed.
func (d *Device) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.StartDevice(ctx, logger, rawLogger)
}

func (d *Device) StartDevice(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	logger.Info("Starting usbtunnel device", "link", d.Link, "usbip", d.UsbServerConfig.Addr)

	usbSrv, err := usb.New(d.usbConfig(logger), logger, log.Named(rawLogger, "usbip"))
	if err != nil {
		return fmt.Errorf("create USB-IP server: %w", err)
	}
	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()
	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}
	defer usbSrv.Close()

	if d.UsbServerConfig.AutoAttachLocalClient {
		logger.Info("Auto-attach is enabled, checking prerequisites...")
		if !usb.CheckAutoAttachPrerequisites(logger) {
			logger.Warn("Auto-attach prerequisites not met")
			logger.Info("You can disable auto-attach with --usb.auto-attach-local-client=false")
		}
	}

	linkCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.LinkTimeout > 0 {
		linkCtx, cancel = context.WithTimeout(ctx, d.LinkTimeout)
	}
	rwc, err := link.Open(linkCtx, d.Link, d.BaudRate)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	port := link.NewPort(rwc)
	defer port.Close()
	logger.Info("Link open", "link", d.Link)

	fw := firmware.New(d.Firmware, port, usbSrv, logger, log.Named(rawLogger, "link"))
	fwErrCh := make(chan error, 1)
	go func() {
		fwErrCh <- fw.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		_ = port.Close()
		<-fwErrCh
		return nil
	case err := <-fwErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("tunnel: %w", err)
		}
		return nil
	case err := <-usbErrCh:
		_ = port.Close()
		<-fwErrCh
		return err
	}
}

// usbConfig returns the USB-IP settings with the management deadline raised
// to cover the two descriptor queries made per devlist entry or import, each
// of which may wait ReplyTimeout for the controller.
func (d *Device) usbConfig(logger *slog.Logger) usb.ServerConfig {
	cfg := d.UsbServerConfig
	need := 2 * d.Firmware.ReplyTimeout
	if cfg.ConnectionTimeout > 0 && cfg.ConnectionTimeout < need {
		logger.Warn("Raising USB-IP connection timeout to cover descriptor queries",
			"configured", cfg.ConnectionTimeout,
			"timeout", need)
		cfg.ConnectionTimeout = need
	}
	return cfg
}

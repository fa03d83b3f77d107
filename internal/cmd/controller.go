package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/internal/configpaths"
	"github.com/Alia5/usbtunnel/internal/link"
	"github.com/Alia5/usbtunnel/internal/log"
	"github.com/Alia5/usbtunnel/internal/server/api"
	"github.com/Alia5/usbtunnel/internal/server/api/auth"
	"github.com/Alia5/usbtunnel/internal/server/api/handler"
)

const keyFileName = "usbtunnel.key.txt"

// Controller runs an emulated device model on the controller side of a link.
type Controller struct {
	Link        string            `help:"Link to the device: serial port, tcp://host:port or listen://host:port" required:"" env:"USBTUNNEL_CONTROLLER_LINK"`
	BaudRate    int               `help:"Serial baud rate" default:"1000000" env:"USBTUNNEL_CONTROLLER_BAUD"`
	LinkTimeout time.Duration     `help:"Time to wait for the link to open; 0 waits forever" default:"0s" env:"USBTUNNEL_CONTROLLER_LINK_TIMEOUT"`
	Model       string            `help:"Device model to emulate (see 'usbtunnel models')" default:"keyboard" env:"USBTUNNEL_CONTROLLER_MODEL"`
	Vid         string            `help:"Override the USB vendor id (hex)" env:"USBTUNNEL_CONTROLLER_VID"`
	Pid         string            `help:"Override the USB product id (hex)" env:"USBTUNNEL_CONTROLLER_PID"`
	Arg         map[string]string `help:"Model specific argument key=value"`
	AutoAttach  bool              `help:"Attach the device as soon as the link is up" default:"true" negatable:"" env:"USBTUNNEL_CONTROLLER_AUTO_ATTACH"`
	Console     bool              `help:"Forward terminal input to the device (keyboard and serial models)" env:"USBTUNNEL_CONTROLLER_CONSOLE"`

	ControllerConfig controller.Config `embed:"" prefix:"controller."`
	ApiServerConfig  api.ServerConfig  `embed:"" prefix:"api."`
}

// Run is called by Kong when the controller command is executed.
func (c *Controller) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.StartController(ctx, logger, rawLogger)
}

func (c *Controller) createDevice() (controller.Device, error) {
	reg := controller.GetRegistration(c.Model)
	if reg == nil {
		return nil, fmt.Errorf("unknown device model %q (available: %s)", c.Model, strings.Join(controller.ListDeviceTypes(), ", "))
	}
	opts := &controller.CreateOptions{Args: c.Arg}
	var err error
	if opts.IdVendor, err = parseHexID(c.Vid); err != nil {
		return nil, fmt.Errorf("vid: %w", err)
	}
	if opts.IdProduct, err = parseHexID(c.Pid); err != nil {
		return nil, fmt.Errorf("pid: %w", err)
	}
	return reg.CreateDevice(opts)
}

func parseHexID(s string) (*uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 16)
	if err != nil {
		return nil, err
	}
	id := uint16(v)
	return &id, nil
}

// loadPassword reads the API password from the key file in the config
// directory, generating one on first use.
func loadPassword(dir string, logger *slog.Logger) (string, error) {
	keyFilePath := filepath.Join(dir, keyFileName)
	if pwd, err := os.ReadFile(keyFilePath); err == nil {
		return strings.TrimSpace(string(pwd)), nil
	}
	newPwd, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(newPwd), 0o600); err != nil {
		return "", fmt.Errorf("failed to write new API password to file: %w", err)
	}
	logger.Info("Generated API server password", "path", keyFilePath)
	logger.Info("-------------------------------------")
	logger.Info(newPwd)
	logger.Info("-------------------------------------")
	return newPwd, nil
}

func (c *Controller) startAPI(ctrl *controller.Controller, logger *slog.Logger) (*api.Server, error) {
	cfg := c.ApiServerConfig
	if cfg.RequireAuth && cfg.Password == "" {
		dir, err := configpaths.DefaultConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve key file path: %w", err)
		}
		if cfg.Password, err = loadPassword(dir, logger); err != nil {
			return nil, err
		}
	}
	srv, err := api.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	handler.Register(srv.Router(), ctrl, c.Model)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

func (c *Controller) StartController(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	dev, err := c.createDevice()
	if err != nil {
		return err
	}
	logger.Info("Starting usbtunnel controller", "link", c.Link, "model", c.Model)

	linkCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.LinkTimeout > 0 {
		linkCtx, cancel = context.WithTimeout(ctx, c.LinkTimeout)
	}
	rwc, err := link.Open(linkCtx, c.Link, c.BaudRate)
	cancel()
	if err != nil {
		if s, ok := dev.(controller.Shutdowner); ok {
			s.Shutdown()
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer rwc.Close()

	ctrl, err := controller.New(rwc, dev, c.ControllerConfig, logger, log.Named(rawLogger, "link"))
	if err != nil {
		return err
	}

	if c.ApiServerConfig.Addr != "" {
		apiSrv, err := c.startAPI(ctrl, logger)
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		defer apiSrv.Close()
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- ctrl.Run(runCtx)
	}()

	if c.AutoAttach {
		if err := ctrl.Attach(); err != nil {
			logger.Warn("Auto-attach failed", "error", err)
		}
	}

	if c.Console {
		go func() {
			if err := runConsole(runCtx, dev, os.Stdin, os.Stdout); err != nil {
				logger.Error("Console stopped", "error", err)
			}
			runCancel()
		}()
	}

	err = <-errCh
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("tunnel: %w", err)
	}
	return nil
}

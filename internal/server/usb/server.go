// Package usb exports the tunnelled device over USB/IP. The Server doubles
// as the firmware's USB port: host traffic arrives on connection goroutines
// and is handed to the firmware goroutine through Task.
package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alia5/usbtunnel/internal/link"
	"github.com/Alia5/usbtunnel/internal/log"
	"github.com/Alia5/usbtunnel/usb"
	"github.com/Alia5/usbtunnel/usbip"
	"github.com/Alia5/usbtunnel/virtualbus"
)

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	bus       *virtualbus.Bus
	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener

	jobs   chan job
	device *tunnelDevice

	mu          sync.Mutex
	attached    bool
	session     *session
	endpoints   map[uint8]*endpoint
	configValue uint8

	// control transfer being delivered to the firmware; firmware goroutine only
	ctl *controlXfer
}

// New creates a Server with its own virtual bus.
func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) (*Server, error) {
	bus, err := virtualbus.New(config.BusID)
	if err != nil {
		return nil, err
	}
	if config.InQueueBytes <= 0 {
		config.InQueueBytes = 4096
	}
	if config.Speed == 0 {
		config.Speed = usbip.SpeedFull
	}
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	s := &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		bus:       bus,
		ready:     make(chan struct{}),
		jobs:      make(chan job, 64),
		endpoints: make(map[uint8]*endpoint),
	}
	s.device = &tunnelDevice{s: s}
	return s, nil
}

// ListenAndServe starts the USB-IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("USBIP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if link.IsDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has successfully bound
// to its listen address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address. Valid after Ready.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.config.Addr
	}
	return s.ln.Addr().String()
}

// Close stops the listener and drops the exported device.
func (s *Server) Close() error {
	_ = s.Detach()
	_ = s.bus.Close()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// Bus returns the virtual bus the device is exported on.
func (s *Server) Bus() *virtualbus.Bus { return s.bus }

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if s.config.ConnectionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}

	var hdrBuf [usbip.MgmtHeaderSize]byte
	if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	hdr, err := usbip.ParseMgmtHeader(hdrBuf[:])
	if err != nil {
		return err
	}
	if hdr.Version != usbip.Version {
		return fmt.Errorf("protocol violation: unsupported usbip version 0x%04x", hdr.Version)
	}

	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Info("OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	case usbip.OpReqImport:
		s.logger.Info("OP_REQ_IMPORT")
		ctx, sess, err := s.handleImport(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		return s.handleUrbStream(ctx, conn, sess)
	}
	return fmt.Errorf("protocol violation: unexpected management command 0x%04x", hdr.Command)
}

func (s *Server) handleDevList(conn net.Conn) error {
	var exported []usbip.ExportedDevice
	for _, m := range s.bus.Ports() {
		exp, err := s.exportedDevice(m)
		if err != nil {
			s.logger.Warn("Skipping device in devlist", "busid", m.Meta.BusIDString(), "error", err)
			continue
		}
		exported = append(exported, exp)
	}
	if _, err := conn.Write(usbip.AppendDevlistReply(nil, exported)); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(conn net.Conn) (context.Context, *session, error) {
	var rest [usbip.BusIDSize]byte
	if _, err := io.ReadFull(conn, rest[:]); err != nil {
		return nil, nil, fmt.Errorf("read import busid: %w", err)
	}
	reqBus := string(bytes.TrimRight(rest[:], "\x00"))
	s.logger.Info("Import request", "busid", reqBus)

	fail := func(err error) (context.Context, *session, error) {
		_, _ = conn.Write(usbip.AppendImportRefusal(nil))
		return nil, nil, err
	}

	m, devCtx, ok := s.bus.Find(reqBus)
	if !ok {
		return fail(fmt.Errorf("no device matches busid %s", reqBus))
	}
	exp, err := s.exportedDevice(m)
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		return fail(fmt.Errorf("device %s is already imported", reqBus))
	}
	sess := newSession(conn, s.config.WriteBatchFlushInterval, s.logger)
	s.session = sess
	s.mu.Unlock()

	if _, err := conn.Write(usbip.AppendImportReply(nil, &exp)); err != nil {
		s.endSession(sess)
		return nil, nil, fmt.Errorf("write import reply failed: %w", err)
	}
	select {
	case s.jobs <- job{kind: jobConnect}:
	case <-devCtx.Done():
	}
	return devCtx, sess, nil
}

// exportedDevice describes m from descriptors fetched through the firmware.
func (s *Server) exportedDevice(m virtualbus.Port) (usbip.ExportedDevice, error) {
	ctx := context.Background()
	if s.config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ConnectionTimeout)
		defer cancel()
	}
	devBytes, cfgBytes, err := m.Dev.Descriptors(ctx)
	if err != nil {
		return usbip.ExportedDevice{}, fmt.Errorf("fetch descriptors: %w", err)
	}
	dev, err := usb.ParseDeviceDescriptor(devBytes)
	if err != nil {
		return usbip.ExportedDevice{}, err
	}
	exp := usbip.ExportedDevice{
		ExportMeta: m.Meta,
		Speed:      s.config.Speed,
		Vendor:     dev.IDVendor,
		Product:    dev.IDProduct,
		Release:    dev.BcdDevice,
		Class:      dev.BDeviceClass,
		SubClass:   dev.BDeviceSubClass,
		Protocol:   dev.BDeviceProtocol,
		NumConfigs: dev.BNumConfigurations,
	}
	cfg, err := usb.ParseConfigDescriptor(cfgBytes)
	if err != nil {
		s.logger.Warn("Unusable configuration descriptor", "error", err)
		return exp, nil
	}
	exp.Config = cfg.Header.BConfigurationValue
	exp.NumInterfaces = uint8(len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		exp.Interfaces = append(exp.Interfaces, usbip.Interface{
			Class:    iface.BInterfaceClass,
			SubClass: iface.BInterfaceSubClass,
			Protocol: iface.BInterfaceProtocol,
		})
	}
	return exp, nil
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

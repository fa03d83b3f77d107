// Package proxy sits between a controller and a device link and logs the
// tunnel frames passing in both directions.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alia5/usbtunnel/internal/link"
	"github.com/Alia5/usbtunnel/internal/log"
)

// Config is the sniffer's command line configuration.
type Config struct {
	ListenAddr        string        `help:"Address the controller connects to" default:"localhost:3250" env:"USBTUNNEL_SNIFF_ADDR"`
	Upstream          string        `help:"Device link: serial port, tcp://host:port or listen://host:port" required:"" env:"USBTUNNEL_SNIFF_UPSTREAM"`
	BaudRate          int           `help:"Baud rate when the upstream is a serial port" default:"1000000" env:"USBTUNNEL_SNIFF_BAUD"`
	ConnectionTimeout time.Duration `help:"Time to establish the upstream link" default:"30s" env:"USBTUNNEL_SNIFF_TIMEOUT"`
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	rawLogger log.RawLogger

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	return &Server{cfg: cfg, logger: logger, rawLogger: rawLogger}
}

// Addr returns the listening address once ListenAndServe has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// ListenAndServe accepts controllers one at a time; a device link carries
// a single tunnel session.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("Tunnel sniffer listening", "addr", ln.Addr().String(), "upstream", s.cfg.Upstream)

	for {
		clientConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("Sniffer stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Controller connected", "remote", clientConn.RemoteAddr())
		s.handleProxy(clientConn)
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleProxy(clientConn net.Conn) {
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if s.cfg.ConnectionTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.cfg.ConnectionTimeout)
	}
	upstream, err := link.Open(ctx, s.cfg.Upstream, s.cfg.BaudRate)
	cancel()
	if err != nil {
		s.logger.Error("Failed to open device link", "upstream", s.cfg.Upstream, "error", err)
		return
	}

	s.logger.Info("Sniffing session", "client", clientConn.RemoteAddr(), "upstream", s.cfg.Upstream)

	var lastQuery atomic.Uint32
	toDevice := NewParser(s.logger, true, &lastQuery)
	fromDevice := NewParser(s.logger, false, &lastQuery)

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = clientConn.Close()
			_ = upstream.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer closeBoth()
		n, err := s.relay(upstream, clientConn, toDevice)
		if err != nil && !link.IsDisconnect(err) {
			s.logger.Debug("Controller->Device copy error", "error", err)
		}
		s.logger.Debug("Controller->Device stream ended", "bytes", n)
	}()

	go func() {
		defer wg.Done()
		defer closeBoth()
		n, err := s.relay(clientConn, upstream, fromDevice)
		if err != nil && !link.IsDisconnect(err) {
			s.logger.Debug("Device->Controller copy error", "error", err)
		}
		s.logger.Debug("Device->Controller stream ended", "bytes", n)
	}()

	wg.Wait()
	s.logger.Info("Session closed", "client", clientConn.RemoteAddr(),
		"framesToDevice", toDevice.Frames(), "framesFromDevice", fromDevice.Frames())
}

// sniffer sees every chunk copied in one direction.
type sniffer struct {
	raw    log.RawLogger
	parser *Parser
}

func (sn sniffer) Write(p []byte) (int, error) {
	sn.raw.Log(sn.parser.toDevice, p)
	sn.parser.Parse(p)
	return len(p), nil
}

func (s *Server) relay(dst io.Writer, src io.Reader, p *Parser) (int64, error) {
	return io.Copy(dst, io.TeeReader(src, sniffer{raw: s.rawLogger, parser: p}))
}

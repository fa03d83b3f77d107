// Package link opens the byte stream that carries tunnel frames between the
// device and the controller: a serial port, or TCP for testing without
// hardware.
package link

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	tcpScheme    = "tcp://"
	listenScheme = "listen://"

	// DefaultBaudRate matches the UART setting of the reference hardware.
	DefaultBaudRate = 1000000
)

// Open connects to target. Accepted forms:
//
//	tcp://host:port     dial a TCP peer
//	listen://host:port  accept exactly one TCP peer
//	/dev/ttyUSB0, COM3  open a serial port at baud 8N1
func Open(ctx context.Context, target string, baud int) (io.ReadWriteCloser, error) {
	switch {
	case strings.HasPrefix(target, tcpScheme):
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(target, tcpScheme))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", target, err)
		}
		return conn, nil
	case strings.HasPrefix(target, listenScheme):
		return acceptOne(ctx, strings.TrimPrefix(target, listenScheme))
	}

	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(target, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", target, err)
	}
	return &serialPort{Port: port}, nil
}

// serialPort gives a serial port net.Conn style read deadlines. The driver
// reports an expired timeout as a zero-byte read, which io.ReadFull would
// retry forever.
type serialPort struct {
	serial.Port
	timed bool
}

func (p *serialPort) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		p.timed = false
		return p.Port.SetReadTimeout(serial.NoTimeout)
	}
	p.timed = true
	return p.Port.SetReadTimeout(max(time.Until(t), time.Millisecond))
}

func (p *serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil && p.timed && len(b) > 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

// PortInfo describes a serial port. VID and PID are set for USB adapters.
type PortInfo struct {
	Name     string
	VID, PID string
	Product  string
}

// Ports lists the serial ports present on the system.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		p := PortInfo{Name: d.Name}
		if d.IsUSB {
			p.VID, p.PID, p.Product = d.VID, d.PID, d.Product
		}
		out = append(out, p)
	}
	return out, nil
}

func acceptOne(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept on %s: %w", addr, err)
	}
	return conn, nil
}

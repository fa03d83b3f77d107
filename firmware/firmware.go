// Package firmware is the device side of the tunnel. It emulates a USB
// device on a USBPort and delegates every decision about that device to a
// remote controller reached over a SerialPort.
//
// All state is owned by the goroutine that calls Run (or Step). Blocking
// waits spin on the serial pump and never re-enter USB event delivery, so
// at most one query to the controller is outstanding at any time.
package firmware

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Alia5/usbtunnel/internal/log"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

// maxControlData is the largest host -> device data stage that fits in a
// 'U' query next to the setup packet.
const maxControlData = tunnel.MaxPayload - usb.SetupPacketSize

// maxInbound is the largest chunk forwarded in one 'I' frame.
const maxInbound = tunnel.MaxPayload - 1

// Stats is a snapshot of the firmware counters.
type Stats struct {
	FramesIn        uint64
	FramesOut       uint64
	FramingTimeouts uint64
	Discarded       uint64
	Mismatches      uint64
	UnknownCommands uint64
	DroppedOut      uint64
}

type counters struct {
	framesIn        atomic.Uint64
	framesOut       atomic.Uint64
	framingTimeouts atomic.Uint64
	discarded       atomic.Uint64
	mismatches      atomic.Uint64
	unknown         atomic.Uint64
	droppedOut      atomic.Uint64
}

// Firmware is the tunnel state machine.
type Firmware struct {
	cfg       Config
	serial    SerialPort
	usb       USBPort
	logger    *slog.Logger
	rawLogger log.RawLogger

	framer    framer
	endpoints tunnel.EndpointTable
	attached  bool
	stats     counters

	control [maxControlData]byte
	inbound [maxInbound]byte

	sleep func(time.Duration)
}

// Option customizes a Firmware.
type Option func(*Firmware)

// WithIndicator drives an activity indicator from the framer.
func WithIndicator(ind Indicator) Option {
	return func(f *Firmware) { f.framer.indicator = ind }
}

// New creates a Firmware. rawLogger may be nil.
func New(cfg Config, serial SerialPort, port USBPort, logger *slog.Logger, rawLogger log.RawLogger, opts ...Option) *Firmware {
	if logger == nil {
		logger = slog.Default()
	}
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	f := &Firmware{
		cfg:       cfg,
		serial:    serial,
		usb:       port,
		logger:    logger,
		rawLogger: rawLogger,
		sleep:     time.Sleep,
	}
	f.framer = framer{
		port:       serial,
		timeout:    cfg.FrameTimeout,
		now:        time.Now,
		stallTicks: defaultStallTicks,
		indicator:  nopIndicator{},
		onDiscard:  f.discarded,
		onFrame: func(raw []byte) {
			f.stats.framesIn.Add(1)
			f.rawLogger.Log(true, raw)
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Stats returns a snapshot of the counters. Safe for concurrent use.
func (f *Firmware) Stats() Stats {
	return Stats{
		FramesIn:        f.stats.framesIn.Load(),
		FramesOut:       f.stats.framesOut.Load(),
		FramingTimeouts: f.stats.framingTimeouts.Load(),
		Discarded:       f.stats.discarded.Load(),
		Mismatches:      f.stats.mismatches.Load(),
		UnknownCommands: f.stats.unknown.Load(),
		DroppedOut:      f.stats.droppedOut.Load(),
	}
}

// Endpoints returns the endpoint table currently in effect.
func (f *Firmware) Endpoints() tunnel.EndpointTable {
	return append(tunnel.EndpointTable(nil), f.endpoints...)
}

func (f *Firmware) discarded(reason string, length, received int) {
	if reason == "timeout" {
		f.stats.framingTimeouts.Add(1)
		f.logger.Debug("Discarding partial frame", "error", ErrFramingTimeout, "length", length, "received", received)
		return
	}
	f.stats.discarded.Add(1)
	f.logger.Warn("Discarding malformed frame", "reason", reason, "length", length)
}

// poll advances the framer by one tick in both directions.
func (f *Firmware) poll() (bool, error) {
	rx, err := f.framer.receive()
	if err != nil {
		return rx, fmt.Errorf("serial receive: %w", err)
	}
	tx, err := f.framer.transmit()
	if err != nil {
		return rx || tx, fmt.Errorf("serial send: %w", err)
	}
	return rx || tx, nil
}

func (f *Firmware) idle() {
	f.framer.idleTick()
	if f.cfg.PollInterval > 0 {
		f.sleep(f.cfg.PollInterval)
	}
}

// queue loads fr once the previous frame has drained. The frame itself
// drains on later polls.
func (f *Firmware) queue(ctx context.Context, fr tunnel.Frame) error {
	for f.framer.busy() {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress, err := f.poll()
		if err != nil {
			return err
		}
		if !progress {
			f.idle()
		}
	}
	raw, err := f.framer.load(fr)
	if err != nil {
		return err
	}
	f.stats.framesOut.Add(1)
	f.rawLogger.Log(false, raw)
	return nil
}

// send queues fr and blocks until it is on the wire.
func (f *Firmware) send(ctx context.Context, fr tunnel.Frame) error {
	if err := f.queue(ctx, fr); err != nil {
		return err
	}
	for f.framer.busy() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.poll(); err != nil {
			return err
		}
	}
	return nil
}

// WaitForPacket blocks until a frame tagged expected arrives. Every other
// frame received meanwhile is rejected with an 'E' frame and dropped; the
// awaited one is acknowledged with an 'A' frame and returned. The wait is
// bounded by Config.ReplyTimeout and Config.MaxMismatches.
func (f *Firmware) WaitForPacket(ctx context.Context, expected tunnel.Command) (tunnel.Frame, error) {
	if f.cfg.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.ReplyTimeout)
		defer cancel()
	}
	mismatches := 0
	for {
		if err := ctx.Err(); err != nil {
			return tunnel.Frame{}, fmt.Errorf("%w: awaiting %s: %w", ErrReplyTimeout, expected, err)
		}
		fr, ok := f.framer.take()
		if !ok {
			progress, err := f.poll()
			if err != nil {
				return tunnel.Frame{}, err
			}
			if !progress {
				f.idle()
			}
			continue
		}
		if fr.Command != expected {
			mismatches++
			f.stats.mismatches.Add(1)
			f.logger.Debug("Rejecting unexpected frame", "received", fr.Command, "expected", expected)
			if err := f.send(ctx, tunnel.NackFrame(fr.Command, expected)); err != nil {
				return tunnel.Frame{}, err
			}
			if f.cfg.MaxMismatches > 0 && mismatches >= f.cfg.MaxMismatches {
				return tunnel.Frame{}, fmt.Errorf("%w: %d frames rejected awaiting %s", ErrProtocolMismatch, mismatches, expected)
			}
			continue
		}
		if err := f.send(ctx, tunnel.AckFrame(fr.Command, expected)); err != nil {
			return tunnel.Frame{}, err
		}
		return fr, nil
	}
}

// Step runs one iteration of the main loop and reports whether anything
// happened. Errors are fatal serial link failures.
func (f *Firmware) Step(ctx context.Context) (bool, error) {
	progress, err := f.poll()
	if err != nil {
		return progress, err
	}
	handled, err := f.HandleReceivedPacket(ctx)
	if err != nil {
		return true, err
	}
	busy := f.usb.Task(ctx, f)
	forwarded, err := f.forwardInbound(ctx)
	if err != nil {
		return true, err
	}
	return progress || handled || busy || forwarded, nil
}

// Run drives the firmware until ctx is cancelled or the serial link fails.
func (f *Firmware) Run(ctx context.Context) error {
	f.logger.Info("Tunnel firmware running", "frameTimeout", f.cfg.FrameTimeout, "replyTimeout", f.cfg.ReplyTimeout)
	defer func() {
		s := f.Stats()
		f.logger.Debug("Tunnel firmware stopped",
			"framesIn", s.FramesIn,
			"framesOut", s.FramesOut,
			"framingTimeouts", s.FramingTimeouts,
			"mismatches", s.Mismatches)
	}()
	for {
		if ctx.Err() != nil {
			return nil
		}
		progress, err := f.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !progress {
			f.idle()
		}
	}
}

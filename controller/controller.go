package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Alia5/usbtunnel/internal/log"
	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

var (
	ErrQueueFull = errors.New("controller: send queue full")
	ErrNoDevice  = errors.New("controller: no device")
)

// maxForward is the largest data chunk one 'O' frame carries.
const maxForward = tunnel.MaxPayload - 1

// Stats counts link traffic.
type Stats struct {
	FramesIn    uint64
	FramesOut   uint64
	Retransmits uint64
	Nacks       uint64
	Echoes      uint64
	// Discarded counts malformed or stalled incoming frames skipped.
	Discarded uint64
}

type message struct {
	frame tunnel.Frame
	reply bool
}

// Controller drives one tunnel device over link. Outgoing frames are
// delivered stop-and-wait: a frame stays in flight until the device acks
// or rejects it, and replies to device queries go ahead of everything else.
type Controller struct {
	cfg       Config
	link      io.ReadWriter
	dev       Device
	logger    *slog.Logger
	rawLogger log.RawLogger
	id        uuid.UUID

	mu        sync.Mutex
	queue     []*message
	inflight  *message
	sentAt    time.Time
	endpoints tunnel.EndpointTable

	wake      chan struct{}
	connected atomic.Bool
	attached  atomic.Bool

	framesIn, framesOut, retransmits, nacks, echoes, discarded atomic.Uint64
}

// New creates a controller for dev. Run starts the link traffic.
func New(link io.ReadWriter, dev Device, cfg Config, logger *slog.Logger, rawLogger log.RawLogger) (*Controller, error) {
	if dev == nil {
		return nil, ErrNoDevice
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 4096
	}
	c := &Controller{
		cfg:       cfg,
		link:      link,
		dev:       dev,
		rawLogger: rawLogger,
		id:        uuid.New(),
		endpoints: dev.Endpoints(),
		wake:      make(chan struct{}, 1),
	}
	c.logger = logger.With("session", c.id.String())
	if in, ok := dev.(Initializer); ok {
		in.Init(c)
	}
	return c, nil
}

// ID identifies this controller session in logs and API replies.
func (c *Controller) ID() uuid.UUID { return c.id }

func (c *Controller) Device() Device { return c.dev }

// Logger returns the session logger, for device models.
func (c *Controller) Logger() *slog.Logger { return c.logger }

// Connected reports the last connection state the device announced.
func (c *Controller) Connected() bool { return c.connected.Load() }

// Attached reports whether Attach was requested more recently than Detach.
func (c *Controller) Attached() bool { return c.attached.Load() }

func (c *Controller) Stats() Stats {
	return Stats{
		FramesIn:    c.framesIn.Load(),
		FramesOut:   c.framesOut.Load(),
		Retransmits: c.retransmits.Load(),
		Nacks:       c.nacks.Load(),
		Echoes:      c.echoes.Load(),
		Discarded:   c.discarded.Load(),
	}
}

// Pending returns the number of frames not yet acknowledged.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if c.inflight != nil {
		n++
	}
	return n
}

// Endpoints returns the endpoint table announced to the device.
func (c *Controller) Endpoints() tunnel.EndpointTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(tunnel.EndpointTable(nil), c.endpoints...)
}

// Attach announces the endpoint table, unless it travels with the device
// descriptor, and lets the device connect to the USB host.
func (c *Controller) Attach() error {
	if !c.cfg.PiggybackEndpoints {
		if err := c.enqueue(tunnel.EndpointsFrame(c.Endpoints()), false); err != nil {
			return err
		}
	}
	if err := c.enqueue(tunnel.AttachFrame(true), false); err != nil {
		return err
	}
	c.attached.Store(true)
	return nil
}

// Detach disconnects the device from the USB host.
func (c *Controller) Detach() error {
	if err := c.enqueue(tunnel.AttachFrame(false), false); err != nil {
		return err
	}
	c.attached.Store(false)
	return nil
}

// SetEndpoints replaces the endpoint table and sends it to the device.
func (c *Controller) SetEndpoints(t tunnel.EndpointTable) error {
	if len(t) > tunnel.MaxEndpoints {
		return fmt.Errorf("endpoint table holds %d entries, max %d", len(t), tunnel.MaxEndpoints)
	}
	c.mu.Lock()
	c.endpoints = append(tunnel.EndpointTable(nil), t...)
	c.mu.Unlock()
	return c.enqueue(tunnel.EndpointsFrame(t), false)
}

// Send queues data for the USB host on endpoint ep, split into as many
// frames as needed. ep is the endpoint number or its IN address.
func (c *Controller) Send(ep uint8, data []byte) error {
	for first := true; first || len(data) > 0; first = false {
		n := min(len(data), maxForward)
		if err := c.enqueue(tunnel.ForwardFrame(ep, data[:n]), false); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *Controller) enqueue(f tunnel.Frame, reply bool) error {
	if len(f.Payload) > tunnel.MaxPayload {
		return fmt.Errorf("%w: %s payload %d bytes", tunnel.ErrFrameLength, f.Command, len(f.Payload))
	}
	m := &message{frame: f, reply: reply}
	c.mu.Lock()
	if reply {
		c.queue = insertAfterReplies(c.queue, m)
	} else {
		if len(c.queue) >= c.cfg.MaxQueue {
			c.mu.Unlock()
			return ErrQueueFull
		}
		c.queue = append(c.queue, m)
	}
	c.mu.Unlock()
	c.signal()
	return nil
}

// insertAfterReplies places m after the replies at the head of q.
func insertAfterReplies(q []*message, m *message) []*message {
	i := 0
	for i < len(q) && q[i].reply {
		i++
	}
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = m
	return q
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run exchanges frames until ctx is done or the link fails. The caller owns
// the link and closes it after Run returns.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("Controller started", "endpoints", len(c.Endpoints()))
	defer func() {
		st := c.Stats()
		c.logger.Info("Controller stopped",
			"framesIn", st.FramesIn,
			"framesOut", st.FramesOut,
			"retransmits", st.Retransmits,
			"nacks", st.Nacks,
			"discarded", st.Discarded)
		if sd, ok := c.dev.(Shutdowner); ok {
			sd.Shutdown()
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- c.readLoop() }()

	for {
		if err := c.pump(); err != nil {
			return fmt.Errorf("write link: %w", err)
		}
		var retry <-chan time.Time
		if d, ok := c.retransmitIn(); ok {
			retry = time.After(d)
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read link: %w", err)
		case <-c.wake:
		case <-retry:
		}
	}
}

// pump sends the next queued frame when nothing is in flight, or resends
// the in-flight frame once its ack is overdue.
func (c *Controller) pump() error {
	c.mu.Lock()
	var out *message
	resend := false
	switch {
	case c.inflight == nil && len(c.queue) > 0:
		out = c.queue[0]
		c.queue = c.queue[1:]
		c.inflight = out
		c.sentAt = time.Now()
	case c.inflight != nil && c.cfg.AckTimeout > 0 && time.Since(c.sentAt) >= c.cfg.AckTimeout:
		out = c.inflight
		c.sentAt = time.Now()
		resend = true
	}
	c.mu.Unlock()
	if out == nil {
		return nil
	}
	if resend {
		c.retransmits.Add(1)
		c.logger.Warn("Ack overdue, resending", "command", out.frame.Command)
	}
	return c.write(out.frame)
}

func (c *Controller) retransmitIn() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil || c.cfg.AckTimeout <= 0 {
		return 0, false
	}
	return max(c.cfg.AckTimeout-time.Since(c.sentAt), 0), true
}

func (c *Controller) write(f tunnel.Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	c.rawLogger.Log(false, b)
	if _, err := c.link.Write(b); err != nil {
		return err
	}
	c.framesOut.Add(1)
	c.logger.Log(context.Background(), log.LevelTrace, "Frame sent", "frame", f)
	return nil
}

// readLoop dispatches incoming frames. Malformed frames are skipped so one
// corrupted length prefix does not end the session.
func (c *Controller) readLoop() error {
	r := tunnel.NewReader(c.link, c.cfg.FrameTimeout)
	r.OnDiscard = func(reason string, length, received int) {
		c.discarded.Add(1)
		c.logger.Warn("Discarded incoming frame", "reason", reason, "length", length, "received", received)
	}
	for {
		f, err := r.Next()
		if err != nil {
			return err
		}
		c.framesIn.Add(1)
		if raw, err := f.MarshalBinary(); err == nil {
			c.rawLogger.Log(true, raw)
		}
		c.dispatch(f)
	}
}

func (c *Controller) dispatch(f tunnel.Frame) {
	switch f.Command {
	case tunnel.CmdAck:
		cmd, err := tunnel.ParseAck(f.Payload)
		if err != nil {
			c.logger.Warn("Bad ack", "error", err)
			return
		}
		c.ack(cmd)
	case tunnel.CmdNack:
		recv, exp, err := tunnel.ParseNack(f.Payload)
		if err != nil {
			c.logger.Warn("Bad nack", "error", err)
			return
		}
		c.nack(recv, exp)
	case tunnel.CmdDescriptor:
		c.descriptor(f.Payload)
	case tunnel.CmdControl:
		c.control(f.Payload)
	case tunnel.CmdInbound:
		ep, data, err := tunnel.ParseEndpointData(f.Payload)
		if err != nil {
			c.logger.Warn("Bad inbound frame", "error", err)
			return
		}
		c.logger.Debug("Host data", "endpoint", fmt.Sprintf("0x%02x", ep), "bytes", len(data))
		c.dev.IncomingData(ep, append([]byte(nil), data...))
	case tunnel.CmdConnection:
		connected := tunnel.ParseFlag(f.Payload)
		c.connected.Store(connected)
		c.logger.Info("USB host connection changed", "connected", connected)
		if l, ok := c.dev.(ConnectionListener); ok {
			l.ConnectionChanged(connected)
		}
	case tunnel.CmdUnknown:
		c.echoes.Add(1)
		var echoed tunnel.Command
		if len(f.Payload) > 0 {
			echoed = tunnel.Command(f.Payload[0])
		}
		c.logger.Warn("Device did not understand frame", "command", echoed)
	default:
		c.logger.Debug("Ignoring frame", "frame", f)
	}
}

// ack retires the in-flight frame if it carries cmd.
func (c *Controller) ack(cmd tunnel.Command) {
	c.mu.Lock()
	matched := c.inflight != nil && c.inflight.frame.Command == cmd
	if matched {
		c.inflight = nil
	}
	c.mu.Unlock()
	if !matched {
		c.logger.Debug("Ack without matching frame in flight", "command", cmd)
		return
	}
	c.signal()
}

// nack puts the rejected in-flight frame back behind the pending replies.
func (c *Controller) nack(recv, expected tunnel.Command) {
	c.nacks.Add(1)
	c.mu.Lock()
	m := c.inflight
	matched := m != nil && m.frame.Command == recv
	if matched {
		c.inflight = nil
		c.queue = insertAfterReplies(c.queue, m)
	}
	c.mu.Unlock()
	c.logger.Debug("Device busy, frame rejected", "command", recv, "awaiting", expected, "requeued", matched)
	if matched {
		c.signal()
	}
}

func (c *Controller) descriptor(p []byte) {
	q, err := tunnel.ParseDescriptorQuery(p)
	if err != nil {
		c.logger.Warn("Bad descriptor query", "error", err)
		return
	}
	desc := c.dev.Descriptor(q.Value, q.Index)

	var table tunnel.EndpointTable
	limit := tunnel.MaxPayload
	if c.cfg.PiggybackEndpoints && q.Type() == usb.DeviceDescType {
		table = c.Endpoints()
		if table == nil {
			table = tunnel.EndpointTable{}
		}
		limit -= tunnel.EndpointTableSize
	}
	if len(desc) > limit {
		c.logger.Warn("Descriptor truncated", "value", fmt.Sprintf("0x%04x", q.Value), "bytes", len(desc), "limit", limit)
		desc = desc[:limit]
	}
	c.logger.Debug("Descriptor query",
		"value", fmt.Sprintf("0x%04x", q.Value),
		"index", fmt.Sprintf("0x%04x", q.Index),
		"bytes", len(desc))
	if err := c.enqueue(tunnel.DescriptorReply(desc, table), true); err != nil {
		c.logger.Error("Failed to queue descriptor reply", "error", err)
	}
}

func (c *Controller) control(p []byte) {
	q, err := tunnel.ParseControlQuery(p)
	if err != nil {
		c.logger.Warn("Bad control query", "error", err)
		return
	}
	req := &ControlRequest{Setup: q.Setup, Data: append([]byte(nil), q.Data...), Ignore: true}
	c.dev.ControlRequest(req)
	reply := req.reply()
	if len(reply.Data) > tunnel.MaxPayload-1 {
		reply.Data = reply.Data[:tunnel.MaxPayload-1]
	}
	c.logger.Debug("Control query",
		"requestType", fmt.Sprintf("0x%02x", q.Setup.RequestType),
		"request", fmt.Sprintf("0x%02x", q.Setup.Request),
		"status", reply.Status,
		"bytes", len(reply.Data))
	if err := c.enqueue(reply.Frame(), true); err != nil {
		c.logger.Error("Failed to queue control reply", "error", err)
	}
}

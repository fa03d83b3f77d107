package firmware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtunnel/internal/log"
	"github.com/Alia5/usbtunnel/tunnel"
)

type fakeSerial struct {
	in      []byte
	out     bytes.Buffer
	flushes int
	err     error
}

func (s *fakeSerial) Buffered() (int, error) {
	if len(s.in) == 0 {
		return 0, s.err
	}
	return len(s.in), nil
}

func (s *fakeSerial) ReadByte() (byte, error) {
	if len(s.in) == 0 {
		return 0, io.EOF
	}
	b := s.in[0]
	s.in = s.in[1:]
	return b, nil
}

func (s *fakeSerial) WriteByte(b byte) error { return s.out.WriteByte(b) }

func (s *fakeSerial) Flush() error {
	s.flushes++
	return nil
}

func (s *fakeSerial) feed(t *testing.T, frames ...tunnel.Frame) {
	t.Helper()
	for _, fr := range frames {
		b, err := fr.MarshalBinary()
		require.NoError(t, err)
		s.in = append(s.in, b...)
	}
}

// sent decodes and clears everything written so far.
func (s *fakeSerial) sent(t *testing.T) []tunnel.Frame {
	t.Helper()
	var out []tunnel.Frame
	b := s.out.Bytes()
	for len(b) > 0 {
		fr, n, err := tunnel.ParseFrame(b)
		require.NoError(t, err)
		fr.Payload = append([]byte{}, fr.Payload...)
		out = append(out, fr)
		b = b[n:]
	}
	s.out.Reset()
	return out
}

type eventResult struct {
	data []byte
	err  error
}

type fakeUSB struct {
	attached   bool
	configured []tunnel.EndpointConfig

	out        map[uint8][]byte
	in         map[uint8][]byte
	writeLimit int

	controlIn      []byte
	controlOut     []byte
	setupCleared   bool
	statusCleared  bool
	stalled        bool
	controlWritten bool

	events  []Event
	results []eventResult
}

func newFakeUSB() *fakeUSB {
	return &fakeUSB{out: map[uint8][]byte{}, in: map[uint8][]byte{}}
}

func (u *fakeUSB) Attach() error {
	u.attached = true
	return nil
}

func (u *fakeUSB) Detach() error {
	u.attached = false
	return nil
}

func (u *fakeUSB) ConfigureEndpoint(ep tunnel.EndpointConfig) error {
	u.configured = append(u.configured, ep)
	return nil
}

func (u *fakeUSB) OutPending(addr uint8) int { return len(u.out[addr]) }

func (u *fakeUSB) ReadStream(addr uint8, p []byte) (int, error) {
	n := copy(p, u.out[addr])
	u.out[addr] = u.out[addr][n:]
	if n < len(p) {
		return n, ErrIncompleteTransfer
	}
	return n, nil
}

func (u *fakeUSB) WriteStream(addr uint8, p []byte) (int, error) {
	n := len(p)
	if u.writeLimit > 0 && n > u.writeLimit {
		n = u.writeLimit
	}
	u.in[addr] = append(u.in[addr], p[:n]...)
	if n < len(p) {
		return n, ErrIncompleteTransfer
	}
	return n, nil
}

func (u *fakeUSB) ReadControl(p []byte) (int, error) {
	return copy(p, u.controlIn), nil
}

func (u *fakeUSB) WriteControl(p []byte) error {
	u.controlWritten = true
	u.controlOut = append(u.controlOut, p...)
	return nil
}

func (u *fakeUSB) ClearSetup()       { u.setupCleared = true }
func (u *fakeUSB) ClearStatusStage() { u.statusCleared = true }
func (u *fakeUSB) StallControl()     { u.stalled = true }

func (u *fakeUSB) Task(ctx context.Context, h EventHandler) bool {
	if len(u.events) == 0 {
		return false
	}
	ev := u.events[0]
	u.events = u.events[1:]
	data, err := h.HandleEvent(ctx, ev)
	u.results = append(u.results, eventResult{data: data, err: err})
	return true
}

func testConfig() Config {
	return Config{
		FrameTimeout:    5 * time.Millisecond,
		PollInterval:    time.Millisecond,
		ReplyTimeout:    time.Second,
		MaxMismatches:   8,
		TransferTimeout: 100 * time.Millisecond,
	}
}

// fakeClock only moves when the firmware idles.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestFirmware(cfg Config) (*Firmware, *fakeSerial, *fakeUSB) {
	serial := &fakeSerial{}
	port := newFakeUSB()
	f := New(cfg, serial, port, slog.Default(), log.NewRaw(nil))
	clock := &fakeClock{t: time.Unix(0, 0)}
	f.framer.now = clock.now
	f.sleep = clock.advance
	return f, serial, port
}

// drain polls until the queued frame is fully written.
func drain(t *testing.T, f *Firmware) {
	t.Helper()
	for i := 0; f.framer.busy(); i++ {
		require.Less(t, i, 2*tunnel.BufferSize)
		_, err := f.poll()
		require.NoError(t, err)
	}
}

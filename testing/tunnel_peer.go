package testing

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtunnel/tunnel"
)

// TunnelPeer plays the device end of a tunnel link. Frames it receives are
// queued for the test; with auto-ack on, each one is answered with an 'A'.
type TunnelPeer struct {
	t       *testing.T
	conn    net.Conn
	frames  chan tunnel.Frame
	autoAck atomic.Bool
}

// NewTunnelPeer starts reading conn. The reader stops when conn is closed.
func NewTunnelPeer(t *testing.T, conn net.Conn, autoAck bool) *TunnelPeer {
	t.Helper()
	p := &TunnelPeer{t: t, conn: conn, frames: make(chan tunnel.Frame, 256)}
	p.autoAck.Store(autoAck)
	go p.read()
	return p
}

func (p *TunnelPeer) read() {
	defer close(p.frames)
	for {
		f, err := tunnel.ReadFrame(p.conn)
		if err != nil {
			return
		}
		p.frames <- f
		if p.autoAck.Load() && f.Command != tunnel.CmdAck && f.Command != tunnel.CmdNack {
			if err := tunnel.WriteFrame(p.conn, tunnel.AckFrame(f.Command)); err != nil {
				return
			}
		}
	}
}

// SetAutoAck switches automatic acknowledgement.
func (p *TunnelPeer) SetAutoAck(on bool) { p.autoAck.Store(on) }

// Send writes f to the controller.
func (p *TunnelPeer) Send(f tunnel.Frame) {
	p.t.Helper()
	require.NoError(p.t, tunnel.WriteFrame(p.conn, f))
}

// SendRaw writes b to the controller unframed.
func (p *TunnelPeer) SendRaw(b []byte) {
	p.t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(p.t, err)
}

// Next returns the next frame from the controller.
func (p *TunnelPeer) Next(timeout time.Duration) tunnel.Frame {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(p.t, ok, "link closed")
		return f
	case <-time.After(timeout):
		require.FailNow(p.t, "no frame received", "waited %s", timeout)
	}
	return tunnel.Frame{}
}

// Expect returns the next frame and checks its command.
func (p *TunnelPeer) Expect(cmd tunnel.Command, timeout time.Duration) tunnel.Frame {
	p.t.Helper()
	f := p.Next(timeout)
	require.Equal(p.t, cmd, f.Command, "unexpected frame %s", f)
	return f
}

// Quiet fails when a frame arrives within d.
func (p *TunnelPeer) Quiet(d time.Duration) {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		if ok {
			require.FailNow(p.t, "unexpected frame", "%s", f)
		}
	case <-time.After(d):
	}
}

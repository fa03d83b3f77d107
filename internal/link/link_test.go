package link_test

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbtunnel/internal/link"
	"github.com/Alia5/usbtunnel/tunnel"
)

func TestPortReadsAndWrites(t *testing.T) {
	a, b := net.Pipe()
	p := link.NewPort(a)
	defer p.Close()

	go func() { _, _ = b.Write([]byte{0x02, 0x00, 'S', 0x01}) }()
	require.Eventually(t, func() bool {
		n, err := p.Buffered()
		return err == nil && n == 4
	}, time.Second, time.Millisecond)

	var got []byte
	for i := 0; i < 4; i++ {
		c, err := p.ReadByte()
		require.NoError(t, err)
		got = append(got, c)
	}
	assert.Equal(t, []byte{0x02, 0x00, 'S', 0x01}, got)

	_, err := p.ReadByte()
	assert.ErrorIs(t, err, io.ErrNoProgress)

	done := make(chan tunnel.Frame, 1)
	go func() {
		fr, err := tunnel.ReadFrame(b)
		if err == nil {
			done <- fr
		}
	}()
	for _, c := range []byte{0x02, 0x00, 'F', 0x01} {
		require.NoError(t, p.WriteByte(c))
	}
	require.NoError(t, p.Flush())

	select {
	case fr := <-done:
		assert.Equal(t, tunnel.ConnectionFrame(true), fr)
	case <-time.After(time.Second):
		t.Fatal("frame not received")
	}
}

func TestPortReportsClosedStream(t *testing.T) {
	a, b := net.Pipe()
	p := link.NewPort(a)
	defer p.Close()

	go func() {
		_, _ = b.Write([]byte{0xAA})
		_ = b.Close()
	}()

	require.Eventually(t, func() bool {
		n, _ := p.Buffered()
		return n == 1
	}, time.Second, time.Millisecond)

	c, err := p.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), c)

	require.Eventually(t, func() bool {
		n, err := p.Buffered()
		return n == 0 && err != nil
	}, time.Second, time.Millisecond)
	_, err = p.Buffered()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpenTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	rwc, err := link.Open(context.Background(), "tcp://"+ln.Addr().String(), 0)
	require.NoError(t, err)
	defer rwc.Close()

	peer := <-accepted
	defer peer.Close()
	require.NoError(t, tunnel.WriteFrame(rwc, tunnel.AttachFrame(true)))
	fr, err := tunnel.ReadFrame(peer)
	require.NoError(t, err)
	assert.Equal(t, tunnel.AttachFrame(true), fr)
}

func TestOpenListen(t *testing.T) {
	spare, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := spare.Addr().String()
	require.NoError(t, spare.Close())

	opened := make(chan io.ReadWriteCloser, 1)
	go func() {
		rwc, err := link.Open(context.Background(), "listen://"+addr, 0)
		if err == nil {
			opened <- rwc
		}
	}()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	defer conn.Close()

	select {
	case rwc := <-opened:
		defer rwc.Close()
		require.NoError(t, tunnel.WriteFrame(conn, tunnel.ConnectionFrame(false)))
		fr, err := tunnel.ReadFrame(rwc)
		require.NoError(t, err)
		assert.Equal(t, tunnel.ConnectionFrame(false), fr)
	case <-time.After(time.Second):
		t.Fatal("listener did not accept")
	}
}

func TestOpenListenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := link.Open(ctx, "listen://127.0.0.1:0", 0)
	assert.Error(t, err)
}

func TestOpenMissingSerialPort(t *testing.T) {
	_, err := link.Open(context.Background(), filepath.Join(t.TempDir(), "no-such-tty"), 115200)
	assert.Error(t, err)
}

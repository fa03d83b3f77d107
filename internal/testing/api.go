package testing

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/internal/server/api"
	th "github.com/Alia5/usbtunnel/testing"
)

// StartAPIServer starts an API server on a free port and calls register to
// let the caller add the handlers needed for the test. Returns the address
// and a function to call when done.
func StartAPIServer(t *testing.T, cfg api.ServerConfig, register func(r *api.Router)) (addr string, done func()) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	apiSrv, err := api.New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("api new failed: %v", err)
	}
	if register != nil {
		register(apiSrv.Router())
	}
	if err := apiSrv.Start(); err != nil {
		t.Fatalf("api start failed: %v", err)
	}
	return apiSrv.Addr(), func() {
		apiSrv.Close()
		time.Sleep(10 * time.Millisecond)
	}
}

// ExecCmd dials the API server, sends cmd and reads the response line
// without its trailing newline.
func ExecCmd(t *testing.T, addr string, cmd string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))

	_, _ = fmt.Fprintf(c, "%s\x00", cmd)

	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read failed: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// StartController runs a controller for dev over an in-memory link. The
// returned peer plays the firmware and acks every frame unless told not to.
func StartController(t *testing.T, dev controller.Device) (*controller.Controller, *th.TunnelPeer) {
	t.Helper()
	local, remote := net.Pipe()
	c, err := controller.New(local, dev, controller.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("controller new failed: %v", err)
	}
	peer := th.NewTunnelPeer(t, remote, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = local.Close()
		_ = remote.Close()
		<-done
	})
	return c, peer
}

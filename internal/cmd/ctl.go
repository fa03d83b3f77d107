package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Alia5/usbtunnel/apiclient"
	"github.com/Alia5/usbtunnel/apitypes"
)

// Ctl groups the management API client commands.
type Ctl struct {
	Ping   CtlPing   `cmd:"" help:"Check that the controller API answers"`
	Status CtlStatus `cmd:"" help:"Show link, attach and queue state"`
	Attach CtlAttach `cmd:"" help:"Attach the emulated device"`
	Detach CtlDetach `cmd:"" help:"Detach the emulated device"`
	Send   CtlSend   `cmd:"" help:"Send hex data on an IN endpoint"`
	Type   CtlType   `cmd:"" help:"Type text on the emulated keyboard"`
	Press  CtlPress  `cmd:"" help:"Press a key combination such as ctrl+alt+delete"`
	Leds   CtlLeds   `cmd:"" help:"Show the keyboard LEDs set by the host"`
	Line   CtlLine   `cmd:"" help:"Show the serial adapter line settings"`
	Serial CtlSerial `cmd:"" help:"Bridge stdin and stdout to the serial adapter"`
}

// CtlTarget selects the controller API a command talks to.
type CtlTarget struct {
	Addr     string        `help:"Controller API address" default:"localhost:3243" env:"USBTUNNEL_CTL_ADDR"`
	Password string        `help:"API password" env:"USBTUNNEL_CTL_PASSWORD"`
	Timeout  time.Duration `help:"Request timeout" default:"5s" env:"USBTUNNEL_CTL_TIMEOUT"`

	out io.Writer
}

func (t *CtlTarget) client() *apiclient.Client {
	return apiclient.NewWithConfig(t.Addr, &apiclient.Config{
		DialTimeout:  t.Timeout,
		ReadTimeout:  t.Timeout,
		WriteTimeout: t.Timeout,
		Password:     t.Password,
	})
}

func (t *CtlTarget) print(v any, err error) error {
	if err != nil {
		return err
	}
	out := t.out
	if out == nil {
		out = os.Stdout
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}

type CtlPing struct {
	CtlTarget `embed:""`
}

func (c *CtlPing) Run() error { return c.print(c.client().Ping()) }

type CtlStatus struct {
	CtlTarget `embed:""`
}

func (c *CtlStatus) Run() error { return c.print(c.client().Status()) }

type CtlAttach struct {
	CtlTarget `embed:""`
}

func (c *CtlAttach) Run() error { return c.print(c.client().Attach()) }

type CtlDetach struct {
	CtlTarget `embed:""`
}

func (c *CtlDetach) Run() error { return c.print(c.client().Detach()) }

type CtlSend struct {
	CtlTarget `embed:""`
	Endpoint  uint8  `arg:"" help:"Endpoint number (1-15)"`
	Data      string `arg:"" help:"Payload as hex, spaces allowed"`
}

func (c *CtlSend) Run() error {
	data, err := hex.DecodeString(strings.ReplaceAll(c.Data, " ", ""))
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return c.print(c.client().Send(c.Endpoint, data))
}

type CtlType struct {
	CtlTarget `embed:""`
	Text      []string `arg:"" help:"Text to type; words are joined with spaces"`
	Enter     bool     `help:"Finish with Enter"`
}

func (c *CtlType) Run() error {
	text := strings.Join(c.Text, " ")
	if c.Enter {
		text += "\n"
	}
	return c.print(c.client().Type(text))
}

type CtlPress struct {
	CtlTarget `embed:""`
	Combo     string `arg:"" help:"Key combination, e.g. ctrl+shift+esc"`
}

func (c *CtlPress) Run() error {
	return c.print(c.client().Press(apitypes.KeyboardPressRequest{Combo: c.Combo}))
}

type CtlLeds struct {
	CtlTarget `embed:""`
}

func (c *CtlLeds) Run() error { return c.print(c.client().LEDs()) }

type CtlLine struct {
	CtlTarget `embed:""`
}

func (c *CtlLine) Run() error { return c.print(c.client().SerialLine()) }

type CtlSerial struct {
	CtlTarget `embed:""`

	in io.Reader
}

// Run copies stdin to the serial adapter until EOF and echoes what the
// host writes back to stdout.
func (c *CtlSerial) Run() error {
	in, out := c.in, c.out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	conn, err := c.client().OpenSerial(context.Background())
	if err != nil {
		return err
	}
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, conn)
		readErr <- err
	}()
	if _, err := io.Copy(conn, in); err != nil {
		return err
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		if err := <-readErr; err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

package cmd

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/controller/keyboard"
	"github.com/Alia5/usbtunnel/controller/serialadapter"
)

const ctrlC = 0x03

var errConsoleModel = errors.New("console: model takes no terminal input")

// runConsole puts the terminal in raw mode and forwards key presses to the
// device until Ctrl-C, EOF or ctx ends.
func runConsole(ctx context.Context, dev controller.Device, in *os.File, out io.Writer) error {
	if term.IsTerminal(int(in.Fd())) {
		state, err := term.MakeRaw(int(in.Fd()))
		if err != nil {
			return err
		}
		defer term.Restore(int(in.Fd()), state)
	}

	var sink func([]byte) (bool, error)
	switch d := dev.(type) {
	case *keyboard.Keyboard:
		sink = func(b []byte) (bool, error) { return feedKeyboard(d, b) }
	case *serialadapter.Adapter:
		d.SetOutput(&crlfWriter{w: out})
		defer d.SetOutput(nil)
		sink = func(b []byte) (bool, error) { return feedSerial(d, b) }
	default:
		return errConsoleModel
	}

	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := in.Read(buf)
		if n > 0 {
			quit, ferr := sink(buf[:n])
			if ferr != nil {
				return ferr
			}
			if quit {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

type keyTyper interface {
	Type(text string) error
	Press(mods uint8, keys ...uint8) error
}

// feedKeyboard types terminal input, mapping the bytes a raw terminal
// produces for Enter and Backspace. Bytes without a key are dropped.
func feedKeyboard(k keyTyper, b []byte) (bool, error) {
	for _, c := range b {
		var err error
		switch c {
		case ctrlC:
			return true, nil
		case '\r':
			err = k.Type("\n")
		case 0x7f, 0x08:
			err = k.Press(0, keyboard.KeyBackspace)
		default:
			if err = k.Type(string(c)); errors.Is(err, keyboard.ErrUnknownKey) {
				err = nil
			}
		}
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// feedSerial writes terminal input to the host side of the serial port.
func feedSerial(w io.Writer, b []byte) (bool, error) {
	for i, c := range b {
		if c == ctrlC {
			if i > 0 {
				_, err := w.Write(b[:i])
				return true, err
			}
			return true, nil
		}
	}
	_, err := w.Write(b)
	return false, err
}

// crlfWriter expands bare newlines for a terminal in raw mode.
type crlfWriter struct {
	w    io.Writer
	last byte
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	out := make([]byte, 0, len(p)+8)
	for _, b := range p {
		if b == '\n' && c.last != '\r' {
			out = append(out, '\r')
		}
		out = append(out, b)
		c.last = b
	}
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

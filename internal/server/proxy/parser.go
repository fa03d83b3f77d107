package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
)

// Parser decodes tunnel frames from one direction of a link for
// structured logging. Bytes that cannot start a frame are skipped until
// the stream resynchronises.
type Parser struct {
	logger   *slog.Logger
	toDevice bool
	buf      bytes.Buffer
	frames   int
	skipped  int

	// lastQuery is shared by both directions so descriptor replies can be
	// split by the type the device asked for.
	lastQuery *atomic.Uint32
}

// NewParser returns a parser for the controller -> device direction when
// toDevice is set, and for device -> controller otherwise.
func NewParser(logger *slog.Logger, toDevice bool, lastQuery *atomic.Uint32) *Parser {
	if lastQuery == nil {
		lastQuery = new(atomic.Uint32)
	}
	return &Parser{logger: logger, toDevice: toDevice, lastQuery: lastQuery}
}

// Parse consumes data and logs every complete frame.
func (p *Parser) Parse(data []byte) {
	p.buf.Write(data)
	for p.buf.Len() > 0 {
		f, n, err := tunnel.ParseFrame(p.buf.Bytes())
		if errors.Is(err, tunnel.ErrShortFrame) {
			return
		}
		if err != nil {
			p.buf.Next(1)
			p.skipped++
			continue
		}
		if p.skipped > 0 {
			p.logger.Warn("Tunnel stream resynchronised", "dir", dirString(p.toDevice), "skipped", p.skipped)
			p.skipped = 0
		}
		p.frames++
		p.logFrame(f)
		p.buf.Next(n)
	}
}

// Frames returns the number of frames decoded so far.
func (p *Parser) Frames() int { return p.frames }

func (p *Parser) logFrame(f tunnel.Frame) {
	attrs := []any{"dir", dirString(p.toDevice), "cmd", f.Command.String(), "len", f.Len()}
	attrs = append(attrs, p.describe(f)...)
	p.logger.Info("Tunnel frame", attrs...)
}

func (p *Parser) describe(f tunnel.Frame) []any {
	switch f.Command {
	case tunnel.CmdAck:
		if cmd, err := tunnel.ParseAck(f.Payload); err == nil {
			return []any{"acked", cmd.String()}
		}
	case tunnel.CmdNack:
		if recv, exp, err := tunnel.ParseNack(f.Payload); err == nil {
			return []any{"received", recv.String(), "expected", exp.String()}
		}
	case tunnel.CmdDescriptor:
		if !p.toDevice {
			q, err := tunnel.ParseDescriptorQuery(f.Payload)
			if err != nil {
				break
			}
			p.lastQuery.Store(uint32(q.Value))
			return []any{"type", fmt.Sprintf("0x%02x", q.Type()), "descIndex", uint8(q.Value), "index", q.Index}
		}
		descType := uint8(p.lastQuery.Load() >> 8)
		desc, table, ok := tunnel.SplitDescriptorReply(descType, f.Payload)
		out := []any{"type", fmt.Sprintf("0x%02x", descType), "descriptor", len(desc)}
		if ok {
			out = append(out, "endpoints", len(table))
		}
		return out
	case tunnel.CmdControl:
		if !p.toDevice {
			q, err := tunnel.ParseControlQuery(f.Payload)
			if err != nil {
				break
			}
			return []any{"setup", setupString(q.Setup), "data", len(q.Data)}
		}
		r := tunnel.ParseControlReply(f.Payload)
		return []any{"handle", r.Handle(), "stall", r.Stall(), "data", len(r.Data)}
	case tunnel.CmdForward, tunnel.CmdInbound:
		if ep, data, err := tunnel.ParseEndpointData(f.Payload); err == nil {
			return []any{"endpoint", fmt.Sprintf("0x%02x", ep), "bytes", len(data)}
		}
	case tunnel.CmdAttach, tunnel.CmdConnection:
		return []any{"on", tunnel.ParseFlag(f.Payload)}
	case tunnel.CmdEndpoints:
		return []any{"endpoints", tunnel.DecodeEndpointTable(f.Payload)}
	case tunnel.CmdUnknown:
		if len(f.Payload) > 0 {
			return []any{"echoed", tunnel.Command(f.Payload[0]).String()}
		}
	}
	if len(f.Payload) > 0 {
		return []any{"payload", fmt.Sprintf("% x", f.Payload)}
	}
	return nil
}

func setupString(s usb.SetupPacket) string {
	return fmt.Sprintf("%02x %02x %04x %04x %04x", s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

func dirString(toDevice bool) string {
	if toDevice {
		return "C->D"
	}
	return "D->C"
}

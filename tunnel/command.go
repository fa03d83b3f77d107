// Package tunnel implements the framed serial protocol that carries USB
// events between the emulating device and the remote controller.
//
// Wire format, little-endian, no escaping, no checksum:
//
//	[length u16][command byte][payload: length-1 bytes]
//
// The length counts the command byte and the payload but not itself.
package tunnel

import "fmt"

// Command is the one-byte frame tag.
type Command byte

const (
	CmdForward    Command = 'O' // remote -> device: endpoint, data for the USB host
	CmdAttach     Command = 'S' // remote -> device: nonzero attaches, zero detaches
	CmdDescriptor Command = 'D' // descriptor query (device) / reply (remote)
	CmdControl    Command = 'U' // control request query (device) / reply (remote)
	CmdAck        Command = 'A' // received command [, awaited command]
	CmdNack       Command = 'E' // received command, expected command
	CmdInbound    Command = 'I' // device -> remote: endpoint, data written by the USB host
	CmdConnection Command = 'F' // device -> remote: 1 connected, 0 disconnected
	CmdUnknown    Command = 'C' // device -> remote: echo of an unrecognized command
	CmdEndpoints  Command = 'P' // remote -> device: endpoint configuration table
)

var commandNames = map[Command]string{
	CmdForward:    "forward",
	CmdAttach:     "attach",
	CmdDescriptor: "descriptor",
	CmdControl:    "control",
	CmdAck:        "ack",
	CmdNack:       "nack",
	CmdInbound:    "inbound",
	CmdConnection: "connection",
	CmdUnknown:    "unknown",
	CmdEndpoints:  "endpoints",
}

// Known reports whether c belongs to the protocol's tag set.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return fmt.Sprintf("%c(%s)", byte(c), n)
	}
	if c >= 0x20 && c < 0x7f {
		return fmt.Sprintf("%c(?)", byte(c))
	}
	return fmt.Sprintf("0x%02x(?)", byte(c))
}

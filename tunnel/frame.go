package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthFieldSize is the size of the little-endian length prefix.
	LengthFieldSize = 2
	// MaxFrameLength is the largest legal value of the length field
	// (command byte plus payload).
	MaxFrameLength = 1024
	// MaxPayload is the largest payload a frame can carry.
	MaxPayload = MaxFrameLength - 1
	// BufferSize holds one complete frame including its length prefix.
	BufferSize = LengthFieldSize + MaxFrameLength
)

var (
	ErrFrameLength = errors.New("tunnel: invalid frame length")
	ErrShortFrame  = errors.New("tunnel: short frame")
)

// Frame is one protocol message.
type Frame struct {
	Command Command
	Payload []byte
}

// NewFrame builds a frame from a command and payload fragments.
func NewFrame(cmd Command, payload ...byte) Frame {
	return Frame{Command: cmd, Payload: payload}
}

// Len returns the value of the frame's length field.
func (f Frame) Len() int { return 1 + len(f.Payload) }

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return dst, fmt.Errorf("%w: payload %d > %d", ErrFrameLength, len(f.Payload), MaxPayload)
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(f.Len()))
	dst = append(dst, byte(f.Command))
	return append(dst, f.Payload...), nil
}

// MarshalBinary returns the wire encoding of f.
func (f Frame) MarshalBinary() ([]byte, error) {
	return AppendFrame(make([]byte, 0, LengthFieldSize+f.Len()), f)
}

// ParseFrame decodes the first frame in b and returns it with the number
// of bytes consumed. ErrShortFrame means b holds only part of a frame.
// The returned payload aliases b.
func ParseFrame(b []byte) (Frame, int, error) {
	if len(b) < LengthFieldSize {
		return Frame{}, 0, ErrShortFrame
	}
	n := int(binary.LittleEndian.Uint16(b))
	if n == 0 || n > MaxFrameLength {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrFrameLength, n)
	}
	if len(b) < LengthFieldSize+n {
		return Frame{}, 0, ErrShortFrame
	}
	body := b[LengthFieldSize : LengthFieldSize+n]
	return Frame{Command: Command(body[0]), Payload: body[1:]}, LengthFieldSize + n, nil
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [LengthFieldSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[:]))
	if n == 0 || n > MaxFrameLength {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameLength, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Command: Command(body[0]), Payload: body[1:]}, nil
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (f Frame) String() string {
	return fmt.Sprintf("%s len=%d payload=% x", f.Command, f.Len(), f.Payload)
}

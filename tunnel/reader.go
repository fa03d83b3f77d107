package tunnel

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"
)

// ReadDeadliner is implemented by streams whose reads can be bounded in
// time, such as net.Conn.
type ReadDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader reads frames from a byte stream and drops malformed ones the
// same way the device does: a zero length is skipped, an oversized frame
// is read and thrown away, and a body that stalls for Timeout is abandoned.
// Only errors from the stream itself end Next.
type Reader struct {
	r io.Reader
	// Timeout bounds the gap between body bytes. It only applies when the
	// stream implements ReadDeadliner; 0 waits forever.
	Timeout time.Duration
	// OnDiscard, if set, is told about every dropped frame.
	OnDiscard func(reason string, length, received int)

	buf [MaxFrameLength]byte
}

func NewReader(r io.Reader, timeout time.Duration) *Reader {
	return &Reader{r: r, Timeout: timeout}
}

// Next returns the next well-formed frame. The payload is a fresh copy.
func (fr *Reader) Next() (Frame, error) {
	for {
		var hdr [LengthFieldSize]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return Frame{}, err
		}
		n := int(binary.LittleEndian.Uint16(hdr[:]))
		if n == 0 {
			fr.discard("zero length", 0, 0)
			continue
		}
		got, err := fr.body(n)
		switch {
		case isTimeout(err):
			fr.discard("timeout", n, got)
			continue
		case errors.Is(err, io.EOF):
			return Frame{}, io.ErrUnexpectedEOF
		case err != nil:
			return Frame{}, err
		}
		if n > MaxFrameLength {
			fr.discard("oversized", n, got)
			continue
		}
		body := append([]byte(nil), fr.buf[:n]...)
		return Frame{Command: Command(body[0]), Payload: body[1:]}, nil
	}
}

// body reads n bytes into buf, or drops them when they cannot fit.
func (fr *Reader) body(n int) (int, error) {
	src := fr.r
	if d, ok := fr.r.(ReadDeadliner); ok && fr.Timeout > 0 {
		src = &stallReader{r: fr.r, d: d, timeout: fr.Timeout}
		defer func() { _ = d.SetReadDeadline(time.Time{}) }()
	}
	if n > MaxFrameLength {
		got, err := io.CopyN(io.Discard, src, int64(n))
		return int(got), err
	}
	return io.ReadFull(src, fr.buf[:n])
}

func (fr *Reader) discard(reason string, length, received int) {
	if fr.OnDiscard != nil {
		fr.OnDiscard(reason, length, received)
	}
}

// stallReader renews the read deadline before every Read so the timeout
// measures silence rather than total frame time.
type stallReader struct {
	r       io.Reader
	d       ReadDeadliner
	timeout time.Duration
}

func (s *stallReader) Read(p []byte) (int, error) {
	if err := s.d.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return 0, err
	}
	return s.r.Read(p)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

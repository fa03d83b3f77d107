package link

import (
	"bufio"
	"io"
	"sync"
)

const readChunk = 512

// Port exposes a stream as a polled byte port. A background goroutine
// keeps reading into an unbounded buffer so Buffered never blocks.
type Port struct {
	rwc io.ReadWriteCloser
	w   *bufio.Writer

	mu  sync.Mutex
	buf []byte
	err error

	done      chan struct{}
	closeOnce sync.Once
}

// NewPort wraps rwc and starts the reader.
func NewPort(rwc io.ReadWriteCloser) *Port {
	p := &Port{
		rwc:  rwc,
		w:    bufio.NewWriterSize(rwc, 1024),
		done: make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Port) readLoop() {
	defer close(p.done)
	chunk := make([]byte, readChunk)
	for {
		n, err := p.rwc.Read(chunk)
		p.mu.Lock()
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		if err != nil {
			p.err = err
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// Buffered returns the number of unread bytes. Once they are consumed it
// returns the error that stopped the reader.
func (p *Port) Buffered() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return 0, p.err
	}
	return len(p.buf), nil
}

// ReadByte implements io.ByteReader without blocking.
func (p *Port) ReadByte() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		if p.err != nil {
			return 0, p.err
		}
		return 0, io.ErrNoProgress
	}
	b := p.buf[0]
	p.buf = p.buf[1:]
	return b, nil
}

// WriteByte buffers one byte for sending.
func (p *Port) WriteByte(b byte) error {
	return p.w.WriteByte(b)
}

// Flush writes buffered output to the stream.
func (p *Port) Flush() error {
	return p.w.Flush()
}

// Close closes the stream and waits for the reader to stop.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.rwc.Close()
		<-p.done
	})
	return err
}

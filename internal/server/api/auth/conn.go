package auth

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// MaxRecord is the largest plaintext carried by one record. Records are
// framed as [length u16 LE][ciphertext]; the nonce is the record's sequence
// number, so reordered or replayed records fail to open.
const MaxRecord = 16 * 1024

var ErrRecordLength = errors.New("auth: bad record length")

// Conn encrypts a net.Conn record by record.
type Conn struct {
	net.Conn
	r io.Reader

	wmu     sync.Mutex
	seal    cipher.AEAD
	sendSeq uint64

	rmu     sync.Mutex
	open    cipher.AEAD
	recvSeq uint64
	pending []byte
}

// WrapConn returns conn encrypted with sendKey for writes and recvKey for
// reads. r, when not nil, replaces conn as the source of ciphertext so bytes
// already buffered by the caller are not lost.
func WrapConn(conn net.Conn, r io.Reader, sendKey, recvKey []byte) (*Conn, error) {
	seal, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	open, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = conn
	}
	return &Conn{Conn: conn, r: r, seal: seal, open: open}, nil
}

func seqNonce(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, seq)
	return nonce
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	n := 0
	for first := true; first || n < len(p); first = false {
		end := min(n+MaxRecord, len(p))
		rec := make([]byte, 2, 2+end-n+c.seal.Overhead())
		rec = c.seal.Seal(rec, seqNonce(c.sendSeq), p[n:end], nil)
		binary.LittleEndian.PutUint16(rec, uint16(len(rec)-2))
		if _, err := c.Conn.Write(rec); err != nil {
			return n, err
		}
		c.sendSeq++
		n = end
	}
	return n, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	for len(c.pending) == 0 {
		if err := c.readRecord(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *Conn) readRecord() error {
	var hdr [2]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return err
	}
	size := int(binary.LittleEndian.Uint16(hdr[:]))
	if size < c.open.Overhead() || size > MaxRecord+c.open.Overhead() {
		return fmt.Errorf("%w: %d", ErrRecordLength, size)
	}
	ct := make([]byte, size)
	if _, err := io.ReadFull(c.r, ct); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	pt, err := c.open.Open(ct[:0], seqNonce(c.recvSeq), ct, nil)
	if err != nil {
		return fmt.Errorf("auth: record %d: %w", c.recvSeq, err)
	}
	c.recvSeq++
	c.pending = pt
	return nil
}

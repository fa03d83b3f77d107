package usb

import (
	"bytes"
	"log/slog"
	"net"
	"sync"
	"time"
)

// session is one imported USB/IP connection. Replies are produced on
// several goroutines and batched onto the socket by a single writer.
type session struct {
	conn          net.Conn
	logger        *slog.Logger
	flushInterval time.Duration

	// outstanding URBs by seqnum; guarded by Server.mu
	pending map[uint32]*urb

	mu   sync.Mutex
	out  bytes.Buffer
	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

func newSession(conn net.Conn, flushInterval time.Duration, logger *slog.Logger) *session {
	ss := &session{
		conn:          conn,
		logger:        logger,
		flushInterval: flushInterval,
		pending:       make(map[uint32]*urb),
		wake:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go ss.writeLoop()
	return ss
}

// send queues b for the writer. It never blocks.
func (ss *session) send(b []byte) {
	ss.mu.Lock()
	ss.out.Write(b)
	ss.mu.Unlock()
	select {
	case ss.wake <- struct{}{}:
	default:
	}
}

func (ss *session) writeLoop() {
	defer close(ss.done)
	for {
		select {
		case <-ss.wake:
		case <-ss.quit:
			return
		}
		if ss.flushInterval > 0 {
			time.Sleep(ss.flushInterval)
		}
		ss.mu.Lock()
		b := append([]byte(nil), ss.out.Bytes()...)
		ss.out.Reset()
		ss.mu.Unlock()
		if len(b) == 0 {
			continue
		}
		if _, err := ss.conn.Write(b); err != nil {
			ss.logger.Debug("USBIP write failed", "error", err)
			_ = ss.conn.Close()
			return
		}
	}
}

func (ss *session) close() {
	ss.closeOnce.Do(func() {
		close(ss.quit)
		<-ss.done
		_ = ss.conn.Close()
	})
}

package log

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// RawLogger hex-dumps traffic on a link. in is data received by the local
// side, !in is data it sent.
type RawLogger interface {
	Log(in bool, data []byte)
}

type rawLogger struct {
	w    io.Writer
	mu   *sync.Mutex
	name string
}

// NewRaw creates a RawLogger writing to w. A nil w discards everything.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w, mu: &sync.Mutex{}, name: "raw"}
}

// Named returns a logger sharing r's output that tags lines with name.
// Loggers not created by NewRaw are returned unchanged.
func Named(r RawLogger, name string) RawLogger {
	rl, ok := r.(*rawLogger)
	if !ok {
		return r
	}
	return &rawLogger{w: rl.w, mu: rl.mu, name: name}
}

func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}
	dir := "tx"
	if in {
		dir = "rx"
	}
	line := fmt.Sprintf("%s %s %s %d bytes: % x\n",
		time.Now().Format("2006/01/02 15:04:05.000000"),
		r.name,
		dir,
		len(data),
		data)

	r.mu.Lock()
	_, _ = io.WriteString(r.w, line)
	r.mu.Unlock()
}

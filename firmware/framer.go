package firmware

import (
	"encoding/binary"
	"time"

	"github.com/Alia5/usbtunnel/tunnel"
)

// framer assembles inbound frames from the serial port one byte at a time
// and drains one queued outbound frame, also one byte per poll.
type framer struct {
	port SerialPort

	rx [tunnel.BufferSize]byte
	tx [tunnel.BufferSize]byte

	// receive side
	assembling bool
	skipping   bool
	ready      bool
	expected   int
	received   int

	// A partial frame is dropped once timeout passes without progress.
	// Without a timeout, stallTicks idle polls are counted instead.
	timeout      time.Duration
	now          func() time.Time
	lastProgress time.Time
	idleTicks    int
	stallTicks   int

	// send side
	sent      int
	remaining int

	// hooks into the owning firmware
	onDiscard func(reason string, length, received int)
	onFrame   func(raw []byte)
	indicator Indicator
}

// receive pulls whatever bytes are buffered into the frame under assembly.
// It reports whether any byte was consumed.
func (fr *framer) receive() (bool, error) {
	if fr.ready {
		return false, nil
	}
	progress := false
	if !fr.assembling {
		n, err := fr.port.Buffered()
		if n < tunnel.LengthFieldSize {
			return false, err
		}
		lo, err := fr.port.ReadByte()
		if err != nil {
			return false, err
		}
		hi, err := fr.port.ReadByte()
		if err != nil {
			return true, err
		}
		fr.rx[0], fr.rx[1] = lo, hi
		fr.expected = int(binary.LittleEndian.Uint16(fr.rx[:2]))
		fr.received = 0
		fr.touch()
		progress = true
		if fr.expected == 0 {
			fr.onDiscard("zero length", 0, 0)
			return true, nil
		}
		fr.assembling = true
		fr.skipping = fr.expected > tunnel.MaxFrameLength
		fr.indicator.SetActive(true)
	}

	for fr.received < fr.expected {
		n, err := fr.port.Buffered()
		if n == 0 {
			if err != nil {
				return progress, err
			}
			break
		}
		b, err := fr.port.ReadByte()
		if err != nil {
			return progress, err
		}
		if !fr.skipping {
			fr.rx[tunnel.LengthFieldSize+fr.received] = b
		}
		fr.received++
		progress = true
	}

	if fr.received == fr.expected {
		fr.assembling = false
		if fr.skipping {
			fr.skipping = false
			fr.indicator.SetActive(false)
			fr.onDiscard("oversized", fr.expected, fr.received)
			return true, nil
		}
		fr.ready = true
		if fr.onFrame != nil {
			fr.onFrame(fr.rx[:tunnel.LengthFieldSize+fr.expected])
		}
		return true, nil
	}

	if progress {
		fr.touch()
		return true, nil
	}
	if fr.expired() {
		fr.assembling = false
		fr.skipping = false
		fr.indicator.SetActive(false)
		fr.onDiscard("timeout", fr.expected, fr.received)
	}
	return false, nil
}

func (fr *framer) touch() {
	fr.lastProgress = fr.now()
	fr.idleTicks = 0
}

// idleTick counts one idle poll against the tick budget.
func (fr *framer) idleTick() {
	if fr.assembling {
		fr.idleTicks++
	}
}

func (fr *framer) expired() bool {
	if fr.timeout > 0 {
		return fr.now().Sub(fr.lastProgress) >= fr.timeout
	}
	return fr.idleTicks >= fr.stallTicks
}

// take hands out the completed frame and frees the receive buffer. The
// payload is copied so it stays valid while the next frame assembles.
func (fr *framer) take() (tunnel.Frame, bool) {
	if !fr.ready {
		return tunnel.Frame{}, false
	}
	fr.ready = false
	fr.indicator.SetActive(false)
	body := fr.rx[tunnel.LengthFieldSize : tunnel.LengthFieldSize+fr.expected]
	payload := make([]byte, len(body)-1)
	copy(payload, body[1:])
	return tunnel.Frame{Command: tunnel.Command(body[0]), Payload: payload}, true
}

func (fr *framer) busy() bool { return fr.remaining > 0 }

// load queues f for sending. The previous frame must have drained.
func (fr *framer) load(f tunnel.Frame) ([]byte, error) {
	if fr.busy() {
		return nil, ErrSendBusy
	}
	b, err := tunnel.AppendFrame(fr.tx[:0], f)
	if err != nil {
		return nil, err
	}
	fr.sent = 0
	fr.remaining = len(b)
	return b, nil
}

// transmit writes one byte of the queued frame and flushes the port once
// the frame is complete.
func (fr *framer) transmit() (bool, error) {
	if fr.remaining == 0 {
		return false, nil
	}
	if err := fr.port.WriteByte(fr.tx[fr.sent]); err != nil {
		return false, err
	}
	fr.sent++
	fr.remaining--
	if fr.remaining == 0 {
		return true, fr.port.Flush()
	}
	return true, nil
}

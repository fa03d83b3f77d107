package usb

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Alia5/usbtunnel/tunnel"
	"github.com/Alia5/usbtunnel/usb"
	"github.com/Alia5/usbtunnel/usbip"
)

type urb struct {
	sess   *session
	seq    uint32
	devid  uint32
	dir    uint32
	ep     uint8 // endpoint address including the direction bit
	length uint32
	setup  [usb.SetupPacketSize]byte
	data   []byte // OUT payload
	read   int    // OUT bytes consumed by the firmware
}

// endpoint holds the host's outstanding URBs and the device's queued IN
// data for one configured endpoint.
type endpoint struct {
	cfg     tunnel.EndpointConfig
	outURBs []*urb
	inURBs  []*urb
	inData  [][]byte
	inBytes int
}

func (ep *endpoint) outPending() int {
	n := 0
	for _, u := range ep.outURBs {
		n += len(u.data) - u.read
	}
	return n
}

func (s *Server) handleUrbStream(devCtx context.Context, conn net.Conn, sess *session) error {
	_ = conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(devCtx, func() { _ = conn.Close() })
	defer stop()
	defer s.endSession(sess)

	for {
		var hdr [usbip.HeaderSize]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if devCtx.Err() != nil {
				s.logger.Info("Device detached, closing URB stream")
				return nil
			}
			return fmt.Errorf("read URB header: %w", err)
		}
		h := usbip.ParseHeader(&hdr)
		switch h.Command {
		case usbip.CmdUnlinkCode:
			cmd := usbip.ParseCmdUnlink(&hdr)
			s.logger.Debug("USBIP_CMD_UNLINK", "seq", h.Seq, "unlink", cmd.Victim)
			s.unlink(sess, cmd)
		case usbip.CmdSubmitCode:
			cmd := usbip.ParseCmdSubmit(&hdr)
			u := &urb{
				sess:   sess,
				seq:    h.Seq,
				devid:  h.DevID,
				dir:    h.Dir,
				ep:     uint8(h.Ep) & usb.EndpointNumberMask,
				length: cmd.Length,
				setup:  cmd.Setup,
			}
			if u.dir == usbip.DirIn {
				u.ep |= usb.EndpointDirIn
			}
			if u.dir == usbip.DirOut && u.length > 0 {
				u.data = make([]byte, u.length)
				if _, err := io.ReadFull(conn, u.data); err != nil {
					return fmt.Errorf("read OUT payload: %w", err)
				}
			}
			s.submit(devCtx, u)
		default:
			return fmt.Errorf("unsupported cmd %d (seq=%d, devid=%d)", h.Command, h.Seq, h.DevID)
		}
	}
}

func (s *Server) submit(ctx context.Context, u *urb) {
	s.mu.Lock()
	if s.session != u.sess {
		s.mu.Unlock()
		return
	}
	s.session.pending[u.seq] = u
	if u.ep&usb.EndpointNumberMask == 0 {
		s.mu.Unlock()
		select {
		case s.jobs <- job{kind: jobControl, urb: u}:
		case <-ctx.Done():
		}
		return
	}
	defer s.mu.Unlock()

	ep, ok := s.endpoints[u.ep]
	if !ok {
		s.logger.Debug("URB for unconfigured endpoint", "endpoint", fmt.Sprintf("0x%02x", u.ep))
		s.completeLocked(u, usbip.StatusStall, nil)
		return
	}
	if u.dir == usbip.DirIn {
		ep.inURBs = append(ep.inURBs, u)
		s.matchInLocked(ep)
		return
	}
	if len(u.data) == 0 {
		s.completeLocked(u, usbip.StatusOK, nil)
		return
	}
	ep.outURBs = append(ep.outURBs, u)
}

// matchInLocked completes IN URBs from queued device data.
func (s *Server) matchInLocked(ep *endpoint) {
	for len(ep.inURBs) > 0 && len(ep.inData) > 0 {
		u := ep.inURBs[0]
		ep.inURBs = ep.inURBs[1:]
		chunk := ep.inData[0]
		n := len(chunk)
		if n > int(u.length) {
			n = int(u.length)
			ep.inData[0] = chunk[n:]
		} else {
			ep.inData = ep.inData[1:]
		}
		ep.inBytes -= n
		s.completeLocked(u, usbip.StatusOK, chunk[:n])
	}
}

// completeLocked sends RET_SUBMIT for u unless it was unlinked.
func (s *Server) completeLocked(u *urb, status int32, data []byte) {
	if _, ok := u.sess.pending[u.seq]; !ok {
		return
	}
	delete(u.sess.pending, u.seq)

	ret := usbip.RetSubmit{
		Header: usbip.Header{Command: usbip.RetSubmitCode, Seq: u.seq, DevID: u.devid, Dir: u.dir, Ep: uint32(u.ep & usb.EndpointNumberMask)},
		Status: status,
	}
	if u.dir == usbip.DirOut {
		if status == usbip.StatusOK {
			ret.Actual = uint32(len(u.data))
		}
		u.sess.send(ret.Append(nil))
		return
	}
	ret.Actual = uint32(len(data))
	u.sess.send(append(ret.Append(make([]byte, 0, usbip.HeaderSize+len(data))), data...))
}

func (s *Server) complete(u *urb, status int32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeLocked(u, status, data)
}

func (s *Server) unlink(sess *session, cmd usbip.CmdUnlink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := int32(usbip.StatusOK)
	if u, ok := sess.pending[cmd.Victim]; ok {
		delete(sess.pending, cmd.Victim)
		status = usbip.StatusConnReset
		if ep, ok := s.endpoints[u.ep]; ok {
			ep.outURBs = removeURB(ep.outURBs, u)
			ep.inURBs = removeURB(ep.inURBs, u)
		}
	}
	ret := usbip.RetUnlink{
		Header: usbip.Header{Command: usbip.RetUnlinkCode, Seq: cmd.Seq, DevID: cmd.DevID},
		Status: status,
	}
	sess.send(ret.Append(nil))
}

func removeURB(list []*urb, u *urb) []*urb {
	for i, x := range list {
		if x == u {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// endSession drops every URB of sess and reports the host disconnect.
func (s *Server) endSession(sess *session) {
	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		sess.close()
		return
	}
	s.session = nil
	for _, ep := range s.endpoints {
		ep.outURBs = nil
		ep.inURBs = nil
		ep.inData = nil
		ep.inBytes = 0
	}
	s.configValue = 0
	s.mu.Unlock()

	sess.close()
	select {
	case s.jobs <- job{kind: jobDisconnect}:
	default:
		s.logger.Warn("USB event queue full, dropping disconnect")
	}
}

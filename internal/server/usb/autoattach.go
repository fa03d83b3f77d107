package usb

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"

	"github.com/Alia5/usbtunnel/usbip"
)

// prerequisite is something the local usbip client needs, with the hint
// logged when it is missing.
type prerequisite struct {
	name  string
	ok    func() bool
	hints []string
}

func usbipToolPresent() bool {
	_, err := exec.LookPath("usbip")
	return err == nil
}

// CheckAutoAttachPrerequisites logs every missing prerequisite and reports
// whether auto-attach can work.
func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	ready := true
	for _, p := range prerequisites() {
		if p.ok() {
			continue
		}
		ready = false
		logger.Warn("Auto-attach prerequisite missing", "need", p.name)
		for _, h := range p.hints {
			logger.Info("  " + h)
		}
	}
	return ready
}

func attachArgs(port uint16, meta *usbip.ExportMeta) []string {
	return []string{
		"--tcp-port", strconv.FormatUint(uint64(port), 10),
		"attach", "-r", "localhost",
		"-b", meta.BusIDString(),
	}
}

// AttachLocalhostClient imports the exported device on this machine with
// the usbip tool.
func AttachLocalhostClient(ctx context.Context, meta *usbip.ExportMeta, port uint16, logger *slog.Logger) error {
	logger.Info("Auto-attaching localhost client", "busid", meta.BusIDString(), "port", port)
	out, err := exec.CommandContext(ctx, "usbip", attachArgs(port, meta)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("usbip attach: %w: %s", err, out)
	}
	logger.Debug("usbip attach output", "output", string(out))
	return nil
}

func (s *Server) listenPort() uint16 {
	_, p, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(p, 10, 16)
	return uint16(n)
}

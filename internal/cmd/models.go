package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/internal/link"
)

// Models lists the device models and the serial ports usable as links.
type Models struct {
	out io.Writer
}

func (m *Models) Run(logger *slog.Logger) error {
	out := m.out
	if out == nil {
		out = os.Stdout
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tDESCRIPTION")
	for _, name := range controller.ListDeviceTypes() {
		fmt.Fprintf(tw, "%s\t%s\n", name, controller.GetRegistration(name).Description())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	ports, err := link.Ports()
	if err != nil {
		logger.Warn("Could not enumerate serial ports", "error", err)
		return nil
	}
	fmt.Fprintln(out)
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL PORT\tUSB ID\tPRODUCT")
	for _, p := range ports {
		id := "-"
		if p.VID != "" {
			id = p.VID + ":" + p.PID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, id, p.Product)
	}
	return tw.Flush()
}

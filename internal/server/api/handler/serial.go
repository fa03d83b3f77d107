package handler

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/Alia5/usbtunnel/apitypes"
	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/controller/serialadapter"
	"github.com/Alia5/usbtunnel/internal/server/api"
)

func adapterOf(c *controller.Controller) (*serialadapter.Adapter, error) {
	a, ok := c.Device().(*serialadapter.Adapter)
	if !ok {
		return nil, api.ErrConflict("device is not a serial adapter")
	}
	return a, nil
}

// SerialLine returns a handler reporting the line settings the host driver
// configured.
func SerialLine(c *controller.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		a, err := adapterOf(c)
		if err != nil {
			return err
		}
		l := a.Line()
		return respond(res, apitypes.SerialLineResponse{
			BaudRate: l.BaudRate,
			DataBits: l.DataBits,
			Parity:   l.Parity,
			StopBits: l.StopBits,
			DTR:      l.DTR,
			RTS:      l.RTS,
		})
	}
}

// SerialStream returns a stream handler bridging the connection to the
// adapter: bytes the host writes arrive on the connection and bytes read
// from the connection go to the host. Only the latest stream receives
// host data.
func SerialStream(c *controller.Controller) api.StreamHandlerFunc {
	return func(conn net.Conn, req *api.Request, logger *slog.Logger) error {
		defer conn.Close()
		a, err := adapterOf(c)
		if err != nil {
			return err
		}
		a.SetOutput(conn)
		defer a.SetOutput(nil)

		_, err = io.Copy(a, conn)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}
}

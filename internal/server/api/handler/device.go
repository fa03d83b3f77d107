package handler

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Alia5/usbtunnel/apitypes"
	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/internal/server/api"
	"github.com/Alia5/usbtunnel/tunnel"
)

func respond(res *api.Response, v any) error {
	j, err := json.Marshal(v)
	if err != nil {
		return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
	}
	res.JSON = string(j)
	return nil
}

// queueError maps controller errors to API errors.
func queueError(err error) error {
	if errors.Is(err, controller.ErrQueueFull) {
		return api.ErrConflict(err.Error())
	}
	return api.ErrInternal(err.Error())
}

func endpointsJSON(t tunnel.EndpointTable) []apitypes.Endpoint {
	out := make([]apitypes.Endpoint, 0, len(t))
	for _, e := range t {
		out = append(out, apitypes.Endpoint{Address: e.Address, Type: e.Type, MaxPacketSize: e.MaxPacketSize})
	}
	return out
}

// DeviceStatus returns a handler describing the session, its link counters
// and endpoint table.
func DeviceStatus(c *controller.Controller, model string) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		st := c.Stats()
		return respond(res, apitypes.DeviceStatusResponse{
			Session:   c.ID().String(),
			Model:     model,
			Attached:  c.Attached(),
			Connected: c.Connected(),
			Pending:   c.Pending(),
			Stats: apitypes.LinkStats{
				FramesIn:    st.FramesIn,
				FramesOut:   st.FramesOut,
				Retransmits: st.Retransmits,
				Nacks:       st.Nacks,
				Echoes:      st.Echoes,
				Discarded:   st.Discarded,
			},
			Endpoints: endpointsJSON(c.Endpoints()),
		})
	}
}

// DeviceAttach returns a handler that connects the device to the USB host.
func DeviceAttach(c *controller.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		if err := c.Attach(); err != nil {
			return queueError(err)
		}
		logger.Info("device attach requested")
		return respond(res, apitypes.DeviceAttachResponse{Attached: true})
	}
}

// DeviceDetach returns a handler that disconnects the device.
func DeviceDetach(c *controller.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		if err := c.Detach(); err != nil {
			return queueError(err)
		}
		logger.Info("device detach requested")
		return respond(res, apitypes.DeviceAttachResponse{Attached: false})
	}
}

// DeviceSend returns a handler queueing hex data for an IN endpoint.
func DeviceSend(c *controller.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		if req.Payload == "" {
			return api.ErrBadRequest("missing payload")
		}
		var sr apitypes.DeviceSendRequest
		if err := json.Unmarshal([]byte(req.Payload), &sr); err != nil {
			return api.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		data, err := hex.DecodeString(strings.ReplaceAll(sr.Data, " ", ""))
		if err != nil {
			return api.ErrBadRequest(fmt.Sprintf("invalid data: %v", err))
		}
		ep := sr.Endpoint & 0x0F
		if ep == 0 {
			return api.ErrBadRequest("endpoint 0 is the control endpoint")
		}
		if err := c.Send(ep, data); err != nil {
			return queueError(err)
		}
		logger.Debug("device send queued", "endpoint", ep, "bytes", len(data))
		return respond(res, apitypes.DeviceSendResponse{Bytes: len(data)})
	}
}

// DeviceEndpoints returns a handler reporting the endpoint table, or
// replacing it when the payload carries one.
func DeviceEndpoints(c *controller.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		if strings.TrimSpace(req.Payload) != "" {
			var er apitypes.EndpointsResponse
			if err := json.Unmarshal([]byte(req.Payload), &er); err != nil {
				return api.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
			}
			t := make(tunnel.EndpointTable, 0, len(er.Endpoints))
			for _, e := range er.Endpoints {
				t = append(t, tunnel.EndpointConfig{Address: e.Address, Type: e.Type, MaxPacketSize: e.MaxPacketSize})
			}
			if len(t) > tunnel.MaxEndpoints {
				return api.ErrBadRequest(fmt.Sprintf("at most %d endpoints", tunnel.MaxEndpoints))
			}
			if err := c.SetEndpoints(t); err != nil {
				return queueError(err)
			}
		}
		return respond(res, apitypes.EndpointsResponse{Endpoints: endpointsJSON(c.Endpoints())})
	}
}

package handler

import (
	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/internal/server/api"
)

// Register adds every management route for the session c running model.
func Register(r *api.Router, c *controller.Controller, model string) {
	r.Register("ping", Ping())
	r.Register("device/status", DeviceStatus(c, model))
	r.Register("device/attach", DeviceAttach(c))
	r.Register("device/detach", DeviceDetach(c))
	r.Register("device/send", DeviceSend(c))
	r.Register("device/endpoints", DeviceEndpoints(c))
	r.Register("keyboard/type", KeyboardType(c))
	r.Register("keyboard/press", KeyboardPress(c))
	r.Register("keyboard/leds", KeyboardLEDs(c))
	r.Register("serial/line", SerialLine(c))
	r.RegisterStream("serial/stream", SerialStream(c))
}

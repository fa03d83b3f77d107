package apiclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	apitypes "github.com/Alia5/usbtunnel/apitypes"
)

// Client provides a high-level interface to the controller management API,
// handling request formatting, response parsing and error handling.
type Client struct{ transport *Transport }

// New constructs a high-level API client using the internal low-level Transport.
// The addr parameter specifies the TCP address (host:port) of the API server.
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithPassword constructs a client that authenticates with the given password.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

// NewWithConfig constructs a client with custom transport timeouts.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport constructs a Client using a custom Transport implementation.
// This is primarily useful for testing.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

// Ping returns the version and identity of the server.
func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	return call[apitypes.PingResponse](ctx, c, "ping", nil)
}

// Status reports the controller session, link counters and endpoint table.
func (c *Client) Status() (*apitypes.DeviceStatusResponse, error) {
	return c.StatusCtx(context.Background())
}

func (c *Client) StatusCtx(ctx context.Context) (*apitypes.DeviceStatusResponse, error) {
	return call[apitypes.DeviceStatusResponse](ctx, c, "device/status", nil)
}

// Attach connects the emulated device to the USB host.
func (c *Client) Attach() (*apitypes.DeviceAttachResponse, error) {
	return c.AttachCtx(context.Background())
}

func (c *Client) AttachCtx(ctx context.Context) (*apitypes.DeviceAttachResponse, error) {
	return call[apitypes.DeviceAttachResponse](ctx, c, "device/attach", nil)
}

// Detach disconnects the emulated device.
func (c *Client) Detach() (*apitypes.DeviceAttachResponse, error) {
	return c.DetachCtx(context.Background())
}

func (c *Client) DetachCtx(ctx context.Context) (*apitypes.DeviceAttachResponse, error) {
	return call[apitypes.DeviceAttachResponse](ctx, c, "device/detach", nil)
}

// Send queues data for the USB host on IN endpoint ep.
func (c *Client) Send(ep uint8, data []byte) (*apitypes.DeviceSendResponse, error) {
	return c.SendCtx(context.Background(), ep, data)
}

func (c *Client) SendCtx(ctx context.Context, ep uint8, data []byte) (*apitypes.DeviceSendResponse, error) {
	req := apitypes.DeviceSendRequest{Endpoint: ep, Data: hex.EncodeToString(data)}
	return call[apitypes.DeviceSendResponse](ctx, c, "device/send", req)
}

// Endpoints returns the endpoint table announced to the device.
func (c *Client) Endpoints() (*apitypes.EndpointsResponse, error) {
	return call[apitypes.EndpointsResponse](context.Background(), c, "device/endpoints", nil)
}

// SetEndpoints replaces the endpoint table and sends it to the device.
func (c *Client) SetEndpoints(eps []apitypes.Endpoint) (*apitypes.EndpointsResponse, error) {
	return call[apitypes.EndpointsResponse](context.Background(), c, "device/endpoints", apitypes.EndpointsResponse{Endpoints: eps})
}

// Type types text on the emulated keyboard.
func (c *Client) Type(text string) (*apitypes.KeyboardResponse, error) {
	return c.TypeCtx(context.Background(), text)
}

func (c *Client) TypeCtx(ctx context.Context, text string) (*apitypes.KeyboardResponse, error) {
	if text == "" {
		return nil, errors.New("empty text")
	}
	return call[apitypes.KeyboardResponse](ctx, c, "keyboard/type", text)
}

// Press presses and releases a key chord on the emulated keyboard.
func (c *Client) Press(req apitypes.KeyboardPressRequest) (*apitypes.KeyboardResponse, error) {
	return call[apitypes.KeyboardResponse](context.Background(), c, "keyboard/press", req)
}

// LEDs returns the keyboard LED state set by the host.
func (c *Client) LEDs() (*apitypes.KeyboardLEDsResponse, error) {
	return call[apitypes.KeyboardLEDsResponse](context.Background(), c, "keyboard/leds", nil)
}

// SerialLine returns the serial adapter's line settings.
func (c *Client) SerialLine() (*apitypes.SerialLineResponse, error) {
	return call[apitypes.SerialLineResponse](context.Background(), c, "serial/line", nil)
}

// OpenSerial opens a byte stream to the serial adapter. Closing the
// connection ends the stream.
func (c *Client) OpenSerial(ctx context.Context) (net.Conn, error) {
	return c.transport.Stream(ctx, "serial/stream", nil, nil)
}

func call[T any](ctx context.Context, c *Client, path string, payload any) (*T, error) {
	raw, err := c.transport.DoCtx(ctx, path, payload, nil)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}

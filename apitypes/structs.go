package apitypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

type Endpoint struct {
	Address       uint8  `json:"address"`
	Type          uint8  `json:"type"`
	MaxPacketSize uint16 `json:"maxPacketSize"`
}

type EndpointsResponse struct {
	Endpoints []Endpoint `json:"endpoints"`
}

type LinkStats struct {
	FramesIn    uint64 `json:"framesIn"`
	FramesOut   uint64 `json:"framesOut"`
	Retransmits uint64 `json:"retransmits"`
	Nacks       uint64 `json:"nacks"`
	Echoes      uint64 `json:"echoes"`
	Discarded   uint64 `json:"discarded"`
}

type DeviceStatusResponse struct {
	Session   string     `json:"session"`
	Model     string     `json:"model"`
	Attached  bool       `json:"attached"`
	Connected bool       `json:"connected"`
	Pending   int        `json:"pending"`
	Stats     LinkStats  `json:"stats"`
	Endpoints []Endpoint `json:"endpoints"`
}

type DeviceAttachResponse struct {
	Attached bool `json:"attached"`
}

// DeviceSendRequest carries hex encoded data for an IN endpoint.
type DeviceSendRequest struct {
	Endpoint uint8  `json:"endpoint"`
	Data     string `json:"data"`
}

// UnmarshalJSON accepts the endpoint as a number or a hex string ("0x81").
func (d *DeviceSendRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Endpoint any    `json:"endpoint"`
		Data     string `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Endpoint == nil {
		return fmt.Errorf("endpoint: missing")
	}
	v, err := parseUintOrHex(raw.Endpoint, 8)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	d.Endpoint = uint8(v)
	d.Data = raw.Data
	return nil
}

type DeviceSendResponse struct {
	Bytes int `json:"bytes"`
}

// KeyboardPressRequest presses keys by usage code or by a combination
// string such as "ctrl+alt+delete".
type KeyboardPressRequest struct {
	Modifiers uint8   `json:"modifiers,omitempty"`
	Keys      []uint8 `json:"keys,omitempty"`
	Combo     string  `json:"combo,omitempty"`
}

type KeyboardResponse struct {
	Queued int `json:"queued"`
}

type KeyboardLEDsResponse struct {
	NumLock    bool `json:"numLock"`
	CapsLock   bool `json:"capsLock"`
	ScrollLock bool `json:"scrollLock"`
	Compose    bool `json:"compose"`
	Kana       bool `json:"kana"`
}

type SerialLineResponse struct {
	BaudRate uint32 `json:"baudRate"`
	DataBits uint8  `json:"dataBits"`
	Parity   uint8  `json:"parity"`
	StopBits uint8  `json:"stopBits"`
	DTR      bool   `json:"dtr"`
	RTS      bool   `json:"rts"`
}

// parseUintOrHex accepts either a JSON number or a hex string like "0x12ac"
func parseUintOrHex(v any, bits int) (uint64, error) {
	limit := float64(uint64(1)<<bits - 1)
	switch val := v.(type) {
	case float64:
		if val < 0 || val > limit || val != float64(uint64(val)) {
			return 0, fmt.Errorf("value %v out of range", val)
		}
		return uint64(val), nil
	case string:
		s := strings.TrimSpace(val)
		base := 10
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			s = s[2:]
			base = 16
		} else if strings.ContainsAny(s, "abcdefABCDEF") {
			base = 16
		}
		parsed, err := strconv.ParseUint(s, base, bits)
		if err != nil {
			return 0, fmt.Errorf("invalid hex/numeric string %q: %w", val, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected number or hex string, got %T", v)
	}
}

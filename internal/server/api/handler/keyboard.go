package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbtunnel/apitypes"
	"github.com/Alia5/usbtunnel/controller"
	"github.com/Alia5/usbtunnel/controller/keyboard"
	"github.com/Alia5/usbtunnel/internal/server/api"
)

func keyboardOf(c *controller.Controller) (*keyboard.Keyboard, error) {
	kb, ok := c.Device().(*keyboard.Keyboard)
	if !ok {
		return nil, api.ErrConflict("device is not a keyboard")
	}
	return kb, nil
}

func keyboardError(err error) error {
	if errors.Is(err, keyboard.ErrUnknownKey) || errors.Is(err, keyboard.ErrTooManyKeys) {
		return api.ErrBadRequest(err.Error())
	}
	return api.ErrInternal(err.Error())
}

// KeyboardType returns a handler typing the payload text.
func KeyboardType(c *controller.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		kb, err := keyboardOf(c)
		if err != nil {
			return err
		}
		if req.Payload == "" {
			return api.ErrBadRequest("missing text")
		}
		if err := kb.Type(req.Payload); err != nil {
			return keyboardError(err)
		}
		return respond(res, apitypes.KeyboardResponse{Queued: kb.Pending()})
	}
}

// KeyboardPress returns a handler pressing and releasing a key chord.
func KeyboardPress(c *controller.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		kb, err := keyboardOf(c)
		if err != nil {
			return err
		}
		if req.Payload == "" {
			return api.ErrBadRequest("missing payload")
		}
		var pr apitypes.KeyboardPressRequest
		if err := json.Unmarshal([]byte(req.Payload), &pr); err != nil {
			return api.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		if pr.Combo != "" {
			err = kb.PressCombo(pr.Combo)
		} else {
			err = kb.Press(pr.Modifiers, pr.Keys...)
		}
		if err != nil {
			return keyboardError(err)
		}
		return respond(res, apitypes.KeyboardResponse{Queued: kb.Pending()})
	}
}

// KeyboardLEDs returns a handler reporting the host's LED state.
func KeyboardLEDs(c *controller.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		kb, err := keyboardOf(c)
		if err != nil {
			return err
		}
		l := kb.LEDs()
		return respond(res, apitypes.KeyboardLEDsResponse{
			NumLock:    l.NumLock,
			CapsLock:   l.CapsLock,
			ScrollLock: l.ScrollLock,
			Compose:    l.Compose,
			Kana:       l.Kana,
		})
	}
}

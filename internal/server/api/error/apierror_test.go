package apierror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbtunnel/apitypes"
)

func TestWrapError(t *testing.T) {
	conflict := ErrConflict("queue full")
	tests := []struct {
		name string
		err  error
		want apitypes.ApiError
	}{
		{"value", conflict, conflict},
		{"pointer", &conflict, conflict},
		{"wrapped", fmt.Errorf("attach: %w", conflict), conflict},
		{"plain", errors.New("boom"), apitypes.ApiError{Status: 500, Title: "Internal Server Error", Detail: "boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WrapError(tt.err))
		})
	}
}

func TestTitles(t *testing.T) {
	assert.Equal(t, "Unauthorized", ErrUnauthorized("x").Title)
	assert.Equal(t, 404, ErrNotFound("x").Status)
}

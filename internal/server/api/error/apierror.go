// Package apierror builds the problem+json errors returned by the
// management API. It has no dependency on the server so the handshake code
// can use it too.
package apierror

import (
	"errors"
	"net/http"

	"github.com/Alia5/usbtunnel/apitypes"
)

// New returns a problem with the standard title for status.
func New(status int, detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: status, Title: http.StatusText(status), Detail: detail}
}

func ErrBadRequest(detail string) apitypes.ApiError   { return New(http.StatusBadRequest, detail) }
func ErrUnauthorized(detail string) apitypes.ApiError { return New(http.StatusUnauthorized, detail) }
func ErrNotFound(detail string) apitypes.ApiError     { return New(http.StatusNotFound, detail) }
func ErrConflict(detail string) apitypes.ApiError     { return New(http.StatusConflict, detail) }
func ErrInternal(detail string) apitypes.ApiError     { return New(http.StatusInternalServerError, detail) }

// WrapError finds the problem in err's chain, or reports err as an
// internal error.
func WrapError(err error) apitypes.ApiError {
	var ptr *apitypes.ApiError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr
	}
	var val apitypes.ApiError
	if errors.As(err, &val) {
		return val
	}
	return ErrInternal(err.Error())
}

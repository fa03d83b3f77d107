package api

import (
	"github.com/Alia5/usbtunnel/apitypes"
	apierror "github.com/Alia5/usbtunnel/internal/server/api/error"
)

// Handlers return these; the server writes them as one problem JSON line.

func ErrBadRequest(detail string) *apitypes.ApiError { return ptr(apierror.ErrBadRequest(detail)) }
func ErrNotFound(detail string) *apitypes.ApiError   { return ptr(apierror.ErrNotFound(detail)) }
func ErrConflict(detail string) *apitypes.ApiError   { return ptr(apierror.ErrConflict(detail)) }
func ErrInternal(detail string) *apitypes.ApiError   { return ptr(apierror.ErrInternal(detail)) }

// WrapError normalizes any error into *apitypes.ApiError; nil stays nil.
func WrapError(err error) *apitypes.ApiError {
	if err == nil {
		return nil
	}
	return ptr(apierror.WrapError(err))
}

func ptr(e apitypes.ApiError) *apitypes.ApiError { return &e }

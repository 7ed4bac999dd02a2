package api

import (
	"net/http"
	"strings"
)

// ApiError is the JSON body written for every failed gateway request.
type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	Err        error  `json:"-"`
}

func newApiError(status int, reason string, err error) *ApiError {
	return &ApiError{
		StatusCode: status,
		Message:    strings.ToLower(http.StatusText(status)),
		Reason:     reason,
		Err:        err,
	}
}

func (e *ApiError) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func NewBadRequestError(reason string) *ApiError {
	return newApiError(http.StatusBadRequest, reason, nil)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, "missing or invalid credential", nil)
}

func NewForbiddenError(reason string) *ApiError {
	return newApiError(http.StatusForbidden, reason, nil)
}

func NewNotFoundError(reason string) *ApiError {
	return newApiError(http.StatusNotFound, reason, nil)
}

// NewInternalServerError keeps err for logging; it is never serialized.
func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, "", err)
}

func NewServiceUnavailableError() *ApiError {
	return newApiError(http.StatusServiceUnavailable, "server shutting down", nil)
}

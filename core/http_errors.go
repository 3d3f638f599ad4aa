package core

import "net/http"

// HTTPError represents an HTTP error with a status code and a stable machine
// key. The Key is what API clients switch on; the status code is transport
// detail.
type HTTPError struct {
	Code int    // HTTP status code
	Key  string // machine-readable error key (e.g., "not_found")
}

// Error implements the error interface.
func (e HTTPError) Error() string {
	return e.Key
}

// 4xx client errors.
var (
	ErrBadRequest          = HTTPError{Code: http.StatusBadRequest, Key: "bad_request"}
	ErrUnauthorized        = HTTPError{Code: http.StatusUnauthorized, Key: "unauthorized"}
	ErrPaymentRequired     = HTTPError{Code: http.StatusPaymentRequired, Key: "payment_required"}
	ErrForbidden           = HTTPError{Code: http.StatusForbidden, Key: "forbidden"}
	ErrNotFound            = HTTPError{Code: http.StatusNotFound, Key: "not_found"}
	ErrConflict            = HTTPError{Code: http.StatusConflict, Key: "conflict"}
	ErrUnprocessableEntity = HTTPError{Code: http.StatusUnprocessableEntity, Key: "unprocessable_entity"}
	ErrTooManyRequests     = HTTPError{Code: http.StatusTooManyRequests, Key: "too_many_requests"}
)

// 5xx server errors.
var (
	ErrInternalServerError = HTTPError{Code: http.StatusInternalServerError, Key: "internal_server_error"}
	ErrBadGateway          = HTTPError{Code: http.StatusBadGateway, Key: "bad_gateway"}
	ErrServiceUnavailable  = HTTPError{Code: http.StatusServiceUnavailable, Key: "service_unavailable"}
)

// NewHTTPError creates a custom HTTP error with the given status code and key.
func NewHTTPError(code int, key string) HTTPError {
	return HTTPError{Code: code, Key: key}
}

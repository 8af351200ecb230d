// Package gwerrors provides the gateway's unified error taxonomy.
package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one of the seven error categories the dispatch pipeline
// can surface.
type Code string

const (
	CodeBadURI              Code = "GW_BAD_URI"
	CodeNotImplemented      Code = "GW_NOT_IMPLEMENTED"
	CodeHandlerError        Code = "GW_HANDLER_ERROR"
	CodeHookError           Code = "GW_HOOK_ERROR"
	CodePermissionDenied    Code = "GW_PERMISSION_DENIED"
	CodeTransactionFinalise Code = "GW_TRANSACTION_FINALISE_ERROR"
	CodeConfigError         Code = "GW_CONFIG_ERROR"
)

// GatewayError is a structured error carrying a taxonomy code, an HTTP
// status for the transport layer, and an optional wrapped cause.
type GatewayError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair of diagnostic context.
func (e *GatewayError) WithDetails(key string, value any) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newErr(code Code, message string, status int) *GatewayError {
	return &GatewayError{Code: code, Message: message, HTTPStatus: status}
}

func wrapErr(code Code, message string, status int, err error) *GatewayError {
	return &GatewayError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// BadURI reports a malformed invocation string (spec §7.1). Never retried.
func BadURI(raw string, err error) *GatewayError {
	return wrapErr(CodeBadURI, "malformed invocation URI", http.StatusBadRequest, err).
		WithDetails("uri", raw)
}

// NotImplemented reports no handler for a scheme, or no function for a
// requested shape (spec §7.2).
func NotImplemented(what string) *GatewayError {
	return newErr(CodeNotImplemented, "not implemented", http.StatusNotImplemented).
		WithDetails("what", what)
}

// HandlerError reports a backend-specific failure, reported verbatim with
// the backend's own message (spec §7.3).
func HandlerError(backend string, err error) *GatewayError {
	return wrapErr(CodeHandlerError, "backend operation failed", http.StatusBadGateway, err).
		WithDetails("backend", backend)
}

// HookError reports a pre-hook failure; dispatch aborts and the context is
// marked failed (spec §7.4).
func HookError(phase, uri string, err error) *GatewayError {
	return wrapErr(CodeHookError, "hook evaluation failed", http.StatusInternalServerError, err).
		WithDetails("phase", phase).
		WithDetails("uri", uri)
}

// PermissionDenied reports a plugin service's has_permission returning
// false (spec §7.5).
func PermissionDenied(uri string) *GatewayError {
	return newErr(CodePermissionDenied, "permission denied", http.StatusForbidden).
		WithDetails("uri", uri)
}

// TransactionFinaliseError reports a commit/rollback failure during context
// teardown (spec §7.6). The context surfaces only the first such error
// while still attempting every other transaction.
func TransactionFinaliseError(namespace string, err error) *GatewayError {
	return wrapErr(CodeTransactionFinalise, "transaction finalise failed", http.StatusInternalServerError, err).
		WithDetails("namespace", namespace)
}

// ConfigError reports a malformed plugin config, surfacing at
// parse_config/save_config (spec §7.7).
func ConfigError(what string, err error) *GatewayError {
	return wrapErr(CodeConfigError, "invalid configuration", http.StatusBadRequest, err).
		WithDetails("what", what)
}

// As extracts a *GatewayError from err's chain, if present.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	ok := errors.As(err, &ge)
	return ge, ok
}

// HTTPStatus returns the HTTP status for err, defaulting to 500 when err
// isn't a *GatewayError.
func HTTPStatus(err error) int {
	if ge, ok := As(err); ok {
		return ge.HTTPStatus
	}
	return http.StatusInternalServerError
}

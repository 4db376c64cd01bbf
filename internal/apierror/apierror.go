// Package apierror defines the gateway's error taxonomy and its mapping to
// HTTP statuses and JSON-RPC error codes.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
)

// Code classifies a failure surfaced to clients.
type Code string

const (
	CodeInvalidRequest   Code = "invalid_request"
	CodeUnauthorized     Code = "unauthorized"
	CodeForbidden        Code = "forbidden"
	CodeNotFound         Code = "not_found"
	CodeCapacityExceeded Code = "capacity_exceeded"
	CodeUpstreamFailure  Code = "upstream_failure"
	CodeServerError      Code = "server_error"
)

// HTTPStatus maps the code to a transport-level status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeCapacityExceeded:
		return http.StatusServiceUnavailable
	case CodeUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RPCCode maps the code to a JSON-RPC error code.
func (c Code) RPCCode() jsonrpc.ErrorCode {
	switch c {
	case CodeInvalidRequest:
		return jsonrpc.ErrorCodeInvalidParams
	case CodeUnauthorized:
		return jsonrpc.ErrorCodeUnauthorized
	case CodeForbidden:
		return jsonrpc.ErrorCodeForbidden
	case CodeNotFound:
		return jsonrpc.ErrorCodeNotFound
	case CodeCapacityExceeded:
		return jsonrpc.ErrorCodeCapacityExceeded
	case CodeUpstreamFailure:
		return jsonrpc.ErrorCodeUpstreamFailure
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

// Error is a classified, client-safe error. Message is shown to clients;
// Cause is kept for logs only.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns a classified error without a cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap classifies cause under code.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// Classifier is implemented by domain errors that know their API code.
type Classifier interface {
	APIError() *Error
}

// From extracts a classified error from err's chain. Unclassified errors
// become an opaque server_error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.APIError()
	}
	return &Error{Code: CodeServerError, Message: "internal error", Cause: err}
}

// RPC converts err into a JSON-RPC error object.
func RPC(err error) *jsonrpc.Error {
	ae := From(err)
	return &jsonrpc.Error{Code: ae.Code.RPCCode(), Message: ae.Message, Data: map[string]string{"type": string(ae.Code)}}
}

// WriteHTTP writes a transport-level rejection.
// Shape: {"error":{"code":<httpStatus>,"type":"<code>","message":"<reason>"}}
func WriteHTTP(w http.ResponseWriter, err error) {
	ae := From(err)
	Write(w, ae.Code.HTTPStatus(), ae.Code, ae.Message)
}

// Write emits a rejection with an explicit status.
func Write(w http.ResponseWriter, status int, code Code, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == "application/json" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "type": code, "message": msg}})
}

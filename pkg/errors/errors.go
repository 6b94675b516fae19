// Package errors defines the structured error values produced at the
// document-gateway boundary. Callers above the gateway only ever see a
// GatewayError (or a success value), never a raw transport exception.
package errors

import (
	"fmt"
	"net/http"
)

// Code is a machine-readable classification of a gateway failure.
type Code string

const (
	// CodeNotFound marks a document that does not exist (or is configured to
	// count as missing when empty).
	CodeNotFound Code = "not_found"

	// CodeMalformedDocument marks a payload that could not be decoded into
	// the caller's model type.
	CodeMalformedDocument Code = "malformed_document"

	// CodeTransportFailure marks a failure raised by the underlying transport
	// (connection loss, backend error, serialization on the wire).
	CodeTransportFailure Code = "transport_failure"

	// CodeBusinessError marks a failure encoded inside a payload itself,
	// distinguishable from a transport-level fault.
	CodeBusinessError Code = "business_error"

	// CodeTimeout marks an operation abandoned because its context expired.
	CodeTimeout Code = "timeout"

	// CodeInternal is the fallback for faults this layer cannot classify.
	CodeInternal Code = "internal"
)

// GatewayError carries a machine code, a human title, and free-form metadata.
// It is a value type so call sites can assert with err.(GatewayError).
type GatewayError struct {
	Code     Code
	Title    string
	Metadata map[string]any
	Err      error
}

func (e GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Title, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Title)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e GatewayError) Unwrap() error { return e.Err }

// Is matches two GatewayErrors by code, so sentinel values like
// transport.ErrNotFound compare against wrapped instances.
func (e GatewayError) Is(target error) bool {
	t, ok := target.(GatewayError)
	return ok && t.Code == e.Code
}

// New builds a GatewayError from a code and title.
func New(code Code, title string) GatewayError {
	return GatewayError{Code: code, Title: title}
}

// Wrap attaches a code and title to an underlying cause.
func Wrap(err error, code Code, title string) GatewayError {
	return GatewayError{Code: code, Title: title, Err: err}
}

// WithMetadata returns a copy of the error carrying the given metadata map.
func (e GatewayError) WithMetadata(meta map[string]any) GatewayError {
	e.Metadata = meta
	return e
}

// CodeOf extracts the code from any error, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if gw, ok := err.(GatewayError); ok {
		return gw.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps gateway codes onto HTTP statuses for the API layer.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMalformedDocument:
		return http.StatusUnprocessableEntity
	case CodeBusinessError:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

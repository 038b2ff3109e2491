// Package uierr defines the error kinds shared across the driver, supervisor
// and HTTP layers, together with their HTTP status mapping.
package uierr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an error for policy decisions (retry, restart, HTTP status).
type Kind int

const (
	// KindUnknown is the zero value, mapped to an internal server error.
	KindUnknown Kind = iota

	// KindInvalidArgument covers schema violations, bad operators and bad XPath.
	KindInvalidArgument

	// KindDeviceNotFound means no device with the requested serial is connected.
	KindDeviceNotFound

	// KindHelperSpawnFailure means a child process exited during its grace period.
	KindHelperSpawnFailure

	// KindHelperTimeout means a helper did not become ready, or an RPC call
	// exceeded its deadline.
	KindHelperTimeout

	// KindElementNotFound means a query returned empty at its deadline, or the
	// matched element carried no usable bounds.
	KindElementNotFound

	// KindNotFound means a stored artifact (such as a recording) does not exist.
	KindNotFound

	// KindParseError means the hierarchy XML was malformed.
	KindParseError

	// KindStreamUpstreamClosed means the MJPEG upstream dropped.
	KindStreamUpstreamClosed

	// KindNotImplemented means the command is not registered for the driver.
	KindNotImplemented

	// KindFatal means an unrecoverable supervisor invariant was violated.  The
	// device's supervisor is closed; the process stays up.
	KindFatal
)

// Error carries a Kind together with a message and an optional cause.
type Error struct {
	Kind  Kind
	Text  string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Text + ": " + e.Cause.Error()
	}
	return e.Text
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCode implements go-kit's StatusCoder convention so HTTP encoders can
// surface the right status without switching on Kind themselves.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindDeviceNotFound, KindElementNotFound, KindNotFound:
		return http.StatusNotFound
	case KindHelperTimeout:
		return http.StatusGatewayTimeout
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindStreamUpstreamClosed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an Error of the given kind with a printf-style message.
func New(kind Kind, format string, parameters ...interface{}) *Error {
	return &Error{Kind: kind, Text: fmt.Sprintf(format, parameters...)}
}

// Wrap creates an Error of the given kind around a cause.  A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, parameters ...interface{}) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Text: fmt.Sprintf(format, parameters...), Cause: cause}
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StatusCode returns the HTTP status for an arbitrary error.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}

// WriteError writes a JSON error body with the status derived from err.
func WriteError(response http.ResponseWriter, err error) (int, error) {
	code := StatusCode(err)
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(code)
	return fmt.Fprintf(response, `{"code": %d, "message": %q}`, code, err.Error())
}

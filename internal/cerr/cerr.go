// Package cerr defines the error kinds shared across the runtime. Callers
// classify failures with errors.Is against the sentinel kinds; messages are
// attached with the helpers below.
package cerr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. These are matched with errors.Is, never compared
// directly.
var (
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrTimeout            = errors.New("timeout")
	ErrTransport          = errors.New("transport failure")
	ErrExternal           = errors.New("external error")
	ErrCorruption         = errors.New("corrupt state")
	ErrCancelled          = errors.New("cancelled")
)

// Wrap attaches a formatted message to an error kind so that
// errors.Is(err, kind) holds on the result.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// NotFound builds an ErrNotFound error with a formatted message.
func NotFound(format string, args ...any) error {
	return Wrap(ErrNotFound, format, args...)
}

// InvalidArgument builds an ErrInvalidArgument error with a formatted message.
func InvalidArgument(format string, args ...any) error {
	return Wrap(ErrInvalidArgument, format, args...)
}

// RPCError carries a remote JSON-RPC error verbatim. It unwraps to
// ErrExternal so transport consumers can classify it without depending on
// the MCP package.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap classifies RPC errors as external.
func (e *RPCError) Unwrap() error { return ErrExternal }

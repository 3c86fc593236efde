// ABOUTME: Error taxonomy carried in response envelopes
// ABOUTME: Kinds separate protocol, timeout, child-process, shutdown and handler failures

package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

// Kind classifies an error so surfaces can tell retryable infrastructure
// failures from definitive business-logic failures.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindInvalidParams Kind = "invalid_params"
	KindProtocol      Kind = "protocol"
	KindTimeout       Kind = "timeout"
	KindChildProcess  Kind = "child_process"
	KindShutdown      Kind = "shutdown"
	KindInternal      Kind = "internal"
	KindHandler       Kind = "handler"
)

// Error codes. The JSON-RPC range is reused where a standard code exists.
const (
	CodeProtocol       = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeHandler        = -32000
	CodeTimeout        = -32001
	CodeUnavailable    = -32002
	CodeShutdown       = -32003
)

// Error is the error object of a response envelope.
type Error struct {
	Kind      Kind   `json:"kind"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewNotFoundError reports an unknown provider or method.
func NewNotFoundError(providerID, method string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s.%s", providerID, method)}
}

// NewInvalidParamsError reports params a handler could not decode.
func NewInvalidParamsError(msg string) *Error {
	return &Error{Kind: KindInvalidParams, Code: CodeInvalidParams, Message: msg}
}

// NewProtocolError reports a malformed envelope.
func NewProtocolError(msg string) *Error {
	return &Error{Kind: KindProtocol, Code: CodeProtocol, Message: msg}
}

// NewTimeoutError reports a call that exceeded its bound.
func NewTimeoutError(msg string) *Error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, Message: msg, Retryable: true}
}

// NewChildProcessError reports a helper that exited or could not be spawned.
func NewChildProcessError(msg string) *Error {
	return &Error{Kind: KindChildProcess, Code: CodeUnavailable, Message: msg, Retryable: true}
}

// NewShutdownError reports a call cancelled because the host is stopping.
func NewShutdownError(msg string) *Error {
	return &Error{Kind: KindShutdown, Code: CodeShutdown, Message: msg, Retryable: true}
}

// NewInternalError reports an unexpected host-side failure.
func NewInternalError(msg string) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: msg}
}

// NewHandlerError reports a definitive failure raised by provider logic.
func NewHandlerError(code int, msg string) *Error {
	if code == 0 {
		code = CodeHandler
	}
	return &Error{Kind: KindHandler, Code: code, Message: msg}
}

// KindOf returns the kind of err, or "" when err is nil. Errors that are not
// envelope errors are classified the same way FromError would.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return FromError(err).Kind
}

// FromError converts any error into an envelope error. Envelope errors are
// returned as-is; helper line errors keep their code and message.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var env *Error
	if errors.As(err, &env) {
		return env
	}

	var line *lineproto.Error
	if errors.As(err, &line) {
		switch line.Code {
		case lineproto.CodeMethodNotFound:
			return &Error{Kind: KindNotFound, Code: CodeMethodNotFound, Message: line.Message}
		case lineproto.CodeInvalidParams:
			return NewInvalidParamsError(line.Message)
		default:
			return NewHandlerError(line.Code, line.Message)
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError(err.Error())
	case errors.Is(err, context.Canceled):
		return NewShutdownError(err.Error())
	default:
		return NewHandlerError(CodeHandler, err.Error())
	}
}

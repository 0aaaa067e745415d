package proto

import (
	"errors"
	"fmt"
)

// Transport level decode failures. Any of these is fatal to the connection.
var (
	ErrTruncatedFrame = errors.New("proto: truncated frame")
	ErrFrameTooLarge  = errors.New("proto: frame too large")
	ErrInvalidKind    = errors.New("proto: invalid frame kind")
)

// Payload decode failures. These are reported to the peer when they occur in a request.
var (
	ErrInvalidUTF8      = errors.New("proto: invalid utf-8 string")
	ErrStringTooLong    = errors.New("proto: string too long")
	ErrMalformedPayload = errors.New("proto: malformed payload")
	ErrUnknownType      = errors.New("proto: unknown message type")
)

// ErrorCode identifies a protocol error carried in an Error Response.
type ErrorCode uint16

const (
	CodeUnknownCommand   ErrorCode = 1
	CodeInvalidUTF8      ErrorCode = 2
	CodeStringTooLong    ErrorCode = 3
	CodeMalformedPayload ErrorCode = 4
	CodeHandlerFailed    ErrorCode = 5
	CodeAuthFailed       ErrorCode = 6
	CodeNotAuthenticated ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUnknownCommand:
		return "unknown command"
	case CodeInvalidUTF8:
		return "invalid utf-8"
	case CodeStringTooLong:
		return "string too long"
	case CodeMalformedPayload:
		return "malformed payload"
	case CodeHandlerFailed:
		return "handler failed"
	case CodeAuthFailed:
		return "authentication failed"
	case CodeNotAuthenticated:
		return "not authenticated"
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// ProtocolError is both an error and the payload of an Error Response.
type ProtocolError struct {
	Code    ErrorCode
	Message string
}

var (
	ErrUnknownCommand   = &ProtocolError{Code: CodeUnknownCommand}
	ErrAuthFailed       = &ProtocolError{Code: CodeAuthFailed}
	ErrNotAuthenticated = &ProtocolError{Code: CodeNotAuthenticated}
)

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return "proto: " + e.Code.String()
	}
	return "proto: " + e.Code.String() + ": " + e.Message
}

// Is reports whether target is a ProtocolError with the same code.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	return ok && t.Code == e.Code
}

func (e *ProtocolError) Type() Type { return TypeError }

func (e *ProtocolError) Encode(w *Writer) {
	w.Uint16(uint16(e.Code))
	w.String(e.Message)
}

func (e *ProtocolError) Decode(r *Reader) error {
	e.Code = ErrorCode(r.Uint16())
	e.Message = r.String()
	return r.Err()
}

// AsProtocolError converts any error into the ProtocolError sent back to a
// peer whose request could not be served.
func AsProtocolError(err error) *ProtocolError {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, ErrInvalidUTF8):
		return &ProtocolError{Code: CodeInvalidUTF8, Message: err.Error()}
	case errors.Is(err, ErrStringTooLong):
		return &ProtocolError{Code: CodeStringTooLong, Message: err.Error()}
	case errors.Is(err, ErrMalformedPayload):
		return &ProtocolError{Code: CodeMalformedPayload, Message: err.Error()}
	case errors.Is(err, ErrUnknownType):
		return &ProtocolError{Code: CodeUnknownCommand, Message: err.Error()}
	}
	return &ProtocolError{Code: CodeHandlerFailed, Message: err.Error()}
}

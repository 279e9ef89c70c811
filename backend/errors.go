package backend

import (
	"errors"
	"fmt"
)

// Code is the normalized error vocabulary shared by all backends.
type Code int

const (
	CodeOK Code = iota
	CodeNotFound
	CodeAlreadyExists
	CodeInvalidArgument
	CodeConnectionLoss
	CodeSessionExpired
	CodeClosed
	CodeSystem
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeConnectionLoss:
		return "connection_loss"
	case CodeSessionExpired:
		return "session_expired"
	case CodeClosed:
		return "closed"
	default:
		return "system"
	}
}

// Error carries the normalized Code together with the backend native category and value.
type Error struct {
	Code     Code
	Category string
	Value    int
	Message  string
	Err      error
}

// Sentinels for errors.Is matching, compared by Code only.
var (
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrAlreadyExists   = &Error{Code: CodeAlreadyExists}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrConnectionLoss  = &Error{Code: CodeConnectionLoss}
	ErrSessionExpired  = &Error{Code: CodeSessionExpired}
	ErrClosed          = &Error{Code: CodeClosed}
	ErrSystem          = &Error{Code: CodeSystem}
)

// NewError creates an Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Category != "" {
		return fmt.Sprintf("%s (%s:%d): %s", e.Code, e.Category, e.Value, msg)
	}
	if msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the normalized code, nil gives CodeOK and foreign errors give CodeSystem.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystem
}

// IsNotFound ...
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsSessionLost reports connection loss or session expiry.
func IsSessionLost(err error) bool {
	c := CodeOf(err)
	return c == CodeConnectionLoss || c == CodeSessionExpired
}

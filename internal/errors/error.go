package errors

import (
	"fmt"

	"github.com/vango-dev/sigsync/pkg/protocol"
)

// Category represents the type of error.
type Category string

const (
	CategoryConfig     Category = "config"
	CategoryConnection Category = "connection"
	CategoryProtocol   Category = "protocol"
	CategoryCLI        Category = "cli"
)

// Location is a position in a configuration file.
type Location struct {
	File   string
	Line   int
	Column int
}

// String returns the location as a formatted string.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Diagnostic is a user-facing error with a code, an explanation and a hint.
type Diagnostic struct {
	// Code is a unique error identifier (e.g., "E120").
	Code string

	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of the error.
	Detail string

	Location *Location

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *Diagnostic) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Diagnostic) Unwrap() error {
	return e.Wrapped
}

// WithLocation points the error at a file position.
func (e *Diagnostic) WithLocation(file string, line, column int) *Diagnostic {
	e.Location = &Location{File: file, Line: line, Column: column}
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *Diagnostic) WithSuggestion(s string) *Diagnostic {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation to the error.
func (e *Diagnostic) WithDetail(d string) *Diagnostic {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *Diagnostic) Wrap(err error) *Diagnostic {
	e.Wrapped = err
	return e
}

// New creates a Diagnostic from a registered error code.
func New(code string) *Diagnostic {
	template, ok := registry[code]
	if !ok {
		return &Diagnostic{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &Diagnostic{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Detail:     template.Detail,
		Suggestion: template.Suggestion,
	}
}

// Newf creates a new Diagnostic with a formatted message (no code).
func Newf(category Category, format string, args ...any) *Diagnostic {
	return &Diagnostic{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps a standard error in a Diagnostic.
func FromError(err error, code string) *Diagnostic {
	if err == nil {
		return nil
	}
	if d, ok := err.(*Diagnostic); ok {
		return d
	}
	return New(code).Wrap(err)
}

// protocolCodes maps server Error messages to diagnostics.
var protocolCodes = map[protocol.ErrorCode]string{
	protocol.ErrInvalidFrame:   "E060",
	protocol.ErrInvalidMessage: "E061",
	protocol.ErrSignalNotFound: "E062",
	protocol.ErrKindMismatch:   "E063",
	protocol.ErrReadOnly:       "E064",
	protocol.ErrServerError:    "E065",
}

// FromMessage converts a server Error message into a Diagnostic.
func FromMessage(m *protocol.Message) *Diagnostic {
	code, ok := protocolCodes[m.Code]
	if !ok {
		code = "E066"
	}
	d := New(code)
	if m.Reason != "" {
		d.Detail = m.Reason
	}
	if m.Signal != "" {
		d.Message += fmt.Sprintf(" (signal %q)", m.Signal)
	}
	return d
}

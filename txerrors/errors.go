// Package txerrors defines the error kinds the transport returns to
// callers and the routers it dispatches to.
package txerrors

import "fmt"

// Kind classifies a transport error the way spec §7 names them.
type Kind string

const (
	Validation      Kind = "VALIDATION"
	InvalidOperation Kind = "INVALID_OPERATION"
	Connection      Kind = "CONNECTION"
	NotPermitted    Kind = "NOT_PERMITTED"
	Timeout         Kind = "TIMEOUT"
	AMQPDLX         Kind = "AMQP_DLX"
	Parse           Kind = "PARSE"
	Argument        Kind = "ARGUMENT"
)

// Death is one entry of a broker x-death trail.
type Death struct {
	Queue    string `json:"queue"`
	Reason   string `json:"reason"`
	Exchange string `json:"exchange"`
	Count    int64  `json:"count"`
}

// Error is the transport's error shape. It carries the kind the
// caller should branch on, an optional wire code, and (for AMQPDLX) a
// death trail. ReplyHeaders is populated when the error arrived as a
// reply and the reply carried AMQP headers (spec "reply-headers"
// hidden key).
type Error struct {
	Kind         Kind
	Message      string
	Code         string
	Stack        string
	Death        []Death
	ReplyHeaders map[string]interface{}
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NewValidation(message string) *Error { return New(Validation, message) }

func NewTimeout(message string) *Error { return New(Timeout, message) }

func NewDLX(message string, death []Death) *Error {
	return &Error{Kind: AMQPDLX, Message: message, Death: death}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}

package errcode

import "errors"

// Code is a stable, caller-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK            Code = "ok"
	Busy          Code = "busy"
	Unsupported   Code = "unsupported"
	InvalidParams Code = "invalid_params"

	// Transport
	IOError Code = "io_error"

	// Protocol
	AccessDenied    Code = "access_denied"
	NotReady        Code = "not_ready"
	NotFound        Code = "not_found"
	NotOwner        Code = "not_owner"
	CRCMismatch     Code = "crc_mismatch"
	MalformedReport Code = "malformed_report"
	CommandFailed   Code = "command_failed"

	// Timing
	Timeout Code = "timeout"

	// Terminal
	InvalidApp    Code = "invalid_app"
	StartupFailed Code = "startup_failed"

	Error Code = "error" // generic fallback
)

// Class groups codes by how a caller should react to them.
type Class uint8

const (
	ClassNone Class = iota
	ClassTransport
	ClassProtocol
	ClassTiming
	ClassTerminal
	ClassOther
)

func (c Code) Class() Class {
	switch c {
	case OK:
		return ClassNone
	case IOError:
		return ClassTransport
	case Busy, AccessDenied, NotReady, NotFound, NotOwner, CRCMismatch, MalformedReport, CommandFailed, InvalidParams, Unsupported:
		return ClassProtocol
	case Timeout:
		return ClassTiming
	case InvalidApp, StartupFailed:
		return ClassTerminal
	default:
		return ClassOther
	}
}

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil && e.Err != e.C {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, SomeCode) match a wrapped *E by code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap builds an *E. A nil cause is allowed.
func Wrap(c Code, op string, err error) error {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}

// IsTiming reports whether err is a bounded wait that ran out.
func IsTiming(err error) bool { return Of(err).Class() == ClassTiming }

// IsTerminal reports whether retrying the same operation cannot succeed.
func IsTerminal(err error) bool { return Of(err).Class() == ClassTerminal }

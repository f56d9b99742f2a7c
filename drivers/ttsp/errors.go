package ttsp

import "touchcode-go/errcode"

var (
	ErrBusy            = errcode.Busy
	ErrTimeout         = errcode.Timeout
	ErrAccessDenied    = errcode.AccessDenied
	ErrNotReady        = errcode.NotReady
	ErrNotFound        = errcode.NotFound
	ErrNotOwner        = errcode.NotOwner
	ErrCRCMismatch     = errcode.CRCMismatch
	ErrMalformedReport = errcode.MalformedReport
	ErrCommandFailed   = errcode.CommandFailed
	ErrInvalidParams   = errcode.InvalidParams
	ErrInvalidApp      = errcode.InvalidApp
	ErrStartupFailed   = errcode.StartupFailed
)

func fail(c errcode.Code, op, msg string) error {
	return &errcode.E{C: c, Op: op, Msg: msg}
}

package dap

import (
	"context"
	"errors"
	"fmt"
)

// blame says who is responsible for a failed request. It decides the
// error id and whether the client shows the message to the user.
type blame int

const (
	blameUser blame = iota
	blameEngine
	blameProtocol
)

type blamedError struct {
	blame blame
	err   error
}

func (e *blamedError) Error() string { return e.err.Error() }

func (e *blamedError) Unwrap() error { return e.err }

// userErrorf reports a mistake in the user's input: a bad expression, an
// unknown handle, a missing launch property.
func userErrorf(format string, args ...interface{}) error {
	return &blamedError{blameUser, fmt.Errorf(format, args...)}
}

func userError(err error) error {
	if err == nil {
		return nil
	}
	return &blamedError{blameUser, err}
}

// engineError reports a failure of the debugger engine, surfaced to the
// user with the engine's message.
func engineError(err error) error {
	if err == nil {
		return nil
	}
	var be *blamedError
	if errors.As(err, &be) {
		return err
	}
	return &blamedError{blameEngine, err}
}

// protocolErrorf reports a request the adapter cannot serve in its current
// state or that does not follow the protocol.
func protocolErrorf(format string, args ...interface{}) error {
	return &blamedError{blameProtocol, fmt.Errorf(format, args...)}
}

var (
	errNoProcess      = userErrorf("Debuggee process is not running.")
	errNotStopped     = userErrorf("Debuggee process is running.")
	errNoDebug        = protocolErrorf("Not supported in noDebug mode.")
	errSessionEnded   = protocolErrorf("Debug session has ended.")
	errInvalidHandle  = userErrorf("Invalid variables reference.")
	errInvalidFrameID = userErrorf("Invalid frame id.")
	errInvalidThread  = userErrorf("Invalid thread id.")
	errNoTarget       = userErrorf("No debug target, launch or attach first.")

	errUnsupportedRequest = protocolErrorf("Unsupported request")
)

// errorResponse maps err to the id, message and showUser flag of a
// failed response.
func errorResponse(err error) (id int, message string, showUser bool) {
	var be *blamedError
	switch {
	case err == errUnsupportedRequest:
		return UnsupportedCommand, err.Error(), false
	case errors.Is(err, context.Canceled):
		return RequestCanceled, "canceled", false
	case errors.Is(err, context.DeadlineExceeded):
		return UserError, "Evaluation timed out.", true
	case errors.As(err, &be):
		switch be.blame {
		case blameUser:
			return UserError, be.Error(), true
		case blameEngine:
			return EngineError, be.Error(), true
		default:
			return ProtocolError, be.Error(), false
		}
	}
	return InternalError, fmt.Sprintf("Internal debugger error: %v", err), true
}

package vmengine

import (
	"errors"
	"fmt"
)

// Kind is the closed taxonomy of errors the engine and its capability
// surface can return.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindInvalidInput      Kind = "InvalidInput"
	KindAlreadySubscribed Kind = "AlreadySubscribed"
	KindQueueFull         Kind = "QueueFull"
	KindHandlerRejected   Kind = "HandlerRejected"
	KindHandlerError      Kind = "HandlerError"
	KindEngineDown        Kind = "EngineDown"
	KindIO                Kind = "Io"
	KindTimeout           Kind = "Timeout"
)

// EngineError is the concrete error type returned by every engine
// operation whose kind matters to a caller.
type EngineError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *EngineError) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string) *EngineError {
	return &EngineError{Kind: kind, Msg: msg}
}

func wrapErr(kind Kind, msg string, err error) *EngineError {
	return &EngineError{Kind: kind, Msg: msg, Err: err}
}

// ErrNotFound reports that an addressed object, channel, or context does
// not exist.
func ErrNotFound(msg string) error { return newErr(KindNotFound, msg) }

// ErrInvalidInput reports a caller-supplied value that fails validation.
func ErrInvalidInput(msg string) error { return newErr(KindInvalidInput, msg) }

// ErrAlreadySubscribed reports a second listener attaching to a channel
// that already has one.
func ErrAlreadySubscribed(msg string) error { return newErr(KindAlreadySubscribed, msg) }

// ErrQueueFull reports a msgSend that would exceed a channel's bounded
// queue depth.
func ErrQueueFull(msg string) error { return newErr(KindQueueFull, msg) }

// ErrHandlerRejected reports an objCheckReq whose handler declined the
// write.
func ErrHandlerRejected(reason string) error {
	return newErr(KindHandlerRejected, reason)
}

// ErrHandlerError wraps a JS-side exception or a rejected handler
// Promise.
func ErrHandlerError(err error) error {
	return wrapErr(KindHandlerError, "handler raised an error", err)
}

// ErrEngineDown reports that a context's isolate has transitioned to its
// terminal Dead state and rejects all further triggers.
func ErrEngineDown(msg string) error { return newErr(KindEngineDown, msg) }

// ErrIO wraps a filesystem or database failure.
func ErrIO(msg string, err error) error { return wrapErr(KindIO, msg, err) }

// ErrTimeout reports a trigger that exceeded its execution deadline.
func ErrTimeout(msg string) error { return newErr(KindTimeout, msg) }

// KindOf extracts the Kind of an error produced by this package, if any.
func KindOf(err error) (Kind, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}

// Is reports whether err is an EngineError of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

package model

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the sync core can produce.
type Kind string

// Error kinds
const (
	KindInvalidTransition Kind = "InvalidTransition"
	KindBudgetExhausted   Kind = "BudgetExhausted"
	KindStaleWrite        Kind = "StaleWrite"
	KindNetworkFailure    Kind = "NetworkFailure"
	KindChannelDegraded   Kind = "ChannelDegraded"
	KindNotFound          Kind = "NotFound"
	KindConflict          Kind = "Conflict"
)

// Sentinel errors, one per kind. errors.Is(err, ErrBudgetExhausted) matches
// any *Error of that kind.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrBudgetExhausted   = errors.New("budget exhausted")
	ErrStaleWrite        = errors.New("stale write")
	ErrNetworkFailure    = errors.New("network failure")
	ErrChannelDegraded   = errors.New("channel degraded")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
)

var sentinels = map[Kind]error{
	KindInvalidTransition: ErrInvalidTransition,
	KindBudgetExhausted:   ErrBudgetExhausted,
	KindStaleWrite:        ErrStaleWrite,
	KindNetworkFailure:    ErrNetworkFailure,
	KindChannelDegraded:   ErrChannelDegraded,
	KindNotFound:          ErrNotFound,
	KindConflict:          ErrConflict,
}

// Error is a typed failure delivered to callers and subscribers.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError creates an Error. err may be nil.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates an Error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// Recoverable reports whether the user can retry the failed action.
func (e *Error) Recoverable() bool {
	return e.Kind == KindNetworkFailure || e.Kind == KindStaleWrite
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

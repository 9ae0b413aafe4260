// Package exch collects the error kinds shared by the ledger, wallet, book,
// engine and API layers. Every error is a value, never a panic; the API
// layer is the only place that maps a kind to an HTTP status.
package exch

import "errors"

// Kind classifies an error for the API layer's status-code mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindInsufficientFunds
	KindInsufficientAsset
	KindNotCancelable
	KindConflict
	KindTransient
)

// Error wraps a cause with a Kind so callers can branch on category without
// string-matching messages.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that never went through this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrInsufficientFunds = New(KindInsufficientFunds, "insufficient funds")
	ErrInsufficientAsset = New(KindInsufficientAsset, "insufficient asset")
	ErrNotCancelable     = New(KindNotCancelable, "order is not cancelable")
	ErrNotFound          = New(KindNotFound, "not found")
	ErrConflict          = New(KindConflict, "conflict")
	ErrTransient         = New(KindTransient, "transient failure, retry")
)

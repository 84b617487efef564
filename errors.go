package polyclient

import (
	"errors"
	"fmt"
)

// Kind tags a PolyClient error with a fixed failure category, so hosts
// can switch on failure class without string-matching messages.
type Kind string

const (
	KindInvalidOptions      Kind = "InvalidOptions"
	KindInvalidAdapter      Kind = "InvalidAdapter"
	KindLanguageExists      Kind = "LanguageExists"
	KindInvalidClient       Kind = "InvalidClient"
	KindInvalidURI          Kind = "InvalidUri"
	KindInvalidPosition     Kind = "InvalidPosition"
	KindInvalidChange       Kind = "InvalidChange"
	KindInvalidEdit         Kind = "InvalidEdit"
	KindInvalidChanges      Kind = "InvalidChanges"
	KindInvalidVersion      Kind = "InvalidVersion"
	KindUnknownLanguage     Kind = "UnknownLanguage"
	KindDocumentNotOpen     Kind = "DocumentNotOpen"
	KindLanguageNotResolved Kind = "LanguageNotResolved"
	KindLanguageNotReady    Kind = "LanguageNotReady"
	KindLanguageFailed      Kind = "LanguageFailed"
	KindFeatureUnsupported  Kind = "FeatureUnsupported"
	KindClientDisposed      Kind = "ClientDisposed"
	KindTimeout             Kind = "Timeout"
	KindConnectionClosed    Kind = "ConnectionClosed"
	KindProtocolError       Kind = "ProtocolError"
)

// Error is the language-agnostic error shape every PolyClient operation
// returns for a recognized failure mode.
type Error struct {
	Kind    Kind
	Message string
	Err     error // optional wrapped cause, e.g. a transport error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an *Error, satisfying the common case of no wrapped cause.
func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError builds an *Error carrying an underlying transport/runtime cause.
func wrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Is reports whether err is, or wraps, a PolyClient *Error with the given
// Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}

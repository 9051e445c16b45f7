package compiler

import (
	"errors"
	"fmt"
)

// Error classes, usable with errors.Is.
var (
	ErrSyntax  = errors.New("syntax error")
	ErrResolve = errors.New("resolution error")
	ErrLink    = errors.New("link error")
)

// Error is a compilation failure. Compilation stops at the first one.
type Error struct {
	Kind error    // ErrSyntax, ErrResolve or ErrLink
	Pos  Position // zero for link errors
	Len  int      // length of the offending token, if any
	Msg  string
}

func (e *Error) Error() string {
	if e.Pos.Line == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("line %d, column %d: %s: %s", e.Pos.Line, e.Pos.Column, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func errorAt(kind error, src *Source, tok Token, format string, args ...any) *Error {
	return &Error{
		Kind: kind,
		Pos:  src.TokenPosition(tok),
		Len:  tok.Len,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func linkError(format string, args ...any) *Error {
	return &Error{Kind: ErrLink, Msg: fmt.Sprintf(format, args...)}
}

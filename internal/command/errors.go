package command

import (
	"errors"

	"github.com/i-melnichenko/kvx/internal/kv"
)

// Errors surfaced by the dispatcher and handlers. None of them is retried and
// none of them is ever preceded by a replicated mutation.
var (
	ErrWrongArity     = errors.New("wrong number of arguments")
	ErrNotInteger     = errors.New("value is not an integer or out of range")
	ErrOverflow       = errors.New("increment or decrement would overflow")
	ErrInvalidExpire  = errors.New("invalid expire time")
	ErrUnknownCommand = errors.New("unknown command")
	ErrReadOnly       = errors.New("can't write against a read only replica")
	ErrOutOfMemory    = errors.New("command not allowed when used memory > 'maxmemory'")
)

// ErrorKind classifies a command failure.
type ErrorKind string

// Error kinds reported to callers.
const (
	KindNone     ErrorKind = ""
	KindArity    ErrorKind = "arity"
	KindParse    ErrorKind = "parse"
	KindType     ErrorKind = "type"
	KindResource ErrorKind = "resource"
	KindReadOnly ErrorKind = "readonly"
	KindUnknown  ErrorKind = "unknown"
	KindInternal ErrorKind = "internal"
)

// KindOf returns the kind of err, or KindInternal for errors this package
// does not recognize.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrWrongArity):
		return KindArity
	case errors.Is(err, ErrNotInteger), errors.Is(err, ErrOverflow), errors.Is(err, ErrInvalidExpire):
		return KindParse
	case errors.Is(err, kv.ErrWrongType):
		return KindType
	case errors.Is(err, ErrOutOfMemory):
		return KindResource
	case errors.Is(err, ErrReadOnly):
		return KindReadOnly
	case errors.Is(err, ErrUnknownCommand):
		return KindUnknown
	default:
		return KindInternal
	}
}

package command

import "strconv"

// ReplyKind is the shape of a command result.
type ReplyKind uint8

// Reply shapes.
const (
	ReplyNil ReplyKind = iota
	ReplyInt
	ReplyBulk
)

// Reply is the value returned to the caller of a command.
type Reply struct {
	Kind ReplyKind
	Int  int64
	Str  string
}

// Nil is the absent-value reply.
func Nil() Reply { return Reply{Kind: ReplyNil} }

// Int is an integer reply.
func Int(n int64) Reply { return Reply{Kind: ReplyInt, Int: n} }

// Bulk is a byte string reply.
func Bulk(s string) Reply { return Reply{Kind: ReplyBulk, Str: s} }

// IsNil reports whether r is the absent-value reply.
func (r Reply) IsNil() bool { return r.Kind == ReplyNil }

// String formats r the way redis-cli does.
func (r Reply) String() string {
	switch r.Kind {
	case ReplyInt:
		return "(integer) " + strconv.FormatInt(r.Int, 10)
	case ReplyBulk:
		return strconv.Quote(r.Str)
	default:
		return "(nil)"
	}
}

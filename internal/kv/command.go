// Package kv implements the in-memory value store and the log entries that
// replicate its mutations.
package kv

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// Op identifies a resolved mutation carried by a log entry.
type Op uint8

// Supported log entry operations.
const (
	OpSet      Op = iota + 1 // replace scalar value, optional absolute expiration
	OpHashSet                // set one hash field
	OpExpireAt               // set absolute expiration on an existing key
	OpDelete                 // remove key
)

// String returns the command name used when an entry is rendered as argv.
func (o Op) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpHashSet:
		return "HSET"
	case OpExpireAt:
		return "PEXPIREAT"
	case OpDelete:
		return "DEL"
	default:
		return "op(" + strconv.Itoa(int(o)) + ")"
	}
}

// ErrInvalidCommand is returned when an encoded log entry cannot be decoded.
var ErrInvalidCommand = errors.New("kv: invalid command")

// Command is a fully resolved mutation. Replaying it on another store yields
// the same state as on the origin: values are final and expirations are
// absolute unix milliseconds, never relative seconds.
type Command struct {
	Op       Op
	Key      string
	Field    string
	Value    string
	ExpireAt int64 // unix milliseconds; zero means no expiration
}

// Args renders the entry as a command vector, e.g. SET k v PXAT 1700000000000.
func (c Command) Args() []string {
	switch c.Op {
	case OpSet:
		if c.ExpireAt > 0 {
			return []string{"SET", c.Key, c.Value, "PXAT", strconv.FormatInt(c.ExpireAt, 10)}
		}
		return []string{"SET", c.Key, c.Value}
	case OpHashSet:
		return []string{"HSET", c.Key, c.Field, c.Value}
	case OpExpireAt:
		return []string{"PEXPIREAT", c.Key, strconv.FormatInt(c.ExpireAt, 10)}
	case OpDelete:
		return []string{"DEL", c.Key}
	default:
		return []string{c.Op.String(), c.Key}
	}
}

const (
	fieldOp       protowire.Number = 1
	fieldKey      protowire.Number = 2
	fieldField    protowire.Number = 3
	fieldValue    protowire.Number = 4
	fieldExpireAt protowire.Number = 5
)

// MarshalBinary encodes the entry in protobuf wire format.
func (c Command) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(make([]byte, 0, 16+len(c.Key)+len(c.Field)+len(c.Value)))
}

// AppendBinary appends the protobuf wire encoding of the entry to b.
func (c Command) AppendBinary(b []byte) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Op))
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, c.Key)
	if c.Field != "" {
		b = protowire.AppendTag(b, fieldField, protowire.BytesType)
		b = protowire.AppendString(b, c.Field)
	}
	if c.Value != "" {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendString(b, c.Value)
	}
	if c.ExpireAt != 0 {
		b = protowire.AppendTag(b, fieldExpireAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.ExpireAt))
	}
	return b, nil
}

// UnmarshalBinary decodes an entry produced by MarshalBinary. Unknown fields
// are skipped.
func (c *Command) UnmarshalBinary(b []byte) error {
	var out Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldOp && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			out.Op = Op(v)
		case num == fieldExpireAt && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			out.ExpireAt = int64(v)
		case num == fieldKey && typ == protowire.BytesType:
			out.Key, n = consumeString(b)
		case num == fieldField && typ == protowire.BytesType:
			out.Field, n = consumeString(b)
		case num == fieldValue && typ == protowire.BytesType:
			out.Value, n = consumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrInvalidCommand, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	if err := out.validate(); err != nil {
		return err
	}
	*c = out
	return nil
}

func consumeString(b []byte) (string, int) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", n
	}
	return string(v), n
}

func (c Command) validate() error {
	switch c.Op {
	case OpSet, OpHashSet, OpDelete:
	case OpExpireAt:
		if c.ExpireAt <= 0 {
			return fmt.Errorf("%w: %s without expiration", ErrInvalidCommand, c.Op)
		}
	default:
		return fmt.Errorf("%w: unknown op %d", ErrInvalidCommand, c.Op)
	}
	if c.ExpireAt < 0 {
		return fmt.Errorf("%w: negative expiration", ErrInvalidCommand)
	}
	return nil
}

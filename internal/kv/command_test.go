package kv

import (
	"errors"
	"reflect"
	"testing"
)

func TestCommand_BinaryRoundTrip(t *testing.T) {
	tests := []Command{
		{Op: OpSet, Key: "k", Value: "v"},
		{Op: OpSet, Key: "k", Value: "", ExpireAt: 1_700_000_000_000},
		{Op: OpHashSet, Key: "h", Field: "f", Value: "x"},
		{Op: OpExpireAt, Key: "k", ExpireAt: 42},
		{Op: OpDelete, Key: "k"},
	}
	for _, want := range tests {
		raw, err := want.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary(%v): %v", want.Args(), err)
		}
		var got Command
		if err := got.UnmarshalBinary(raw); err != nil {
			t.Fatalf("UnmarshalBinary(%v): %v", want.Args(), err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestCommand_Validation(t *testing.T) {
	for _, c := range []Command{
		{Op: 0, Key: "k"},
		{Op: 99, Key: "k"},
		{Op: OpExpireAt, Key: "k"},
		{Op: OpSet, Key: "k", ExpireAt: -1},
	} {
		if _, err := c.MarshalBinary(); !errors.Is(err, ErrInvalidCommand) {
			t.Fatalf("expected ErrInvalidCommand for %+v, got %v", c, err)
		}
	}
}

func TestCommand_UnmarshalSkipsUnknownFields(t *testing.T) {
	raw, _ := Command{Op: OpDelete, Key: "k"}.MarshalBinary()
	// field 15, varint 1
	raw = append(raw, 0x78, 0x01)

	var got Command
	if err := got.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.Key != "k" || got.Op != OpDelete {
		t.Fatalf("unexpected command %+v", got)
	}
}

func TestCommand_Args(t *testing.T) {
	tests := map[string]struct {
		cmd  Command
		want []string
	}{
		"set":           {Command{Op: OpSet, Key: "k", Value: "v"}, []string{"SET", "k", "v"}},
		"set with pxat": {Command{Op: OpSet, Key: "k", Value: "v", ExpireAt: 5}, []string{"SET", "k", "v", "PXAT", "5"}},
		"hset":          {Command{Op: OpHashSet, Key: "h", Field: "f", Value: "v"}, []string{"HSET", "h", "f", "v"}},
		"pexpireat":     {Command{Op: OpExpireAt, Key: "k", ExpireAt: 7}, []string{"PEXPIREAT", "k", "7"}},
		"del":           {Command{Op: OpDelete, Key: "k"}, []string{"DEL", "k"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := tt.cmd.Args(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, got)
			}
		})
	}
}

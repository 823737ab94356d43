package command

import (
	"strconv"
	"time"

	"github.com/i-melnichenko/kvx/internal/kv"
)

// Default returns the table of every command served by a node.
func Default() *Table {
	t, err := NewTable(
		Spec{Name: "prepend", Arity: 3, Flags: FlagWrite | FlagDenyOOM, Handler: Prepend},
		Spec{Name: "getsetex", Arity: 4, Flags: FlagWrite | FlagDenyOOM, Handler: GetSetEx},
		Spec{Name: "getex", Arity: 3, Flags: FlagWrite, Handler: GetEx},
		Spec{Name: "getdel", Arity: 2, Flags: FlagWrite, Handler: GetDel},
		Spec{Name: "incrbyex", Arity: 4, Flags: FlagWrite, Handler: IncrByEx},
		Spec{Name: "happend", Arity: 4, Flags: FlagWrite, Handler: HAppend},
		Spec{Name: "get", Arity: 2, Flags: FlagReadOnly, Handler: Get},
		Spec{Name: "hget", Arity: 3, Flags: FlagReadOnly, Handler: HGet},
		Spec{Name: "pttl", Arity: 2, Flags: FlagReadOnly, Handler: PTTL},
	)
	if err != nil {
		panic(err)
	}
	return t
}

// Prepend implements PREPEND key value: value is placed in front of the
// current scalar (absent reads as empty) and the new length is returned.
// The write replaces the value wholesale, so an existing TTL is cleared.
func Prepend(env Env, args *Args) (Reply, error) {
	key, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	value, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}

	k := env.Store.OpenWrite(key)
	defer k.Close()

	cur, err := k.Read()
	if err != nil {
		return Reply{}, err
	}
	next := value + cur
	if err := k.Write(next); err != nil {
		return Reply{}, err
	}

	env.Emitter.Propagate(kv.Command{Op: kv.OpSet, Key: key, Value: next})
	return Int(int64(len(next))), nil
}

// GetSetEx implements GETSETEX key value seconds: the value and its TTL are
// replaced together and the previous value (or nil) is returned.
func GetSetEx(env Env, args *Args) (Reply, error) {
	key, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	value, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	ttl, err := args.NextTTL()
	if err != nil {
		return Reply{}, err
	}

	k := env.Store.OpenWrite(key)
	defer k.Close()

	res := Nil()
	if !k.IsEmpty() {
		old, err := k.Read()
		if err != nil {
			return Reply{}, err
		}
		res = Bulk(old)
	}

	at := expireAt(env, ttl)
	if err := k.WriteWithExpire(value, at); err != nil {
		return Reply{}, err
	}

	env.Emitter.Propagate(kv.Command{Op: kv.OpSet, Key: key, Value: value, ExpireAt: at.UnixMilli()})
	return res, nil
}

// GetEx implements GETEX key seconds. An absent key is left untouched and
// nothing is replicated; a present key gets the new TTL and its value is
// returned.
func GetEx(env Env, args *Args) (Reply, error) {
	key, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	ttl, err := args.NextTTL()
	if err != nil {
		return Reply{}, err
	}

	k := env.Store.OpenWrite(key)
	defer k.Close()

	if k.IsEmpty() {
		return Nil(), nil
	}
	v, err := k.Read()
	if err != nil {
		return Reply{}, err
	}
	at := expireAt(env, ttl)
	if err := k.ExpireAt(at); err != nil {
		return Reply{}, err
	}

	env.Emitter.Propagate(kv.Command{Op: kv.OpExpireAt, Key: key, ExpireAt: at.UnixMilli()})
	return Bulk(v), nil
}

// GetDel implements GETDEL key: returns the value and removes the key.
func GetDel(env Env, args *Args) (Reply, error) {
	key, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}

	k := env.Store.OpenWrite(key)
	defer k.Close()

	if k.IsEmpty() {
		return Nil(), nil
	}
	v, err := k.Read()
	if err != nil {
		return Reply{}, err
	}
	if err := k.Delete(); err != nil {
		return Reply{}, err
	}

	env.Emitter.Propagate(kv.Command{Op: kv.OpDelete, Key: key})
	return Bulk(v), nil
}

// IncrByEx implements INCRBYEX key increment seconds. An absent key counts
// as zero. The new value and the TTL are stored as one update and replicated
// as one SET with an absolute expiration.
func IncrByEx(env Env, args *Args) (Reply, error) {
	key, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	incr, err := args.NextInt64()
	if err != nil {
		return Reply{}, err
	}
	ttl, err := args.NextTTL()
	if err != nil {
		return Reply{}, err
	}

	k := env.Store.OpenWrite(key)
	defer k.Close()

	cur, err := k.Read()
	if err != nil {
		return Reply{}, err
	}
	var n int64
	if !k.IsEmpty() {
		if n, err = parseInt64(cur); err != nil {
			return Reply{}, err
		}
	}
	sum, err := addInt64(n, incr)
	if err != nil {
		return Reply{}, err
	}

	value := strconv.FormatInt(sum, 10)
	at := expireAt(env, ttl)
	if err := k.WriteWithExpire(value, at); err != nil {
		return Reply{}, err
	}

	env.Emitter.Propagate(kv.Command{Op: kv.OpSet, Key: key, Value: value, ExpireAt: at.UnixMilli()})
	return Int(sum), nil
}

// HAppend implements HAPPEND key field value: value is appended to the hash
// field (absent reads as empty) and the new field length is returned.
func HAppend(env Env, args *Args) (Reply, error) {
	key, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	field, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	value, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}

	k := env.Store.OpenWrite(key)
	defer k.Close()

	cur, _, err := k.HashGet(field)
	if err != nil {
		return Reply{}, err
	}
	next := cur + value
	if err := k.HashSet(field, next); err != nil {
		return Reply{}, err
	}

	env.Emitter.Propagate(kv.Command{Op: kv.OpHashSet, Key: key, Field: field, Value: next})
	return Int(int64(len(next))), nil
}

// Get implements GET key.
func Get(env Env, args *Args) (Reply, error) {
	key, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	v, ok, err := env.Store.Get(key)
	if err != nil {
		return Reply{}, err
	}
	if !ok {
		return Nil(), nil
	}
	return Bulk(v), nil
}

// HGet implements HGET key field.
func HGet(env Env, args *Args) (Reply, error) {
	key, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	field, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	v, ok, err := env.Store.HashGet(key, field)
	if err != nil {
		return Reply{}, err
	}
	if !ok {
		return Nil(), nil
	}
	return Bulk(v), nil
}

// PTTL implements PTTL key: -2 when absent, -1 without expiration, otherwise
// the remaining milliseconds.
func PTTL(env Env, args *Args) (Reply, error) {
	key, err := args.NextString()
	if err != nil {
		return Reply{}, err
	}
	ttl, exists, hasTTL := env.Store.TTL(key)
	switch {
	case !exists:
		return Int(-2), nil
	case !hasTTL:
		return Int(-1), nil
	}
	if ttl < 0 {
		ttl = 0
	}
	return Int(ttl.Milliseconds()), nil
}

func expireAt(env Env, ttl time.Duration) time.Time {
	return time.UnixMilli(env.Store.Now().Add(ttl).UnixMilli())
}

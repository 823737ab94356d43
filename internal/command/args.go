package command

import (
	"math"
	"strconv"
	"time"
)

// maxTTLSeconds keeps now+ttl representable as a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// Args reads positional arguments in order. Running out of arguments is an
// arity error, which is how commands called with too few arguments fail.
type Args struct {
	argv []string
	pos  int
}

func newArgs(argv []string) *Args {
	return &Args{argv: argv}
}

// Len returns the number of arguments not yet consumed.
func (a *Args) Len() int { return len(a.argv) - a.pos }

// NextString consumes the next argument.
func (a *Args) NextString() (string, error) {
	if a.pos >= len(a.argv) {
		return "", ErrWrongArity
	}
	v := a.argv[a.pos]
	a.pos++
	return v, nil
}

// NextInt64 consumes the next argument as a strictly formatted integer.
func (a *Args) NextInt64() (int64, error) {
	s, err := a.NextString()
	if err != nil {
		return 0, err
	}
	return parseInt64(s)
}

// NextTTL consumes the next argument as a whole number of seconds.
func (a *Args) NextTTL() (time.Duration, error) {
	s, err := a.NextString()
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	if secs > uint64(maxTTLSeconds) {
		return 0, ErrInvalidExpire
	}
	return time.Duration(secs) * time.Second, nil
}

// parseInt64 accepts the canonical decimal form only: no sign other than a
// leading '-', no leading zeros, no surrounding space.
func parseInt64(s string) (int64, error) {
	if s == "0" {
		return 0, nil
	}
	digits := s
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
	}
	if digits == "" || digits[0] < '1' || digits[0] > '9' {
		return 0, ErrNotInteger
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}

func addInt64(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

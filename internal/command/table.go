// Package command implements the per-key operation handlers and the
// dispatch table that routes a command vector to them.
package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/i-melnichenko/kvx/internal/kv"
)

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

// Emitter receives the resolved log entry of every successful mutation.
// Handlers call it while they still hold the key, so per-key entry order
// matches execution order.
type Emitter interface {
	Propagate(cmd kv.Command)
}

// Env is what a handler executes against.
type Env struct {
	Store   *kv.Store
	Emitter Emitter
	// ReadOnly rejects write commands, as on a replica.
	ReadOnly bool
}

// Flags describe the policies the dispatcher applies before invoking a handler.
type Flags uint8

// Command flags.
const (
	FlagWrite Flags = 1 << iota
	FlagDenyOOM
	FlagReadOnly
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagWrite) {
		parts = append(parts, "write")
	}
	if f.Has(FlagDenyOOM) {
		parts = append(parts, "deny-oom")
	}
	if f.Has(FlagReadOnly) {
		parts = append(parts, "readonly")
	}
	return strings.Join(parts, " ")
}

// HandlerFunc executes one command. args excludes the command name.
type HandlerFunc func(env Env, args *Args) (Reply, error)

// Spec registers one command.
type Spec struct {
	Name string
	// Arity is the largest accepted argument count, command name included.
	// Missing arguments are caught while the handler parses them.
	Arity   int
	Flags   Flags
	Handler HandlerFunc
}

// Table is an immutable dispatch table.
type Table struct {
	specs map[string]Spec
}

// NewTable builds a table from specs. Names are matched case-insensitively.
func NewTable(specs ...Spec) (*Table, error) {
	t := &Table{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		name := strings.ToLower(strings.TrimSpace(s.Name))
		if name == "" {
			return nil, fmt.Errorf("command: empty command name")
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("command: %s: nil handler", name)
		}
		if s.Arity < 1 {
			return nil, fmt.Errorf("command: %s: invalid arity %d", name, s.Arity)
		}
		if _, exists := t.specs[name]; exists {
			return nil, fmt.Errorf("command: duplicate command %q", name)
		}
		s.Name = name
		t.specs[name] = s
	}
	return t, nil
}

// Lookup returns the spec registered under name.
func (t *Table) Lookup(name string) (Spec, bool) {
	s, ok := t.specs[strings.ToLower(name)]
	return s, ok
}

// Specs returns all registered specs sorted by name.
func (t *Table) Specs() []Spec {
	out := make([]Spec, 0, len(t.specs))
	for _, s := range t.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch validates argv against the table and the environment policies,
// then runs the matching handler.
func (t *Table) Dispatch(env Env, argv []string) (Reply, error) {
	if len(argv) == 0 {
		return Reply{}, fmt.Errorf("%w ''", ErrUnknownCommand)
	}
	spec, ok := t.Lookup(argv[0])
	if !ok {
		return Reply{}, fmt.Errorf("%w '%s'", ErrUnknownCommand, argv[0])
	}
	if len(argv) > spec.Arity {
		return Reply{}, fmt.Errorf("%s: %w", spec.Name, ErrWrongArity)
	}
	if spec.Flags.Has(FlagWrite) && env.ReadOnly {
		return Reply{}, ErrReadOnly
	}
	if spec.Flags.Has(FlagDenyOOM) && env.Store.OverMemoryLimit() {
		return Reply{}, ErrOutOfMemory
	}

	reply, err := spec.Handler(env, newArgs(argv[1:]))
	if err != nil {
		return Reply{}, fmt.Errorf("%s: %w", spec.Name, err)
	}
	return reply, nil
}

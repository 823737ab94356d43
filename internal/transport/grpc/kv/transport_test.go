package kvgrpc_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/i-melnichenko/kvx/internal/command"
	"github.com/i-melnichenko/kvx/internal/kv"
	"github.com/i-melnichenko/kvx/internal/replication"
	"github.com/i-melnichenko/kvx/internal/service"
	kvgrpc "github.com/i-melnichenko/kvx/internal/transport/grpc/kv"
	kvpb "github.com/i-melnichenko/kvx/pkg/api/kvv1"
)

const bufSize = 1 << 20 // 1 MB

// network is a set of in-process gRPC servers addressed by name.
type network struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
	servers   []*grpc.Server
}

func newNetwork(t *testing.T) *network {
	t.Helper()
	n := &network{listeners: make(map[string]*bufconn.Listener)}
	t.Cleanup(func() {
		for _, s := range n.servers {
			s.Stop()
		}
	})
	return n
}

func (n *network) serve(name string, handler kvgrpc.Handler) {
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	kvpb.RegisterKVServiceServer(srv, kvgrpc.NewServer(handler))
	go func() { _ = srv.Serve(lis) }()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[name] = lis
	n.servers = append(n.servers, srv)
}

func (n *network) dialOpts() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			n.mu.Lock()
			lis, ok := n.listeners[addr]
			n.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("no listener at %s", addr)
			}
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func (n *network) dial(t *testing.T, name string) *kvgrpc.Client {
	t.Helper()
	c, err := kvgrpc.Dial(target(name), n.dialOpts()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func target(name string) string { return "passthrough:///" + name }

// stubHandler answers every command with a fixed result and records calls.
type stubHandler struct {
	mu      sync.Mutex
	calls   [][]string
	result  service.ExecResult
	err     error
	primary string
}

func (s *stubHandler) Exec(_ context.Context, argv []string) (service.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, argv)
	return s.result, s.err
}

func (s *stubHandler) PrimaryAddr() string { return s.primary }

func (s *stubHandler) setResult(r command.Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = service.ExecResult{Reply: r}
}

func (s *stubHandler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestExec_ReplyKinds(t *testing.T) {
	tests := []struct {
		name  string
		reply command.Reply
	}{
		{"nil", command.Nil()},
		{"integer", command.Int(-42)},
		{"bulk", command.Bulk("hello")},
		{"empty bulk", command.Bulk("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nw := newNetwork(t)
			nw.serve("node", &stubHandler{result: service.ExecResult{Reply: tt.reply, Offset: 7}})
			c := nw.dial(t, "node")

			res, err := c.Exec(context.Background(), "GET", "k")
			require.NoError(t, err)
			require.Equal(t, tt.reply, res.Reply)
			require.Equal(t, int64(7), res.Offset)
		})
	}
}

func TestExec_BinaryArgumentsAndReplies(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test/kvgrpc")
	store := kv.NewStore(tracer)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	primary := replication.NewPrimary("n1", store, replication.NewBacklog(16), logger, tracer, nil)
	svc := service.NewKV(store, command.Default(), service.Config{NodeID: "n1", Primary: primary}, logger, tracer, nil)

	nw := newNetwork(t)
	nw.serve("node", svc)
	c := nw.dial(t, "node")
	ctx := context.Background()

	key, value := "\xffkey", "\xff\xfe\x00ok"
	n, err := c.Prepend(ctx, key, "\xff")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = c.Prepend(ctx, key, "\xff\xfe\x00o")
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	got, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "\xff\xfe\x00o\xff", got)

	stored, ok, err := store.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, got, stored)

	_, err = c.HAppend(ctx, "h", "\x80f", value)
	require.NoError(t, err)
	field, ok, err := c.HGet(ctx, "h", "\x80f")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, field)
}

func TestExec_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		code     codes.Code
	}{
		{"arity", fmt.Errorf("getex: %w", command.ErrWrongArity), command.ErrWrongArity, codes.InvalidArgument},
		{"not integer", fmt.Errorf("incrbyex: %w", command.ErrNotInteger), command.ErrNotInteger, codes.InvalidArgument},
		{"overflow", fmt.Errorf("incrbyex: %w", command.ErrOverflow), command.ErrOverflow, codes.InvalidArgument},
		{"invalid expire", fmt.Errorf("getex: %w", command.ErrInvalidExpire), command.ErrInvalidExpire, codes.InvalidArgument},
		{"unknown", fmt.Errorf("%w 'nope'", command.ErrUnknownCommand), command.ErrUnknownCommand, codes.InvalidArgument},
		{"wrong type", fmt.Errorf("prepend: %w", kv.ErrWrongType), kv.ErrWrongType, codes.FailedPrecondition},
		{"read only", command.ErrReadOnly, command.ErrReadOnly, codes.FailedPrecondition},
		{"oom", command.ErrOutOfMemory, command.ErrOutOfMemory, codes.ResourceExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nw := newNetwork(t)
			nw.serve("node", &stubHandler{err: tt.err, primary: "p:1"})
			c := nw.dial(t, "node")

			_, err := c.Exec(context.Background(), "X")
			require.ErrorIs(t, err, tt.sentinel)

			var cmdErr *kvgrpc.CommandError
			require.True(t, errors.As(err, &cmdErr))
			require.Equal(t, tt.err.Error(), cmdErr.Message)
			require.Equal(t, tt.code, cmdErr.Code)
			if tt.sentinel == command.ErrReadOnly {
				require.Equal(t, "p:1", cmdErr.Primary)
			} else {
				require.Empty(t, cmdErr.Primary)
			}
		})
	}

	t.Run("internal error stays a status", func(t *testing.T) {
		nw := newNetwork(t)
		nw.serve("node", &stubHandler{err: errors.New("boom")})
		c := nw.dial(t, "node")

		_, err := c.Exec(context.Background(), "GET", "k")
		require.Equal(t, codes.Internal, status.Code(err))
		var cmdErr *kvgrpc.CommandError
		require.False(t, errors.As(err, &cmdErr))
	})
}

func TestTypedHelpers_SendArgv(t *testing.T) {
	h := &stubHandler{result: service.ExecResult{Reply: command.Int(3)}}
	nw := newNetwork(t)
	nw.serve("node", h)
	c := nw.dial(t, "node")
	ctx := context.Background()

	_, err := c.Prepend(ctx, "k", "v")
	require.NoError(t, err)
	_, err = c.IncrByEx(ctx, "n", -2, 90*time.Second)
	require.NoError(t, err)
	_, err = c.HAppend(ctx, "h", "f", "x")
	require.NoError(t, err)
	_, err = c.PTTL(ctx, "k")
	require.NoError(t, err)

	h.setResult(command.Bulk("old"))
	v, ok, err := c.GetSetEx(ctx, "k", "new", 1500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "old", v)
	_, _, err = c.GetEx(ctx, "k", 0)
	require.NoError(t, err)

	h.setResult(command.Nil())
	_, ok, err = c.GetDel(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, [][]string{
		{"PREPEND", "k", "v"},
		{"INCRBYEX", "n", "-2", "90"},
		{"HAPPEND", "h", "f", "x"},
		{"PTTL", "k"},
		{"GETSETEX", "k", "new", "1"},
		{"GETEX", "k", "0"},
		{"GETDEL", "k"},
	}, h.calls)
}

func TestTypedHelpers_UnexpectedReply(t *testing.T) {
	nw := newNetwork(t)
	nw.serve("node", &stubHandler{result: service.ExecResult{Reply: command.Bulk("x")}})
	c := nw.dial(t, "node")

	_, err := c.Prepend(context.Background(), "k", "v")
	require.Error(t, err)
}

func TestClusterClient_WritesFollowPrimaryHint(t *testing.T) {
	nw := newNetwork(t)
	replicaA := &stubHandler{err: command.ErrReadOnly, primary: target("primary")}
	replicaB := &stubHandler{err: command.ErrReadOnly, primary: target("primary")}
	primary := &stubHandler{result: service.ExecResult{Reply: command.Int(5), Offset: 1}}
	nw.serve("replica-a", replicaA)
	nw.serve("replica-b", replicaB)
	nw.serve("primary", primary)

	cc, err := kvgrpc.DialCluster([]string{target("replica-a"), target("replica-b"), target("primary")}, nw.dialOpts()...)
	require.NoError(t, err)
	defer cc.Close()

	res, err := cc.Exec(context.Background(), "PREPEND", "k", "hello")
	require.NoError(t, err)
	require.Equal(t, command.Int(5), res.Reply)
	require.Equal(t, 1, primary.callCount())
	// At most one replica is asked before the hint points at the primary.
	require.LessOrEqual(t, replicaA.callCount()+replicaB.callCount(), 1)

	for i := 0; i < 5; i++ {
		_, err := cc.Exec(context.Background(), "incrbyex", "n", "1", "10")
		require.NoError(t, err)
	}
	require.Equal(t, 6, primary.callCount())
	require.LessOrEqual(t, replicaA.callCount()+replicaB.callCount(), 1)
}

func TestClusterClient_CommandErrorIsFinal(t *testing.T) {
	nw := newNetwork(t)
	primary := &stubHandler{err: fmt.Errorf("prepend: %w", kv.ErrWrongType)}
	nw.serve("primary", primary)
	nw.serve("other", &stubHandler{err: fmt.Errorf("prepend: %w", kv.ErrWrongType)})

	cc, err := kvgrpc.DialCluster([]string{target("primary"), target("other")}, nw.dialOpts()...)
	require.NoError(t, err)
	defer cc.Close()

	_, err = cc.Exec(context.Background(), "PREPEND", "h", "x")
	require.ErrorIs(t, err, kv.ErrWrongType)
}

func TestClusterClient_NoPrimary(t *testing.T) {
	nw := newNetwork(t)
	nw.serve("a", &stubHandler{err: command.ErrReadOnly})
	nw.serve("b", &stubHandler{err: command.ErrReadOnly})

	cc, err := kvgrpc.DialCluster([]string{target("a"), target("b")}, nw.dialOpts()...)
	require.NoError(t, err)
	defer cc.Close()

	_, err = cc.Exec(context.Background(), "GETDEL", "k")
	require.ErrorIs(t, err, kvgrpc.ErrNoPrimary)
}

func TestClusterClient_ReadsSkipDownNodes(t *testing.T) {
	nw := newNetwork(t)
	nw.serve("up", &stubHandler{result: service.ExecResult{Reply: command.Bulk("v")}})

	cc, err := kvgrpc.DialCluster([]string{target("down"), target("up")}, nw.dialOpts()...)
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := cc.Exec(ctx, "GET", "k")
	require.NoError(t, err)
	require.Equal(t, command.Bulk("v"), res.Reply)
}

func TestDialCluster_NoAddresses(t *testing.T) {
	_, err := kvgrpc.DialCluster(nil)
	require.Error(t, err)
}

// Package kvgrpc contains the KV gRPC client and server adapters.
package kvgrpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/kvx/internal/command"
	kvpb "github.com/i-melnichenko/kvx/pkg/api/kvv1"
)

// ErrNoPrimary is returned by ClusterClient when no node in the cluster
// accepted a write, either because every node is a replica or because the
// primary is down.
var ErrNoPrimary = errors.New("kv: no primary found in cluster")

// CommandError is a command failure reported by a node. It unwraps to the
// matching sentinel error, so errors.Is(err, command.ErrWrongType) and
// friends work on the client side.
type CommandError struct {
	Code    codes.Code
	Reason  string
	Message string
	// Primary is the primary address a replica suggested on READONLY.
	Primary string

	err error
}

func (e *CommandError) Error() string { return e.Message }

func (e *CommandError) Unwrap() error { return e.err }

// Result is the outcome of one Exec call.
type Result struct {
	Reply  command.Reply
	Offset int64
}

// Client is a thin wrapper around the KVServiceClient.
type Client struct {
	addr   string
	conn   *grpc.ClientConn
	client kvpb.KVServiceClient
}

// Dial connects to a KV gRPC server at target.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("kv client: dial %s: %w", target, err)
	}
	return &Client{
		addr:   target,
		conn:   conn,
		client: kvpb.NewKVServiceClient(conn),
	}, nil
}

// Addr returns the dial target.
func (c *Client) Addr() string { return c.addr }

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Exec sends one command vector, command name first.
func (c *Client) Exec(ctx context.Context, argv ...string) (Result, error) {
	args := make([][]byte, len(argv))
	for i, a := range argv {
		args[i] = []byte(a)
	}
	resp, err := c.client.Exec(ctx, &kvpb.ExecRequest{Args: args})
	if err != nil {
		return Result{}, fromGRPCStatus(err)
	}
	return fromExecResponse(resp), nil
}

// Prepend runs PREPEND and returns the new length.
func (c *Client) Prepend(ctx context.Context, key, value string) (int64, error) {
	return intReply(c.Exec(ctx, "PREPEND", key, value))
}

// GetSetEx runs GETSETEX and returns the previous value.
func (c *Client) GetSetEx(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	return bulkReply(c.Exec(ctx, "GETSETEX", key, value, seconds(ttl)))
}

// GetEx runs GETEX and returns the value whose TTL was reset.
func (c *Client) GetEx(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return bulkReply(c.Exec(ctx, "GETEX", key, seconds(ttl)))
}

// GetDel runs GETDEL and returns the removed value.
func (c *Client) GetDel(ctx context.Context, key string) (string, bool, error) {
	return bulkReply(c.Exec(ctx, "GETDEL", key))
}

// IncrByEx runs INCRBYEX and returns the new counter value.
func (c *Client) IncrByEx(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return intReply(c.Exec(ctx, "INCRBYEX", key, strconv.FormatInt(delta, 10), seconds(ttl)))
}

// HAppend runs HAPPEND and returns the new field length.
func (c *Client) HAppend(ctx context.Context, key, field, value string) (int64, error) {
	return intReply(c.Exec(ctx, "HAPPEND", key, field, value))
}

// Get reads a scalar.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	return bulkReply(c.Exec(ctx, "GET", key))
}

// HGet reads a hash field.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	return bulkReply(c.Exec(ctx, "HGET", key, field))
}

// PTTL returns the remaining TTL in milliseconds, -1 for no TTL and -2 for
// an absent key.
func (c *Client) PTTL(ctx context.Context, key string) (int64, error) {
	return intReply(c.Exec(ctx, "PTTL", key))
}

func seconds(ttl time.Duration) string {
	return strconv.FormatInt(int64(ttl/time.Second), 10)
}

func intReply(res Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	if res.Reply.Kind != command.ReplyInt {
		return 0, fmt.Errorf("kv client: unexpected reply %s", res.Reply)
	}
	return res.Reply.Int, nil
}

func bulkReply(res Result, err error) (string, bool, error) {
	if err != nil {
		return "", false, err
	}
	switch res.Reply.Kind {
	case command.ReplyNil:
		return "", false, nil
	case command.ReplyBulk:
		return res.Reply.Str, true, nil
	default:
		return "", false, fmt.Errorf("kv client: unexpected reply %s", res.Reply)
	}
}

func fromExecResponse(resp *kvpb.ExecResponse) Result {
	res := Result{Offset: resp.Offset}
	switch resp.Kind {
	case kvpb.ReplyKind_REPLY_KIND_INTEGER:
		res.Reply = command.Int(resp.Integer)
	case kvpb.ReplyKind_REPLY_KIND_BULK:
		res.Reply = command.Bulk(string(resp.Bulk))
	default:
		res.Reply = command.Nil()
	}
	return res
}

// ClusterClient connects to multiple nodes and routes requests automatically:
//   - reads try nodes in random order and return the first response;
//   - writes go to the primary, found through READONLY hints.
type ClusterClient struct {
	clients []*Client
	table   *command.Table

	mu          sync.RWMutex
	primaryHint int // -1 means unknown
}

// DialCluster connects to all provided addresses and returns a ClusterClient.
// Connections are lazy (gRPC dials on first use), so this succeeds even if
// nodes are temporarily unavailable.
func DialCluster(addrs []string, opts ...grpc.DialOption) (*ClusterClient, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kv cluster client: no addresses provided")
	}
	clients := make([]*Client, 0, len(addrs))
	for _, addr := range addrs {
		c, err := Dial(addr, opts...)
		if err != nil {
			for _, cc := range clients {
				_ = cc.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return &ClusterClient{
		clients:     clients,
		table:       command.Default(),
		primaryHint: -1,
	}, nil
}

// Close closes all underlying node client connections.
func (c *ClusterClient) Close() error {
	var errs []error
	for _, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exec routes argv by the command's flags. Unknown commands are sent to any
// node so the caller still gets the node's error.
func (c *ClusterClient) Exec(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) > 0 {
		if spec, ok := c.table.Lookup(argv[0]); ok && spec.Flags.Has(command.FlagWrite) {
			return c.writeToPrimary(ctx, argv)
		}
	}
	return c.readFromAny(ctx, argv)
}

func (c *ClusterClient) readFromAny(ctx context.Context, argv []string) (Result, error) {
	var lastErr error
	for _, i := range rand.Perm(len(c.clients)) {
		res, err := c.clients[i].Exec(ctx, argv...)
		if err == nil {
			return res, nil
		}
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		lastErr = err
	}
	return Result{}, fmt.Errorf("kv: all %d nodes unavailable: %w", len(c.clients), lastErr)
}

// writeToPrimary tries the hinted primary first, then every other node.
// A READONLY reply that names the primary moves it to the front of the
// remaining attempts.
func (c *ClusterClient) writeToPrimary(ctx context.Context, argv []string) (Result, error) {
	order := c.writeOrder()
	tried := make(map[int]bool, len(order))
	for len(order) > 0 {
		i := order[0]
		order = order[1:]
		if tried[i] {
			continue
		}
		tried[i] = true

		res, err := c.clients[i].Exec(ctx, argv...)
		if err == nil {
			c.setPrimaryHint(i)
			return res, nil
		}
		if errors.Is(err, command.ErrReadOnly) {
			c.clearPrimaryHintIf(i)
			var cmdErr *CommandError
			if errors.As(err, &cmdErr) && cmdErr.Primary != "" {
				if j := c.indexOf(cmdErr.Primary); j >= 0 && !tried[j] {
					order = append([]int{j}, order...)
				}
			}
			continue
		}
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			c.setPrimaryHint(i)
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		// Network or server error, try the next node.
	}
	return Result{}, ErrNoPrimary
}

func (c *ClusterClient) indexOf(addr string) int {
	for i, client := range c.clients {
		if client.Addr() == addr {
			return i
		}
	}
	return -1
}

func (c *ClusterClient) writeOrder() []int {
	n := len(c.clients)
	order := make([]int, 0, n)

	hint := c.getPrimaryHint()
	if hint >= 0 && hint < n {
		order = append(order, hint)
	}

	for _, i := range rand.Perm(n) {
		if i == hint {
			continue
		}
		order = append(order, i)
	}
	return order
}

func (c *ClusterClient) getPrimaryHint() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primaryHint
}

func (c *ClusterClient) setPrimaryHint(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primaryHint = i
}

func (c *ClusterClient) clearPrimaryHintIf(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primaryHint == i {
		c.primaryHint = -1
	}
}

func fromGRPCStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		sentinel := errorOf(info.GetReason())
		if sentinel == nil {
			break
		}
		return &CommandError{
			Code:    st.Code(),
			Reason:  info.GetReason(),
			Message: st.Message(),
			Primary: info.GetMetadata()[metadataPrimary],
			err:     sentinel,
		}
	}
	return err
}

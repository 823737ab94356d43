// Package replgrpc contains the replication gRPC transport adapters.
package replgrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/kvx/internal/replication"
	replpb "github.com/i-melnichenko/kvx/pkg/api/replicationv1"
)

// Client implements replication.Source over a gRPC connection.
type Client struct {
	conn   *grpc.ClientConn
	client replpb.ReplicationServiceClient
	// addr is announced to the primary in every SyncRequest.
	addr string
}

// Dial connects to a primary's replication service. announce is the
// address this replica reports to the primary; it may be empty.
// The connection is established lazily on the first RPC call.
func Dial(target, announce string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("replication client: dial %s: %w", target, err)
	}
	return &Client{
		conn:   conn,
		client: replpb.NewReplicationServiceClient(conn),
		addr:   announce,
	}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Sync opens a replication stream.
func (c *Client) Sync(ctx context.Context, req replication.SyncRequest) (replication.Stream, error) {
	if req.Addr == "" {
		req.Addr = c.addr
	}
	stream, err := c.client.Sync(ctx, syncRequestToPB(req))
	if err != nil {
		return nil, err
	}
	return &syncStream{stream: stream}, nil
}

// Ack reports the replica's applied offset.
func (c *Client) Ack(ctx context.Context, replicaID string, offset int64) error {
	_, err := c.client.Ack(ctx, &replpb.AckRequest{ReplicaId: replicaID, Offset: offset})
	return fromGRPCStatus(err)
}

type syncStream struct {
	stream grpc.ServerStreamingClient[replpb.SyncFrame]
}

func (s *syncStream) Recv() (replication.Frame, error) {
	pb, err := s.stream.Recv()
	if err != nil {
		return replication.Frame{}, fromGRPCStatus(err)
	}
	return frameFromPB(pb)
}

func fromGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", replication.ErrUnknownReplica, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", replication.ErrOffsetTrimmed, st.Message())
	default:
		return err
	}
}

var _ replication.Source = (*Client)(nil)

package kvgrpc

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/kvx/internal/command"
	"github.com/i-melnichenko/kvx/internal/kv"
	"github.com/i-melnichenko/kvx/internal/service"
	kvpb "github.com/i-melnichenko/kvx/pkg/api/kvv1"
)

// errorDomain is the ErrorInfo domain attached to command failures.
const errorDomain = "kvx"

// metadataPrimary carries the primary address on READONLY errors.
const metadataPrimary = "primary"

// Handler is the subset of *service.KV required by the gRPC server.
// *service.KV satisfies this interface.
type Handler interface {
	Exec(ctx context.Context, argv []string) (service.ExecResult, error)
	PrimaryAddr() string
}

// Server implements kvpb.KVServiceServer by delegating to a KV service.
type Server struct {
	kvpb.UnimplementedKVServiceServer
	handler Handler
}

// NewServer creates a KV gRPC server adapter for the provided handler.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// Exec handles a KV Exec RPC.
func (s *Server) Exec(ctx context.Context, req *kvpb.ExecRequest) (*kvpb.ExecResponse, error) {
	argv := make([]string, len(req.Args))
	for i, a := range req.Args {
		argv[i] = string(a)
	}
	res, err := s.handler.Exec(ctx, argv)
	if err != nil {
		return nil, toGRPCStatus(err, s.handler.PrimaryAddr())
	}
	return toExecResponse(res), nil
}

func toExecResponse(res service.ExecResult) *kvpb.ExecResponse {
	out := &kvpb.ExecResponse{Offset: res.Offset}
	switch res.Reply.Kind {
	case command.ReplyInt:
		out.Kind = kvpb.ReplyKind_REPLY_KIND_INTEGER
		out.Integer = res.Reply.Int
	case command.ReplyBulk:
		out.Kind = kvpb.ReplyKind_REPLY_KIND_BULK
		out.Bulk = []byte(res.Reply.Str)
	default:
		out.Kind = kvpb.ReplyKind_REPLY_KIND_NIL
	}
	return out
}

// reasons pairs every sentinel error with its ErrorInfo reason.
var reasons = []struct {
	err    error
	reason string
}{
	{command.ErrWrongArity, "WRONG_ARITY"},
	{command.ErrNotInteger, "NOT_INTEGER"},
	{command.ErrOverflow, "OVERFLOW"},
	{command.ErrInvalidExpire, "INVALID_EXPIRE"},
	{command.ErrUnknownCommand, "UNKNOWN_COMMAND"},
	{command.ErrReadOnly, "READONLY"},
	{command.ErrOutOfMemory, "OOM"},
	{kv.ErrWrongType, "WRONG_TYPE"},
}

func reasonOf(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}

func errorOf(reason string) error {
	for _, r := range reasons {
		if r.reason == reason {
			return r.err
		}
	}
	return nil
}

func codeOf(kind command.ErrorKind) codes.Code {
	switch kind {
	case command.KindArity, command.KindParse, command.KindUnknown:
		return codes.InvalidArgument
	case command.KindType, command.KindReadOnly:
		return codes.FailedPrecondition
	case command.KindResource:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

func toGRPCStatus(err error, primary string) error {
	st := status.New(codeOf(command.KindOf(err)), err.Error())
	reason := reasonOf(err)
	if reason == "" {
		return st.Err()
	}
	info := &errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}
	if errors.Is(err, command.ErrReadOnly) && primary != "" {
		info.Metadata = map[string]string{metadataPrimary: primary}
	}
	detailed, derr := st.WithDetails(info)
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

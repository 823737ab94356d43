package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/i-melnichenko/kvx/internal/replication"
	replgrpc "github.com/i-melnichenko/kvx/internal/transport/grpc/replication"
)

type nopSource struct{}

func (nopSource) Sync(ctx context.Context, _ replication.SyncRequest) (replication.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (nopSource) Ack(context.Context, string, int64) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_RoleAndSourceMustAgree(t *testing.T) {
	primary := DefaultConfig()
	if _, err := New(primary, testLogger(), nopSource{}); err == nil {
		t.Fatal("expected a primary with a replication source to be rejected")
	}

	replica := DefaultConfig()
	replica.ReplicaOf = "primary:7000"
	if _, err := New(replica, testLogger(), nil); err == nil {
		t.Fatal("expected a replica without a replication source to be rejected")
	}
	a, err := New(replica, testLogger(), nopSource{})
	if err != nil {
		t.Fatalf("New(replica): %v", err)
	}
	if a.primary != nil || a.replica == nil {
		t.Fatal("replica config must build a replica only")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BacklogSize = 0
	if _, err := New(cfg, testLogger(), nil); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.JournalPath = filepath.Join(t.TempDir(), "journal.db")

	a, err := New(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServe_StopsWithOpenReplicaStream(t *testing.T) {
	a, err := New(DefaultConfig(), testLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Close() }()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, lis, nil, nil, nil, nil) }()

	client, err := replgrpc.Dial(lis.Addr().String(), "r1:7000", grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = client.Close() }()

	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	stream, err := client.Sync(streamCtx, replication.SyncRequest{ReplicaID: "r1", Offset: 0})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first frame: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return while a replica stream was open")
	}
}

func TestHandleHealth(t *testing.T) {
	primary, err := New(DefaultConfig(), testLogger(), nil)
	if err != nil {
		t.Fatalf("New(primary): %v", err)
	}
	rec := httptest.NewRecorder()
	primary.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("primary status = %d, want 200", rec.Code)
	}

	cfg := DefaultConfig()
	cfg.NodeID = "replica-1"
	cfg.ReplicaOf = "primary:7000"
	replica, err := New(cfg, testLogger(), nopSource{})
	if err != nil {
		t.Fatalf("New(replica): %v", err)
	}
	rec = httptest.NewRecorder()
	replica.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("replica status = %d, want 503 before the link is up", rec.Code)
	}
}

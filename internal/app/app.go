// Package app wires the store, replication, and transports together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/i-melnichenko/kvx/internal/command"
	"github.com/i-melnichenko/kvx/internal/kv"
	"github.com/i-melnichenko/kvx/internal/observability/metrics"
	"github.com/i-melnichenko/kvx/internal/replication"
	"github.com/i-melnichenko/kvx/internal/service"
	admingrpc "github.com/i-melnichenko/kvx/internal/transport/grpc/admin"
	kvgrpc "github.com/i-melnichenko/kvx/internal/transport/grpc/kv"
	replgrpc "github.com/i-melnichenko/kvx/internal/transport/grpc/replication"
	adminpb "github.com/i-melnichenko/kvx/pkg/api/adminv1"
	kvpb "github.com/i-melnichenko/kvx/pkg/api/kvv1"
	replpb "github.com/i-melnichenko/kvx/pkg/api/replicationv1"
)

const tracerName = "github.com/i-melnichenko/kvx"

const grpcStopTimeout = 5 * time.Second

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// App wires the store, the replication role, and the gRPC services into a
// runnable node. The replication Source of a replica is injected; App does
// not dial other nodes.
type App struct {
	config  Config
	logger  Logger
	metrics *metrics.Prometheus

	store   *kv.Store
	backlog *replication.Backlog
	primary *replication.Primary
	replica *replication.Replica
	journal *replication.Journal
	kv      *service.KV
}

// New validates the configuration and builds the node. source must be set
// when cfg describes a replica and nil otherwise.
func New(cfg Config, logger Logger, source replication.Source) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if cfg.IsReplica() && source == nil {
		return nil, fmt.Errorf("app: replica requires a replication source")
	}
	if !cfg.IsReplica() && source != nil {
		return nil, fmt.Errorf("app: replication source given to a primary")
	}

	prom, err := metrics.NewPrometheus(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	tracer := otel.Tracer(tracerName)

	a := &App{config: cfg, logger: logger, metrics: prom}
	a.store = kv.NewStore(tracer, kv.WithMaxMemory(cfg.MaxMemory))

	svcCfg := service.Config{NodeID: cfg.NodeID}
	if cfg.IsReplica() {
		a.replica = replication.NewReplica(cfg.NodeID, cfg.ReplicaOf, a.store, source,
			replication.DefaultReplicaConfig(), logger, tracer, prom)
		svcCfg.Replica = a.replica
		svcCfg.PrimaryAddr = cfg.ReplicaOf
	} else {
		a.backlog = replication.NewBacklog(cfg.BacklogSize)
		a.primary = replication.NewPrimary(cfg.NodeID, a.store, a.backlog, logger, tracer, prom)
		svcCfg.Primary = a.primary
		if cfg.JournalPath != "" {
			a.journal, err = replication.OpenJournal(cfg.JournalPath, cfg.NodeID, cfg.JournalCompactEvery, logger, tracer, prom)
			if err != nil {
				return nil, err
			}
			svcCfg.Journal = a.journal
			svcCfg.JournalPath = cfg.JournalPath
		}
	}
	a.kv = service.NewKV(a.store, command.Default(), svcCfg, logger, tracer, prom)
	return a, nil
}

// Close releases local resources. It is safe to call after Run returns.
func (a *App) Close() error {
	if a.journal != nil {
		return a.journal.Close()
	}
	return nil
}

// Run restores local state, starts every server and background loop, and
// blocks until ctx is canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	if err := a.restore(ctx); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", a.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", a.config.GRPCAddr, err)
	}
	defer func() { _ = lis.Close() }()

	metricsSrv, metricsLis, err := a.metricsServer()
	if err != nil {
		return err
	}
	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		if metricsLis != nil {
			_ = metricsLis.Close()
		}
		return err
	}

	role := "primary"
	if a.config.IsReplica() {
		role = "replica"
	}
	a.logger.Info(
		"node started",
		"node_id", a.config.NodeID,
		"role", role,
		"grpc_addr", a.config.GRPCAddr,
		"replica_of", a.config.ReplicaOf,
		"max_memory", humanize.IBytes(uint64(a.config.MaxMemory)),
		"backlog_size", a.config.BacklogSize,
		"journal", a.config.JournalPath,
	)

	return a.serve(ctx, lis, metricsSrv, metricsLis, pprofSrv, pprofLis)
}

// restore loads the journal into the store and positions the backlog after
// the last journaled entry.
func (a *App) restore(ctx context.Context) error {
	if a.journal == nil {
		return nil
	}
	offset, err := a.journal.Restore(ctx, a.store)
	if err != nil {
		return fmt.Errorf("restore journal: %w", err)
	}
	a.backlog.Reset(offset)
	a.logger.Info(
		"journal restored",
		"path", a.config.JournalPath,
		"offset", offset,
		"keys", a.store.Len(),
		"used_memory", humanize.IBytes(uint64(a.store.UsedMemory())),
	)
	return nil
}

// grpcServer builds the node's gRPC server. Replica streams end once stop is
// done, since they otherwise only return when the replica disconnects.
func (a *App) grpcServer(stop context.Context) *grpc.Server {
	server := grpc.NewServer()
	kvpb.RegisterKVServiceServer(server, kvgrpc.NewServer(a.kv))
	adminpb.RegisterAdminServiceServer(server, admingrpc.NewServer(a.kv))
	if a.primary != nil {
		handler := stoppableSync{Handler: a.primary, stop: stop}
		replpb.RegisterReplicationServiceServer(server, replgrpc.NewServer(handler, otel.Tracer(tracerName)))
	}
	return server
}

type stoppableSync struct {
	replgrpc.Handler
	stop context.Context
}

func (h stoppableSync) Sync(ctx context.Context, req replication.SyncRequest, send func(replication.Frame) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := context.AfterFunc(h.stop, cancel)
	defer unregister()
	return h.Handler.Sync(ctx, req, send)
}

// stopGRPC drains in-flight calls and forces the server closed once timeout
// elapses.
func stopGRPC(server *grpc.Server, timeout time.Duration, logger Logger) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		logger.Warn("grpc graceful stop timed out, closing connections", "timeout", timeout)
		server.Stop()
		<-done
	}
}

// serve starts goroutines and blocks until ctx is canceled or a fatal error
// occurs.
func (a *App) serve(
	ctx context.Context,
	lis net.Listener,
	metricsSrv *http.Server, metricsLis net.Listener,
	pprofSrv *http.Server, pprofLis net.Listener,
) error {
	g, gctx := errgroup.WithContext(ctx)
	server := a.grpcServer(gctx)

	g.Go(func() error {
		if err := server.Serve(lis); err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
	}
	if pprofSrv != nil {
		g.Go(func() error {
			if err := pprofSrv.Serve(pprofLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("pprof serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		a.store.RunExpirer(gctx, a.config.ExpireInterval, func(removed int) {
			if removed > 0 {
				a.logger.Debug("expired keys removed", "count", removed)
			}
			a.kv.RecordStoreStats()
		})
		return nil
	})
	if a.replica != nil {
		g.Go(func() error {
			return a.replica.Run(gctx)
		})
	}
	if a.journal != nil {
		g.Go(func() error {
			if err := a.journal.Run(gctx, a.backlog, a.store); err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		stopGRPC(server, grpcStopTimeout, a.logger)
		shutdownHTTPServer(metricsSrv, a.logger, "metrics server")
		shutdownHTTPServer(pprofSrv, a.logger, "pprof server")
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

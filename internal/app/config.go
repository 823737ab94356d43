package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config contains runtime settings for a node process.
type Config struct {
	NodeID   string
	LogLevel string

	GRPCAddr string
	// AdvertiseAddr is the address other processes use to reach this node.
	// Replicas announce it to their primary. Defaults to GRPCAddr.
	AdvertiseAddr string

	MetricsAddr string
	PprofAddr   string

	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string

	// ReplicaOf is the primary's gRPC address. Empty means this node is
	// a primary.
	ReplicaOf string

	// MaxMemory is the deny-oom threshold in bytes. Zero disables it.
	MaxMemory int64
	// BacklogSize is the number of recent entries kept for partial resync.
	BacklogSize int

	// JournalPath enables the sqlite journal on a primary.
	JournalPath string
	// JournalCompactEvery rewrites the journal after this many entries.
	JournalCompactEvery int

	// ExpireInterval is the period of the background expiration sweep.
	ExpireInterval time.Duration
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:              "node-1",
		LogLevel:            "info",
		GRPCAddr:            ":7000",
		TracingServiceName:  "kvx",
		BacklogSize:         1 << 16,
		JournalCompactEvery: 10000,
		ExpireInterval:      100 * time.Millisecond,
	}
}

// IsReplica reports whether the node follows a primary.
func (c Config) IsReplica() bool { return c.ReplicaOf != "" }

// Advertise returns AdvertiseAddr, falling back to GRPCAddr.
func (c Config) Advertise() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return c.GRPCAddr
}

// LoadConfigFromEnv loads config from environment variables.
//
// Supported vars:
// - APP_NODE_ID
// - APP_LOG_LEVEL (debug|info|warn|error)
// - APP_GRPC_ADDR
// - APP_ADVERTISE_ADDR
// - APP_METRICS_ADDR (empty = disabled)
// - APP_PPROF_ADDR (empty = disabled)
// - APP_TRACING_ENABLED (bool)
// - APP_TRACING_ENDPOINT (OTLP/gRPC host:port)
// - APP_TRACING_SERVICE_NAME
// - APP_REPLICA_OF (primary address; empty = primary)
// - APP_MAX_MEMORY (bytes or human size such as 64MiB, 0 = unlimited)
// - APP_BACKLOG_SIZE (entries)
// - APP_JOURNAL_PATH (sqlite file; empty = no journal)
// - APP_JOURNAL_COMPACT_EVERY (entries)
// - APP_EXPIRE_INTERVAL (duration such as 100ms)
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("APP_NODE_ID")); v != "" {
		cfg.NodeID = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_GRPC_ADDR")); v != "" {
		cfg.GRPCAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_ADVERTISE_ADDR")); v != "" {
		cfg.AdvertiseAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_PPROF_ADDR")); v != "" {
		cfg.PprofAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_TRACING_ENABLED %q: %w", v, err)
		}
		cfg.TracingEnabled = b
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_ENDPOINT")); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_SERVICE_NAME")); v != "" {
		cfg.TracingServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_REPLICA_OF")); v != "" {
		cfg.ReplicaOf = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_MAX_MEMORY")); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_MAX_MEMORY %q: %w", v, err)
		}
		if n > uint64(1<<62) {
			return Config{}, fmt.Errorf("app: APP_MAX_MEMORY %q is too large", v)
		}
		cfg.MaxMemory = int64(n)
	}
	if v := strings.TrimSpace(os.Getenv("APP_BACKLOG_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_BACKLOG_SIZE %q: %w", v, err)
		}
		cfg.BacklogSize = n
	}
	if v := strings.TrimSpace(os.Getenv("APP_JOURNAL_PATH")); v != "" {
		cfg.JournalPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_JOURNAL_COMPACT_EVERY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_JOURNAL_COMPACT_EVERY %q: %w", v, err)
		}
		cfg.JournalCompactEvery = n
	}
	if v := strings.TrimSpace(os.Getenv("APP_EXPIRE_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_EXPIRE_INTERVAL %q: %w", v, err)
		}
		cfg.ExpireInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("app: node id is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.GRPCAddr) == "" {
		return fmt.Errorf("app: grpc addr is required")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	if c.MaxMemory < 0 {
		return fmt.Errorf("app: max memory must not be negative")
	}
	if c.BacklogSize < 1 {
		return fmt.Errorf("app: backlog size must be positive, got %d", c.BacklogSize)
	}
	if c.JournalPath != "" {
		if c.IsReplica() {
			return fmt.Errorf("app: journal is only supported on a primary")
		}
		if c.JournalCompactEvery < 1 {
			return fmt.Errorf("app: journal compact threshold must be positive, got %d", c.JournalCompactEvery)
		}
	}
	if c.ExpireInterval <= 0 {
		return fmt.Errorf("app: expire interval must be positive")
	}
	return nil
}

// Package main implements the CLI client for the replicated KV service.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	kvgrpc "github.com/i-melnichenko/kvx/internal/transport/grpc/kv"
)

const usage = `Usage:
  client [--addr host:port[,host:port,...]] exec <COMMAND> [arg ...]
  client [--addr host:port[,host:port,...]] exec-batch [--in <file|->]
  client [--addr host:port[,host:port,...]] admin

Commands:
  PREPEND key value              GETSETEX key seconds value
  GETEX key [seconds]            GETDEL key
  INCRBYEX key delta seconds     HAPPEND key field value
  GET key                        HGET key field
  PTTL key

When multiple addresses are provided:
  - write commands find the primary automatically (READONLY hints)
  - read commands use a random node
  - exec-batch runs many commands with one long-lived client (TSV: one argv per line)
  - admin polls each admin gRPC endpoint and renders a live table

Flags:
  --addr     Comma-separated gRPC addresses
  --timeout  Request timeout (default 5s)
`

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "localhost:7000", "comma-separated gRPC addresses")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = func() { _, _ = fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("subcommand required: exec | exec-batch | admin")
	}

	addrs := splitAddrs(*addr)

	switch args[0] {
	case "exec":
		if len(args) < 2 {
			return fmt.Errorf("usage: exec <COMMAND> [arg ...]")
		}
		client, err := kvgrpc.DialCluster(addrs, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		return cmdExec(ctx, client, args[1:])

	case "exec-batch":
		fs := flag.NewFlagSet("exec-batch", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		inPath := fs.String("in", "-", "TSV input path (COMMAND<TAB>arg...), use - for stdin")
		if err := fs.Parse(args[1:]); err != nil {
			return fmt.Errorf("usage: exec-batch [--in <file|->]")
		}
		if fs.NArg() != 0 {
			return fmt.Errorf("usage: exec-batch [--in <file|->]")
		}
		client, err := kvgrpc.DialCluster(addrs, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		return cmdExecBatch(client, *timeout, *inPath)

	case "admin":
		if len(args) != 1 {
			return fmt.Errorf("usage: admin")
		}
		return cmdAdmin(addrs, *timeout)

	default:
		flag.Usage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func cmdExec(ctx context.Context, c *kvgrpc.ClusterClient, argv []string) error {
	res, err := c.Exec(ctx, argv...)
	if errors.Is(err, kvgrpc.ErrNoPrimary) {
		return fmt.Errorf("no primary available, cluster may be degraded")
	}
	if err != nil {
		return describeErr(err)
	}
	fmt.Println(res.Reply.String())
	return nil
}

// cmdExecBatch prints one TSV line per input command:
// status, sequence, latency in microseconds, offset, reply or error.
func cmdExecBatch(c *kvgrpc.ClusterClient, timeout time.Duration, inPath string) error {
	var (
		r   io.Reader = os.Stdin
		f   *os.File
		err error
	)
	if inPath != "-" {
		// #nosec G304 -- CLI intentionally reads a user-provided local input file.
		f, err = os.Open(inPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	scanner := bufio.NewScanner(r)
	seq := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		seq++
		argv := strings.Split(line, "\t")
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		res, execErr := c.Exec(ctx, argv...)
		cancel()
		us := time.Since(start).Microseconds()

		switch {
		case execErr == nil:
			fmt.Printf("ok\t%d\t%d\t%d\t%s\n", seq, us, res.Offset, res.Reply.String())
		case errors.Is(execErr, context.DeadlineExceeded), status.Code(execErr) == codes.DeadlineExceeded:
			fmt.Printf("timeout\t%d\t%d\t0\t%s\n", seq, us, oneLineErr(execErr))
		default:
			fmt.Printf("err\t%d\t%d\t0\t%s\n", seq, us, oneLineErr(describeErr(execErr)))
		}
	}
	return scanner.Err()
}

// describeErr prefixes command errors with their reason, like
// "WRONG_TYPE: ...".
func describeErr(err error) error {
	var cmdErr *kvgrpc.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Reason != "" {
		return fmt.Errorf("%s: %w", cmdErr.Reason, err)
	}
	return err
}

func oneLineErr(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

func splitAddrs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

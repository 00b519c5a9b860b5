package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanpama/gqlcache/internal/cache"
	"github.com/hanpama/gqlcache/internal/eventbus"
	"github.com/hanpama/gqlcache/internal/logging"
	"github.com/hanpama/gqlcache/internal/metrics/prom"
	"github.com/hanpama/gqlcache/internal/otel"
	"github.com/hanpama/gqlcache/internal/persist"
	"github.com/hanpama/gqlcache/internal/scenario"
	"github.com/hanpama/gqlcache/internal/snapshotlog"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gqlcache",
		Short:         "Normalized GraphQL cache tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newReplayCommand(), newValidateCommand())
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Check scenario files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				if _, err := scenario.Load(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			}
			return nil
		},
	}
}

type replayOptions struct {
	otelEndpoint string
	otelService  string
	metricsOut   string
	snapshotsOut string
	snapshotMax  int
	persistFile  string
	redisAddr    string
	redisKey     string
	redisTTL     time.Duration
	restore      bool
	dev          bool
	events       bool
}

func newReplayCommand() *cobra.Command {
	o := replayOptions{otelService: "gqlcache"}
	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Run a scenario against a fresh cache and check its expectations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&o.otelEndpoint, "otel.endpoint", o.otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&o.otelService, "otel.service", o.otelService, "OpenTelemetry service name")
	fs.StringVar(&o.metricsOut, "metrics.out", o.metricsOut, "Write Prometheus metrics in text format to this file")
	fs.StringVar(&o.snapshotsOut, "snapshots.out", o.snapshotsOut, "Write the snapshot log as JSON to this file (- for stdout)")
	fs.IntVar(&o.snapshotMax, "snapshots.limit", o.snapshotMax, "Keep at most this many snapshots (0 keeps all)")
	fs.BoolVar(&o.events, "snapshots.events", o.events, "Also snapshot after every cache write, eviction and collection")
	fs.StringVar(&o.persistFile, "persist.file", o.persistFile, "Persist the cache to this file after every change")
	fs.StringVar(&o.redisAddr, "persist.redis-addr", o.redisAddr, "Persist the cache to Redis at this address")
	fs.StringVar(&o.redisKey, "persist.redis-key", persist.DefaultRedisKey, "Redis key holding the snapshot")
	fs.DurationVar(&o.redisTTL, "persist.redis-ttl", o.redisTTL, "Expiry of the Redis snapshot (0 keeps it)")
	fs.BoolVar(&o.restore, "persist.restore", o.restore, "Restore the persisted snapshot before replaying")
	fs.BoolVar(&o.dev, "dev", o.dev, "Human-readable debug logging")
	cmd.MarkFlagsMutuallyExclusive("persist.file", "persist.redis-addr")
	return cmd
}

func (o *replayOptions) run(ctx context.Context, out io.Writer, path string) error {
	sc, err := scenario.Load(path)
	if err != nil {
		return err
	}

	logger, err := logging.New(o.dev)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	bus := eventbus.New()
	detachLog := logging.Attach(bus, logger)
	defer detachLog()

	shutdown, err := otel.Setup(o.otelEndpoint, o.otelService, bus)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	reg := prometheus.NewRegistry()
	metrics := prom.New(reg, "gqlcache", "", prometheus.Labels{"scenario": sc.Name})

	snapshots := snapshotlog.New(snapshotlog.WithLimit(o.snapshotMax))
	runner, err := scenario.NewRunner(sc,
		scenario.WithCacheOptions(cache.WithEventBus(bus), cache.WithMetrics(metrics)),
		scenario.WithSnapshotLog(snapshots),
		scenario.WithLogger(logger.Named("replay")),
	)
	if err != nil {
		return err
	}
	defer runner.Close()

	if o.events {
		detach := snapshots.Attach(bus, runner.Cache())
		defer detach()
	}

	storage, closeStorage := o.storage()
	if storage != nil {
		defer closeStorage()
		p := persist.New(storage, runner.Cache())
		if o.restore {
			ok, err := p.Restore(ctx)
			if err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			logger.Info("restore", zap.Bool("found", ok))
		}
		detach := p.Attach(bus, func(err error) { logger.Warn("persist failed", zap.Error(err)) })
		defer detach()
	}

	results, runErr := runner.Run(ctx)
	printResults(out, results)

	if o.metricsOut != "" {
		if err := prometheus.WriteToTextfile(o.metricsOut, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	if err := o.writeSnapshots(out, snapshots); err != nil {
		return err
	}
	return runErr
}

// storage returns nil when persistence is off.
func (o *replayOptions) storage() (persist.Storage, func()) {
	switch {
	case o.persistFile != "":
		return persist.NewFileStorage(o.persistFile), func() {}
	case o.redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: o.redisAddr})
		return persist.NewRedisStorage(client, o.redisKey, o.redisTTL), func() { _ = client.Close() }
	}
	return nil, nil
}

func (o *replayOptions) writeSnapshots(out io.Writer, snapshots *snapshotlog.Log) error {
	switch o.snapshotsOut {
	case "":
		return nil
	case "-":
		_, err := snapshots.WriteTo(out)
		return err
	}
	f, err := os.Create(o.snapshotsOut)
	if err != nil {
		return err
	}
	if _, err := snapshots.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func printResults(out io.Writer, results []scenario.StepResult) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tACTION\tMESSAGE\tOUTCOME")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Index, r.Action, r.Message, outcome(r))
	}
	_ = tw.Flush()
}

func outcome(r scenario.StepResult) string {
	switch {
	case r.Err != nil:
		return "error: " + r.Err.Error()
	case r.Result != nil && r.Result.Complete:
		if r.FromCache {
			return "complete (cache)"
		}
		return "complete"
	case r.Result != nil:
		return fmt.Sprintf("incomplete, %d missing", len(r.Result.Missing))
	case r.Action == "evict":
		return fmt.Sprintf("removed=%t", r.Removed)
	case r.Action == "gc":
		return fmt.Sprintf("collected %d", len(r.Collected))
	}
	return "ok"
}

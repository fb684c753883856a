// Command anchord runs the anchoring engine as a daemon: it batches pending
// records on a cadence, submits Merkle roots through the chain adapter,
// sweeps failed records for retry, and polls for confirmations.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidygen-community/anchor/pkg/anchor"
	"github.com/tidygen-community/anchor/pkg/archive"
	"github.com/tidygen-community/anchor/pkg/batch"
	"github.com/tidygen-community/anchor/pkg/canonical"
	"github.com/tidygen-community/anchor/pkg/config"
	"github.com/tidygen-community/anchor/pkg/events"
	"github.com/tidygen-community/anchor/pkg/observability"
	"github.com/tidygen-community/anchor/pkg/ratelimit"
	"github.com/tidygen-community/anchor/pkg/record"
	"github.com/tidygen-community/anchor/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "anchord:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if len(os.Args) > 1 && os.Args[1] != "" {
		profiled, err := config.LoadProfile(os.Args[1])
		if err != nil {
			return fmt.Errorf("failed to load profile %s: %w", os.Args[1], err)
		}
		cfg = profiled
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hasher, err := canonical.NewHasher(cfg.HashAlgorithm)
	if err != nil {
		return err
	}

	recordStore, batchStore, err := openStores(cfg)
	if err != nil {
		return err
	}

	adapter, err := newAdapter(cfg, logger)
	if err != nil {
		return err
	}

	payloadArchive, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		return err
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "anchord",
		ServiceVersion: "1.0.0",
		Environment:    os.Getenv("ANCHOR_ENVIRONMENT"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	metrics, err := observability.NewEngineMetrics(obs)
	if err != nil {
		return err
	}

	eventLog := events.NewLog()

	tracker := record.NewTracker(recordStore, adapter, hasher, record.TrackerOptions{
		Events:      eventLog,
		Archive:     payloadArchive,
		Metrics:     metrics,
		Logger:      logger.With("component", "record_tracker"),
		MaxRetries:  cfg.MaxRetries,
		AutoConfirm: cfg.AutoConfirm,
	})
	manager := batch.NewManager(batchStore, adapter, hasher, batch.ManagerOptions{
		Events:      eventLog,
		Metrics:     metrics,
		Logger:      logger.With("component", "batch_manager"),
		BatchSize:   cfg.BatchSize,
		AutoConfirm: cfg.AutoConfirm,
	})

	logger.Info("anchord started",
		"store", cfg.StoreDriver,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"auto_confirm", cfg.AutoConfirm,
		"hash_algorithm", string(cfg.HashAlgorithm))

	runScheduler(ctx, cfg, logger, tracker, manager, batchStore)

	logger.Info("anchord stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openStores builds both store views over the configured backend. The
// memory, sqlite, and postgres stores each implement both contracts over
// the same underlying state.
func openStores(cfg config.Config) (record.Store, batch.Store, error) {
	switch cfg.StoreDriver {
	case "", "memory":
		mem := store.NewMemory()
		return mem, mem, nil
	case "sqlite":
		dsn := cfg.StoreDSN
		if dsn == "" {
			dsn = "anchor.db"
		}
		s, err := store.OpenSQLite(dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "postgres":
		s, err := store.OpenPostgres(cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newAdapter(cfg config.Config, logger *slog.Logger) (anchor.Adapter, error) {
	var inner anchor.Adapter
	if cfg.RelayURL == "" {
		logger.Warn("no relay configured, using in-memory fake adapter")
		inner = anchor.NewFake()
	} else {
		relay, err := anchor.NewRelayClient(cfg.RelayURL, cfg.AdapterTimeout)
		if err != nil {
			return nil, err
		}
		inner = relay
	}

	opts := anchor.DefaultResilientOptions()
	opts.CallTimeout = cfg.AdapterTimeout
	opts.Logger = logger.With("component", "anchor_adapter")

	// Submission rate limiting, shared across replicas when Redis is
	// configured, per-process otherwise.
	if rps := envFloat("ANCHOR_SUBMIT_RPS"); rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		if addr := os.Getenv("ANCHOR_REDIS_ADDR"); addr != "" {
			client := redis.NewClient(&redis.Options{Addr: addr})
			opts.Limiter = ratelimit.NewRedisLimiter(client, "anchord", rps, burst)
		} else {
			opts.Limiter = ratelimit.NewLocalLimiter(rps, burst)
		}
		opts.LimiterKey = "anchor:submit"
	}

	return anchor.NewResilient(inner, opts), nil
}

func envFloat(name string) float64 {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// runScheduler drives the three periodic jobs until the context is
// cancelled: batching, retry sweeping, and confirmation polling.
func runScheduler(ctx context.Context, cfg config.Config, logger *slog.Logger,
	tracker *record.Tracker, manager *batch.Manager, batches batch.Store) {

	batchTicker := time.NewTicker(cfg.BatchTimeout)
	defer batchTicker.Stop()
	retryTicker := time.NewTicker(cfg.BatchTimeout)
	defer retryTicker.Stop()

	var confirmC <-chan time.Time
	if !cfg.AutoConfirm {
		// Without auto-confirm a poller picks up submitted batches.
		confirmTicker := time.NewTicker(cfg.BatchTimeout / 2)
		defer confirmTicker.Stop()
		confirmC = confirmTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-batchTicker.C:
			b, err := manager.Cycle(ctx)
			switch {
			case err == nil:
				logger.Info("batch cycle complete",
					"batch_id", b.ID, "size", b.Size(), "status", string(b.Status))
			case errors.Is(err, batch.ErrEmptyBatch):
				logger.Debug("batch cycle skipped, nothing pending")
			default:
				logger.Error("batch cycle failed", "error", err)
			}

		case <-retryTicker.C:
			n, err := tracker.RetrySweep(ctx, cfg.BatchSize)
			if err != nil {
				logger.Error("retry sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("retry sweep complete", "retried", n)
			}

		case <-confirmC:
			submitted, err := batches.ListBatchesByStatus(ctx, record.StatusSubmitted, 0)
			if err != nil {
				logger.Error("confirmation poll failed", "error", err)
				continue
			}
			for _, b := range submitted {
				if _, err := manager.ConfirmBatch(ctx, b.ID); err != nil {
					logger.Error("batch confirmation failed",
						"batch_id", b.ID, "error", err)
				}
			}
		}
	}
}

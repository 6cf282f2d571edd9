package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/evisions/canvas-ingest/internal/config"
	"github.com/evisions/canvas-ingest/pkg/client"
	"github.com/evisions/canvas-ingest/pkg/loader"
	"github.com/evisions/canvas-ingest/pkg/logging"
	"github.com/evisions/canvas-ingest/pkg/metrics"
	"github.com/evisions/canvas-ingest/pkg/orchestrator"
	"github.com/evisions/canvas-ingest/pkg/ratelimit"
	"github.com/evisions/canvas-ingest/pkg/report"
	"github.com/evisions/canvas-ingest/pkg/retry"
	"github.com/evisions/canvas-ingest/pkg/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one full extraction pass",
	Long: `Run extracts every configured entity and upserts it into its table.

Exit status: 0 when every entity succeeded, 0 with a warning when some
failed (2 with --strict), 1 when all failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Metrics.Addr != "" {
			shutdown := serveMetrics(cfg.Metrics.Addr, logger)
			defer shutdown()
		}

		summary, err := runIngest(ctx, cfg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, err := summary.JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
		} else {
			fmt.Fprint(out, summary.Text())
		}

		if summary.Status == string(orchestrator.StatusPartiallyFailed) {
			logger.Warn().
				Int("failed", summary.Totals.Failed).
				Int("cancelled", summary.Totals.Cancelled).
				Msg("Run partially failed")
		}
		if code := summary.ExitCode(cfg.Load.Strict); code != report.ExitOK {
			return &exitError{code: code}
		}
		return nil
	},
}

func init() {
	flags := runCmd.Flags()
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address during the run (e.g. :9090)")
	flags.Bool("create-tables", false, "create missing destination tables from the entity field mappings")
	flags.Bool("strict", false, "exit 2 when the run partially failed")
	flags.Int("concurrency", 0, "number of entities loaded at once (default from config)")
	flags.Bool("json", false, "print the run summary as JSON")

	v.BindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	v.BindPFlag("load.create_tables", flags.Lookup("create-tables"))
	v.BindPFlag("load.strict", flags.Lookup("strict"))
	v.BindPFlag("load.max_concurrency", flags.Lookup("concurrency"))

	rootCmd.AddCommand(runCmd)
}

// runIngest wires the components from cfg and performs one run.
func runIngest(ctx context.Context, cfg *config.Config) (report.Summary, error) {
	specs, err := cfg.Specs()
	if err != nil {
		return report.Summary{}, err
	}

	// Pre-flight: no extraction starts without a reachable database.
	db, err := store.Open(ctx, cfg.Database, logging.NewLogger("store"))
	if err != nil {
		return report.Summary{}, fmt.Errorf("database pre-flight check: %w", err)
	}
	defer db.Close()

	if cfg.Load.CreateTables {
		for _, s := range specs {
			if err := db.EnsureTable(ctx, s); err != nil {
				return report.Summary{}, err
			}
		}
	}

	budget, closeBudget, err := newBudget(ctx, cfg, logging.NewLogger("ratelimit"))
	if err != nil {
		return report.Summary{}, err
	}
	defer closeBudget()

	canvas, err := client.New(cfg.API.Config, logging.NewLogger("client"))
	if err != nil {
		return report.Summary{}, err
	}

	pages := loader.Paginate(
		canvas,
		budget,
		retry.New("page_fetch", cfg.Retry, logging.NewLogger("retry")),
		cfg.Pagination,
		logging.NewLogger("pagination"),
	)
	l := loader.New(
		db,
		pages,
		retry.New("batch_commit", cfg.CommitRetry, logging.NewLogger("retry")),
		cfg.Load.Config,
		logging.NewLogger("loader"),
	)

	orch := orchestrator.New(l, orchestrator.Config{MaxConcurrency: cfg.Load.MaxConcurrency}, logging.NewLogger("orchestrator"))
	rep, err := orch.Run(ctx, specs)
	if err != nil {
		return report.Summary{}, err
	}

	if rep.Count(loader.StatusSucceeded) > 0 {
		postLoad(ctx, db, cfg.PostLoadSQL, logging.NewLogger("store"))
	}

	return report.Format(rep), nil
}

// newBudget returns the Redis budget when Redis is configured, otherwise an
// in-process one.
func newBudget(ctx context.Context, cfg *config.Config, log zerolog.Logger) (ratelimit.Budget, func(), error) {
	if cfg.Redis.Addr == "" {
		return ratelimit.NewLocalBudget(cfg.RateLimit, log), func() {}, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Using shared Redis rate-limit budget")

	budget := ratelimit.NewRedisBudget(redisClient, cfg.Redis.KeyPrefix, cfg.RateLimit, log)
	return budget, func() { redisClient.Close() }, nil
}

// postLoad runs the maintenance statements. Failures are logged; the data is
// already committed.
func postLoad(ctx context.Context, db *store.SQLStore, statements []string, log zerolog.Logger) {
	for _, stmt := range statements {
		if ctx.Err() != nil {
			log.Warn().Msg("Post-load statements skipped: run cancelled")
			return
		}
		start := time.Now()
		if err := db.Exec(ctx, stmt); err != nil {
			log.Error().Err(err).Str("statement", stmt).Msg("Post-load statement failed")
			continue
		}
		log.Info().Str("statement", stmt).Dur("duration", time.Since(start)).Msg("Post-load statement executed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

// serveMetrics exposes /metrics until the returned shutdown is called.
func serveMetrics(addr string, log zerolog.Logger) func() {
	srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/mart/pkg/logger"
	"github.com/malbeclabs/mart/pkg/pipeline"
	"github.com/malbeclabs/mart/pkg/schema"
	"github.com/malbeclabs/mart/pkg/staging"
	chwarehouse "github.com/malbeclabs/mart/pkg/warehouse/clickhouse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Staging source configuration
	stagingKindFlag := flag.String("staging-kind", "mysql", "Staging source kind: mysql or postgres (or set STAGING_KIND env var)")
	stagingDSNFlag := flag.String("staging-dsn", "", "Staging database DSN (or set STAGING_DSN env var)")
	stagingTableFlag := flag.String("staging-table", "staging_sales", "Staging table to load (or set STAGING_TABLE env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run ClickHouse database migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show ClickHouse database migration status")

	// Run options
	dryRunFlag := flag.Bool("dry-run", false, "Execute the full run without publishing to the warehouse")
	maxConcurrencyFlag := flag.Int("max-concurrency", 4, "Maximum concurrent dimension merges")
	listenFlag := flag.String("listen", "", "Address for the ops HTTP server (/healthz, /metrics); empty disables it")

	flag.Parse()

	// Optional .env for local development.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if envStagingKind := os.Getenv("STAGING_KIND"); envStagingKind != "" {
		*stagingKindFlag = envStagingKind
	}
	if envStagingDSN := os.Getenv("STAGING_DSN"); envStagingDSN != "" {
		*stagingDSNFlag = envStagingDSN
	}
	if envStagingTable := os.Getenv("STAGING_TABLE"); envStagingTable != "" {
		*stagingTableFlag = envStagingTable
	}
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	if *migrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --migrate")
		}
		return chwarehouse.RunMigrations(context.Background(), log, chwarehouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
	}

	if *migrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --migrate-status")
		}
		return chwarehouse.MigrationStatus(context.Background(), log, chwarehouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
	}

	if *stagingDSNFlag == "" {
		return fmt.Errorf("--staging-dsn is required")
	}
	if *clickhouseAddrFlag == "" {
		return fmt.Errorf("--clickhouse-addr is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	source, err := newSource(ctx, log, *stagingKindFlag, *stagingDSNFlag, *stagingTableFlag)
	if err != nil {
		return fmt.Errorf("failed to connect to staging source: %w", err)
	}
	defer source.Close()

	client, err := chwarehouse.NewClient(ctx, log,
		*clickhouseAddrFlag, *clickhouseDatabaseFlag,
		*clickhouseUsernameFlag, *clickhousePasswordFlag,
		*clickhouseSecureFlag)
	if err != nil {
		return fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	wh, err := chwarehouse.New(chwarehouse.Config{
		Logger: log,
		Client: client,
	})
	if err != nil {
		return fmt.Errorf("failed to create warehouse: %w", err)
	}
	defer func() {
		if err := wh.Close(); err != nil {
			log.Warn("failed to close warehouse", "error", err)
		}
	}()

	if *listenFlag != "" {
		startOpsServer(log, *listenFlag)
	}

	p, err := pipeline.New(pipeline.Config{
		Logger:         log,
		Source:         source,
		Warehouse:      wh,
		Registry:       schema.DefaultRegistry(),
		MaxConcurrency: *maxConcurrencyFlag,
		DryRun:         *dryRunFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	report, err := p.Run(ctx)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunLockHeld) {
			log.Warn("another run is in progress, exiting")
			return nil
		}
		return err
	}

	log.Info("done",
		"run_id", report.RunID,
		"source_rows", report.SourceRows,
		"fact_rows", report.FactRows,
		"unresolved_facts", report.UnresolvedFacts,
		"published", report.Published,
	)
	return nil
}

func newSource(ctx context.Context, log *slog.Logger, kind, dsn, table string) (staging.Source, error) {
	switch kind {
	case "mysql":
		return staging.NewMySQLSource(ctx, staging.MySQLConfig{
			Logger: log,
			DSN:    dsn,
			Table:  table,
		})
	case "postgres":
		return staging.NewPostgresSource(ctx, staging.PostgresConfig{
			Logger: log,
			DSN:    dsn,
			Table:  table,
		})
	default:
		return nil, fmt.Errorf("unknown staging kind %q (want mysql or postgres)", kind)
	}
}

func startOpsServer(log *slog.Logger, addr string) {
	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Error("failed to write healthz response", "error", err)
		}
	})
	router.Handle("/metrics", promhttp.Handler())

	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("failed to start ops server listener", "error", err)
			return
		}
		log.Info("ops server listening", "address", listener.Addr().String())
		if err := http.Serve(listener, router); err != nil {
			log.Error("ops server error", "error", err)
		}
	}()
}

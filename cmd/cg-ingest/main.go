package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cgtelemetry/cg-ingest/internal/catalog"
	"github.com/cgtelemetry/cg-ingest/internal/clock"
	"github.com/cgtelemetry/cg-ingest/internal/config"
	"github.com/cgtelemetry/cg-ingest/internal/gpsfilter"
	"github.com/cgtelemetry/cg-ingest/internal/httpapi"
	"github.com/cgtelemetry/cg-ingest/internal/metrics"
	cgmqtt "github.com/cgtelemetry/cg-ingest/internal/mqtt"
	"github.com/cgtelemetry/cg-ingest/internal/retention"
	"github.com/cgtelemetry/cg-ingest/internal/router"
	"github.com/cgtelemetry/cg-ingest/internal/storage/pg"
	"github.com/cgtelemetry/cg-ingest/internal/supervisor"
	"github.com/cgtelemetry/cg-ingest/internal/watchdog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runServe()
	case "migrate":
		runMigrate()
	case "cleanup":
		runCleanup()
	case "health":
		runHealth()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: cg-ingest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run        Start the ingestion service")
	fmt.Println("  migrate    Run database migrations")
	fmt.Println("  cleanup    Run one retention sweep pass and exit")
	fmt.Println("  health     Probe the broker and database and exit 0/1")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Logging.Level = logLevelOverride
	}

	logger := initLogger(cfg.Logging.Level)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting cg-ingest",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pg.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolMax, cfg.Postgres.PoolMin)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	store := pg.NewStore(pool, logger.Named("store"), cfg.EventsPolicy.CompressPayload)

	cat := catalog.New(store, cfg.HistoryPolicy)
	if err := cat.Load(ctx); err != nil {
		logger.Fatal("failed to load register catalog", zap.Error(err))
	}
	logger.Info("register catalog loaded", zap.Int("entries", cat.Len()))

	gpsLatest, err := store.LoadGPSLatestAll(ctx)
	if err != nil {
		logger.Fatal("failed to load gps latest state", zap.Error(err))
	}
	latestState, err := store.LoadLatestStateAll(ctx)
	if err != nil {
		logger.Fatal("failed to load register latest state", zap.Error(err))
	}

	wd := watchdog.New(clock.Real{}, store, cfg.EventsPolicy.RouterOfflineSec, cfg.EventsPolicy.StaleRegisterSec, cfg.EventsPolicy.WatchdogIntervalSec, logger.Named("watchdog"))

	gpsCfg := gpsfilter.Config{
		SatsMin:        cfg.GPSFilter.SatsMin,
		FixMin:         cfg.GPSFilter.FixMin,
		MaxJumpM:       cfg.GPSFilter.MaxJumpM,
		MaxSpeedKmh:    cfg.GPSFilter.MaxSpeedKmh,
		ConfirmPoints:  cfg.GPSFilter.ConfirmPoints,
		ConfirmRadiusM: cfg.GPSFilter.ConfirmRadiusM,
	}

	workerCount := cfg.Ingest.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}
	routers := make([]*router.Router, workerCount)
	for i := 0; i < workerCount; i++ {
		r := router.New(store, cat, gpsCfg, cfg.EventsPolicy, wd, logger.Named("router"))
		r.SeedGPSState(gpsLatest)
		r.SeedHistoryState(time.Now(), latestState)
		routers[i] = r
	}

	client, err := cgmqtt.New(cfg.MQTT, cfg.Ingest.QueueMax, cfg.Ingest.DropOldest, logger.Named("mqtt"))
	if err != nil {
		logger.Fatal("failed to build mqtt client", zap.Error(err))
	}

	sweeper := retention.New(
		store, clock.Real{},
		retention.DefaultHorizons(cfg.Retention.GPSRawHours, cfg.Retention.HistoryDays, cfg.Retention.EventsDays),
		cfg.Retention.BatchSize, cfg.Retention.MaxBatchesPerCycle, cfg.Retention.CleanupIntervalSec,
		logger.Named("retention"),
	)

	sup := supervisor.New(cfg, store, client, wd, sweeper, routers, logger.Named("supervisor"))

	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, store, client, cat, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx, cancel)
		close(supDone)
	}()

	logger.Info("cg-ingest running", zap.Int("workers", workerCount))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	var sig os.Signal
	fatal := false
loop:
	for {
		select {
		case sig = <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, refreshing register catalog")
				if err := cat.Refresh(ctx); err != nil {
					logger.Error("catalog refresh failed", zap.Error(err))
				}
				continue
			}
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			break loop
		case <-supDone:
			fatal = true
			logger.Error("ingest supervisor exited on a fatal persistence error", zap.Error(sup.FatalErr()))
			break loop
		}
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	client.Disconnect(250)

	done := make(chan struct{})
	go func() {
		sup.Wait()
		<-supDone
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	if fatal {
		logger.Info("cg-ingest stopped after fatal error")
		os.Exit(1)
	}
	logger.Info("cg-ingest stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN())))

	ctx := context.Background()
	pool, err := pg.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolMax, cfg.Postgres.PoolMin)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pg.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runCleanup() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running one retention sweep pass",
		zap.Int("gps_raw_hours", cfg.Retention.GPSRawHours),
		zap.Int("history_days", cfg.Retention.HistoryDays),
		zap.Int("events_days", cfg.Retention.EventsDays),
	)

	ctx := context.Background()
	pool, err := pg.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolMax, cfg.Postgres.PoolMin)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	store := pg.NewStore(pool, logger.Named("store"), cfg.EventsPolicy.CompressPayload)
	sweeper := retention.New(
		store, clock.Real{},
		retention.DefaultHorizons(cfg.Retention.GPSRawHours, cfg.Retention.HistoryDays, cfg.Retention.EventsDays),
		cfg.Retention.BatchSize, cfg.Retention.MaxBatchesPerCycle, cfg.Retention.CleanupIntervalSec,
		logger,
	)
	if err := sweeper.RunOnce(ctx); err != nil {
		logger.Fatal("retention sweep failed", zap.Error(err))
	}

	logger.Info("retention sweep complete")
}

func runHealth() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pg.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolMax, cfg.Postgres.PoolMin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pg.Ping(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "postgres ping: %v\n", err)
		os.Exit(1)
	}

	client, err := cgmqtt.New(cfg.MQTT, 1, false, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mqtt client: %v\n", err)
		os.Exit(1)
	}
	if err := client.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mqtt connect: %v\n", err)
		os.Exit(1)
	}
	client.Disconnect(100)

	fmt.Println("ok")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

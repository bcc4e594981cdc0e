// Package app は設定の読み込みと依存関係の組み立てを行い、各起動モードを実行する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/attendance/internal/attendance"
	"github.com/hitoshi/attendance/internal/clock"
	"github.com/hitoshi/attendance/internal/config"
	"github.com/hitoshi/attendance/internal/database"
	"github.com/hitoshi/attendance/internal/geo"
	"github.com/hitoshi/attendance/internal/handler"
	"github.com/hitoshi/attendance/internal/logger"
	"github.com/hitoshi/attendance/internal/metrics"
	"github.com/hitoshi/attendance/internal/middleware"
	"github.com/hitoshi/attendance/internal/offline"
	"github.com/hitoshi/attendance/internal/repository"
	"github.com/hitoshi/attendance/internal/security"
	"github.com/hitoshi/attendance/internal/session"
	"github.com/hitoshi/attendance/internal/worker/cleanup"
	"github.com/hitoshi/attendance/internal/worker/replay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
)

// Init は環境変数から設定を読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// 設定の読み込みに失敗した場合もinfoレベルのロガーは設定済みの状態で返る。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.SlogLevel())
	return cfg, nil
}

// Run はサブコマンドを解析し、対応するモードで起動する。argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck はDB設定なしで動くようにフル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// components はserveとworkerで共有する依存関係。
type components struct {
	attendance *attendance.Service
	queue      *offline.Queue
}

// build はリポジトリからオフラインキューまでを組み立てる。
func build(db *sql.DB, cfg *config.Config, collector metrics.MetricsCollector, log *slog.Logger) *components {
	clk := clock.System{}

	meetings := repository.NewPostgresMeetingRepo(db)
	machine := session.NewMachine(
		meetings, clk, log,
		session.Config{DefaultRadiusMeters: cfg.GeoDefaultRadiusMeters},
	)
	svc := attendance.NewService(
		repository.NewPostgresSessionRepo(db),
		meetings,
		machine,
		geo.NewVerifier(geo.Config{MaxAccuracyMeters: cfg.GeoMaxAccuracyMeters}),
		security.NewNotesSanitizer(security.DefaultMaxNotesLength),
		clk, collector, log,
	)
	queue := offline.NewQueue(
		repository.NewPostgresQueueStore(db), svc, clk, collector, log,
		offline.Config{
			DefaultPriority:   cfg.QueueDefaultPriority,
			DefaultMaxRetries: cfg.QueueDefaultMaxRetries,
			MaxSize:           cfg.QueueMaxSize,
			BatchSize:         cfg.QueueBatchSize,
			RetryBackoff:      cfg.QueueRetryBackoff,
			MaxBackoff:        cfg.QueueMaxBackoff,
			ClaimTimeout:      cfg.QueueClaimTimeout,
			FailedRetention:   cfg.FailedRetention(),
		},
	)
	return &components{attendance: svc, queue: queue}
}

// runServe はAPIサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func runServe(ctx context.Context, cfg *config.Config) error {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	db, err := database.Connect(connectCtx, cfg.DatabaseURL, database.DefaultPoolConfig())
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	log := slog.Default()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "attendance"),
	)
	collector := metrics.NewCollector(reg)

	c := build(db, cfg, collector, log)

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitPerMinute), log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		HealthChecker:     db,
		SessionService:    c.attendance,
		MeetingService:    c.attendance,
		OfflineQueue:      c.queue,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はオフライン操作の再生スケジューラと失敗操作のクリーンアップを起動する。
// ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	db, err := database.Connect(connectCtx, cfg.DatabaseURL, database.DefaultPoolConfig())
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	log := slog.Default()
	collector := metrics.NewCollector(prometheus.NewRegistry())
	c := build(db, cfg, collector, log)

	scheduler := replay.NewScheduler(c.queue, logger.Component(log, "replay"), cfg.WorkerMaxConcurrent, cfg.QueueBatchSize)
	cleanupJob := cleanup.NewCleanupJob(c.queue, logger.Component(log, "cleanup"), cfg.QueueFailedRetentionDays)

	slog.Info("worker starting",
		slog.Duration("interval", cfg.WorkerInterval),
		slog.Int("max_concurrent", cfg.WorkerMaxConcurrent),
		slog.Int("batch_size", cfg.QueueBatchSize),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cleanupJob.Start(ctx, cleanupInterval)
	}()

	// 再生スケジューラはメインgoroutineでブロッキング実行する
	scheduler.Start(ctx, cfg.WorkerInterval)
	<-done

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はすべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はローカルの /health にリクエストを送り、200以外をエラーにする。
// distrolessイメージのDockerヘルスチェック用。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

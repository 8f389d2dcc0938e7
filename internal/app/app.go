package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hitoshi/webhook-digest/internal/config"
	"github.com/hitoshi/webhook-digest/internal/database"
	"github.com/hitoshi/webhook-digest/internal/handler"
	"github.com/hitoshi/webhook-digest/internal/logger"
	"github.com/hitoshi/webhook-digest/internal/model"
)

// cleanupInterval は配信ログ削除ジョブの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	log := logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, log, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runService(cfg, log, false)
	case CommandOnce:
		return runOnce(cfg, log)
	case CommandMigrate:
		return runMigrate(cfg, log, isRollback(args))
	default:
		return runService(cfg, log, true)
	}
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext(log *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-stop:
			log.Info("shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(stop)
	}()

	return ctx, cancel
}

// runService はスケジューラとクリーンアップジョブを起動し、HTTPサーバーを公開する。
// adminがtrueの場合（serve）はADMIN_API_KEY設定時に管理APIも公開する。
// workerでは/healthと/metricsのみを公開する。
// シグナル受信後はHTTPサーバーを停止し、処理中のティックの完了を待って戻る。
func runService(cfg *config.Config, log *slog.Logger, admin bool) error {
	ctx, cancel := signalContext(log)
	defer cancel()

	svc, err := buildService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	deps := &handler.RouterDeps{
		HealthChecker: svc.db,
		Gatherer:      svc.registry,
		Logger:        log,
	}
	if admin {
		deps.AdminAPIKey = cfg.AdminAPIKey
		deps.Users = svc.users
		deps.Composer = svc.composer
		deps.Runner = svc.scheduler
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.scheduler.Start(ctx, cfg.TickInterval)
	}()
	go func() {
		defer wg.Done()
		svc.cleanup.Start(ctx, cleanupInterval)
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting",
			slog.String("addr", server.Addr),
			slog.Bool("admin_api", admin && cfg.AdminAPIKey != ""),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("server listen error: %w", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	wg.Wait()
	log.Info("service stopped gracefully")
	return runErr
}

// runOnce はティックを1回だけ実行して終了する。
// 機能が無効な場合は何もせず正常終了する。
func runOnce(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signalContext(log)
	defer cancel()

	svc, err := buildService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.scheduler.RunOnce(ctx)
	if errors.Is(err, model.ErrDigestDisabled) {
		log.Info("webhook digest is disabled; nothing to do")
		return nil
	}
	if err != nil {
		return fmt.Errorf("digest tick failed: %w", err)
	}

	log.Info("digest tick finished",
		slog.Int("eligible", result.Eligible),
		slog.Int("delivered", result.Delivered),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// rollbackがtrueの場合は1ステップ戻す。
func runMigrate(cfg *config.Config, log *slog.Logger, rollback bool) error {
	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Bool("rollback", rollback),
	)

	if rollback {
		if err := database.RollbackMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
		log.Info("database migration rolled back successfully")
		return nil
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

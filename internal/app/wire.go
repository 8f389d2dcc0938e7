package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/webhook-digest/internal/cache"
	"github.com/hitoshi/webhook-digest/internal/config"
	"github.com/hitoshi/webhook-digest/internal/database"
	"github.com/hitoshi/webhook-digest/internal/digest"
	"github.com/hitoshi/webhook-digest/internal/excerpt"
	"github.com/hitoshi/webhook-digest/internal/metrics"
	"github.com/hitoshi/webhook-digest/internal/model"
	"github.com/hitoshi/webhook-digest/internal/repository"
	"github.com/hitoshi/webhook-digest/internal/security"
	"github.com/hitoshi/webhook-digest/internal/webhook"
	"github.com/hitoshi/webhook-digest/internal/worker/cleanup"
	workerdigest "github.com/hitoshi/webhook-digest/internal/worker/digest"
)

// service はダイジェスト配信に必要な依存関係をワイヤリングしたもの。
type service struct {
	db        *sql.DB
	users     *repository.PostgresUserRepo
	composer  *digest.Composer
	scheduler *workerdigest.Scheduler
	cleanup   *cleanup.CleanupJob
	registry  *prometheus.Registry
	closers   []io.Closer
}

// Close は保持している接続を生成と逆順に閉じる。
func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			slog.Warn("接続のクローズに失敗しました", slog.String("error", err.Error()))
		}
	}
}

// buildService はDB接続を開き、リポジトリからスケジューラまでを組み立てる。
func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	// 1. Webhook送信先の読み込みと検証（DB接続前に設定ミスを検出する）
	targets, err := cfg.WebhookTargets()
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook targets: %w", err)
	}
	guard := security.NewWebhookGuard(cfg.AllowPrivateWebhooks)
	if err := validateTargets(guard, targets); err != nil {
		return nil, err
	}

	// 2. DB接続
	db, err := database.OpenWithRetry(ctx, cfg.DatabaseURL, database.DefaultPingOptions, logger)
	if err != nil {
		return nil, err
	}
	svc := &service{db: db, closers: []io.Closer{db}}

	logger.Info("データベースに接続しました")

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	topicRepo := repository.NewPostgresTopicRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	notificationRepo := repository.NewPostgresNotificationRepo(db)
	settingsRepo := repository.NewPostgresSettingsRepo(db)
	deliveryRepo := repository.NewPostgresDeliveryRepo(db)
	svc.users = userRepo

	// 4. キャッシュの初期化
	counterCache := newCounterCache(ctx, cfg.RedisURL, svc, logger)

	// 5. ダイジェスト組み立ての初期化
	formatter, err := excerpt.NewFormatter(cfg.BaseURL, cfg.DigestMinExcerptLength, security.NewEmailSanitizer())
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to create excerpt formatter: %w", err)
	}
	renderer, err := digest.NewRenderer(cfg.SiteName, cfg.BaseURL)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to create html renderer: %w", err)
	}
	stats := digest.NewStatsService(notificationRepo, userRepo, counterCache, logger)
	svc.composer = digest.NewComposer(topicRepo, postRepo, stats, formatter, renderer, digest.ComposerOptions{
		BaseURL:            cfg.BaseURL,
		SiteName:           cfg.SiteName,
		TopicsLimit:        cfg.DigestTopics,
		OtherTopicsLimit:   cfg.DigestOtherTopics,
		PostsLimit:         cfg.DigestPosts,
		LikeScoreWeight:    cfg.LikeScoreWeight,
		EditingGracePeriod: cfg.EditingGracePeriod,
	})

	// 6. 配信の初期化
	var sender webhook.Sender
	if cfg.MockDelivery {
		sender = webhook.NewLogSender(logger)
	} else {
		sender = webhook.NewHTTPSender(guard.NewClient(cfg.DeliveryTimeout), cfg.DeliveryRateLimit, logger)
	}

	svc.registry = prometheus.NewRegistry()
	collector := metrics.NewCollector(svc.registry)
	dispatcher := webhook.NewDispatcher(sender, targets, userRepo, deliveryRepo, collector, logger)

	// 7. スケジューラとクリーンアップジョブの初期化
	settings := digest.NewSettingsResolver(settingsRepo, cfg.DigestSettings(), logger)
	svc.scheduler = workerdigest.NewScheduler(userRepo, settings, svc.composer, dispatcher, collector, logger, workerdigest.Options{
		MaxConcurrency:   cfg.WorkerMaxConcurrent,
		MustApproveUsers: cfg.MustApproveUsers,
		SkipEmpty:        cfg.DigestSkipEmpty,
	})

	svc.cleanup = cleanup.NewCleanupJob(deliveryRepo, logger)
	if cfg.LogRetentionDays > 0 {
		svc.cleanup.RetentionDays = cfg.LogRetentionDays
	}

	logger.Info("ダイジェストサービスを初期化しました",
		slog.Int("targets", len(targets)),
		slog.Bool("mock_delivery", cfg.MockDelivery),
	)
	return svc, nil
}

// validateTargets は全送信先URLをSSRFガードで検証する。
func validateTargets(guard *security.WebhookGuard, targets []model.WebhookTarget) error {
	if len(targets) == 0 {
		return fmt.Errorf("no webhook target is configured")
	}
	for _, t := range targets {
		if err := guard.ValidateURL(t.URL); err != nil {
			return fmt.Errorf("invalid webhook target %q: %w", t.URL, err)
		}
	}
	return nil
}

// newCounterCache はREDIS_URLが設定されていればRedisを、そうでなければプロセス内キャッシュを返す。
// Redisに接続できない場合もプロセス内キャッシュで継続する。
func newCounterCache(ctx context.Context, redisURL string, svc *service, logger *slog.Logger) cache.CounterCache {
	if redisURL == "" {
		return cache.NewMemoryCache()
	}

	rc, err := cache.NewRedisCache(redisURL)
	if err != nil {
		logger.Warn("REDIS_URLが不正なためメモリキャッシュを使用します",
			slog.String("error", err.Error()),
		)
		return cache.NewMemoryCache()
	}
	if err := rc.Ping(ctx); err != nil {
		logger.Warn("Redisに接続できないためメモリキャッシュを使用します",
			slog.String("error", err.Error()),
		)
		rc.Close()
		return cache.NewMemoryCache()
	}

	svc.closers = append(svc.closers, rc)
	logger.Info("Redisキャッシュに接続しました")
	return rc
}

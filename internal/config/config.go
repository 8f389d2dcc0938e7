package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// webhook_digest_* の3項目はsite_settingsテーブルの値で実行時に上書きされ得る。
type Config struct {
	// Database
	DatabaseURL string

	// Forum
	BaseURL          string
	SiteName         string
	MustApproveUsers bool

	// Webhook
	WebhookURL           string
	WebhookTargetsFile   string
	WebhookSecret        string
	DeliveryTimeout      time.Duration
	DeliveryRateLimit    float64
	AllowPrivateWebhooks bool
	MockDelivery         bool

	// Digest
	DigestEnabled          bool
	DigestIntervalHours    int
	DigestFormats          []model.DigestFormat
	DigestSkipEmpty        bool
	DigestTopics           int
	DigestOtherTopics      int
	DigestPosts            int
	DigestMinExcerptLength int
	EditingGracePeriod     time.Duration
	LikeScoreWeight        float64

	// Worker
	TickInterval        time.Duration
	WorkerMaxConcurrent int

	// Cache
	RedisURL string

	// Logging
	LogLevel         string
	LogRetentionDays int

	// Server
	ServerPort  string
	AdminAPIKey string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimSuffix(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	cfg.WebhookTargetsFile = os.Getenv("WEBHOOK_TARGETS_FILE")
	if cfg.WebhookURL == "" && cfg.WebhookTargetsFile == "" {
		missing = append(missing, "WEBHOOK_URL (or WEBHOOK_TARGETS_FILE)")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SiteName = getEnvString("SITE_NAME", cfg.BaseURL)
	cfg.MustApproveUsers = getEnvBool("MUST_APPROVE_USERS", false)
	cfg.WebhookSecret = getEnvString("WEBHOOK_SECRET", "")
	cfg.DeliveryTimeout = getEnvDuration("DELIVERY_TIMEOUT", 10*time.Second)
	cfg.DeliveryRateLimit = getEnvFloat("DELIVERY_RATE_LIMIT", 10)
	cfg.AllowPrivateWebhooks = getEnvBool("ALLOW_PRIVATE_WEBHOOKS", false)
	cfg.MockDelivery = getEnvBool("MOCK_DELIVERY", false)
	cfg.DigestEnabled = getEnvBool("WEBHOOK_DIGEST_ENABLED", false)
	cfg.DigestIntervalHours = getEnvInt("WEBHOOK_DIGEST_INTERVAL", 24)
	cfg.DigestSkipEmpty = getEnvBool("WEBHOOK_DIGEST_SKIP_EMPTY", false)
	cfg.DigestTopics = getEnvInt("DIGEST_TOPICS", 20)
	cfg.DigestOtherTopics = getEnvInt("DIGEST_OTHER_TOPICS", 5)
	cfg.DigestPosts = getEnvInt("DIGEST_POSTS", 3)
	cfg.DigestMinExcerptLength = getEnvInt("DIGEST_MIN_EXCERPT_LENGTH", 100)
	cfg.EditingGracePeriod = getEnvDuration("EDITING_GRACE_PERIOD", 300*time.Second)
	cfg.LikeScoreWeight = getEnvFloat("LIKE_SCORE_WEIGHT", 15)
	cfg.TickInterval = getEnvDuration("TICK_INTERVAL", 30*time.Second)
	cfg.WorkerMaxConcurrent = getEnvInt("WORKER_MAX_CONCURRENT", 10)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 14)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AdminAPIKey = getEnvString("ADMIN_API_KEY", "")

	if !model.IsValidIntervalHours(cfg.DigestIntervalHours) {
		return nil, fmt.Errorf("WEBHOOK_DIGEST_INTERVAL must be one of %v, got %d",
			model.ValidIntervalHours, cfg.DigestIntervalHours)
	}

	for _, v := range []struct {
		name  string
		value int
	}{
		{"DIGEST_TOPICS", cfg.DigestTopics},
		{"DIGEST_OTHER_TOPICS", cfg.DigestOtherTopics},
		{"DIGEST_POSTS", cfg.DigestPosts},
		{"DIGEST_MIN_EXCERPT_LENGTH", cfg.DigestMinExcerptLength},
		{"WORKER_MAX_CONCURRENT", cfg.WorkerMaxConcurrent},
		{"LOG_RETENTION_DAYS", cfg.LogRetentionDays},
	} {
		if v.value < 0 {
			return nil, fmt.Errorf("%s must not be negative, got %d", v.name, v.value)
		}
	}

	formats, err := model.ParseDigestFormats(getEnvString("WEBHOOK_DIGEST_TYPES", "json"))
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_DIGEST_TYPES: %w", err)
	}
	cfg.DigestFormats = formats

	return cfg, nil
}

// DigestSettings は環境変数由来のダイジェスト設定を返す。
// site_settingsに値がない場合のフォールバックとして使用する。
func (c *Config) DigestSettings() model.Settings {
	return model.Settings{
		Enabled:       c.DigestEnabled,
		IntervalHours: c.DigestIntervalHours,
		Formats:       c.DigestFormats,
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

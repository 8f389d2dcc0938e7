// Package webhook はダイジェストのWebhook配信を提供する。
// 本サービスで外部へのネットワーク送信とlast_digest_atの更新を行うのはこのパッケージのみ。
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/webhook-digest/internal/model"
)

const (
	// userAgent は送信リクエストのUser-Agent。
	userAgent = "webhook-digest/1.0"
	// maxResponseBody はレスポンスボディを読み捨てる上限バイト数。
	maxResponseBody = 64 * 1024

	HeaderDeliveryID = "X-Digest-Delivery-ID"
	HeaderSignature  = "X-Digest-Signature"
)

// Sender は1つの送信先へWebhook本文をPOSTする。
// 成功時はHTTPステータスコードを返す。失敗時は*model.DeliveryErrorを返す。
type Sender interface {
	Send(ctx context.Context, target model.WebhookTarget, body []byte) (int, error)
}

// HTTPSender はHTTPでWebhookを送信するSender。
// 全送信先で共有するレートリミッタで送信間隔を制御する。
type HTTPSender struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	newID   func() string
}

// NewHTTPSender はHTTPSenderを生成する。
// ratePerSecが0以下の場合はレート制限を行わない。
func NewHTTPSender(client *http.Client, ratePerSec float64, logger *slog.Logger) *HTTPSender {
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = max(1, int(ratePerSec))
	}
	return &HTTPSender{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		newID:   func() string { return uuid.New().String() },
	}
}

// Sign は本文のHMAC-SHA256署名を "sha256=<hex>" 形式で返す。
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send は本文をtarget.URLへPOSTする。2xx以外のステータスは失敗として扱う。
func (s *HTTPSender) Send(ctx context.Context, target model.WebhookTarget, body []byte) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, &model.DeliveryError{TargetURL: target.URL, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, &model.DeliveryError{TargetURL: target.URL, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	deliveryID := s.newID()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderDeliveryID, deliveryID)
	if target.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(target.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, &model.DeliveryError{TargetURL: target.URL, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &model.DeliveryError{
			TargetURL:  target.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	s.logger.Debug("Webhookを送信しました",
		slog.String("target_url", target.URL),
		slog.String("delivery_id", deliveryID),
		slog.Int("http_status", resp.StatusCode),
	)
	return resp.StatusCode, nil
}

// LogSender は送信せずにログへ出力するSender。ローカル実行用。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send は本文の概要をログに出力し、常に成功として200を返す。
func (s *LogSender) Send(_ context.Context, target model.WebhookTarget, body []byte) (int, error) {
	s.logger.Info("[Mock] Webhook送信をスキップしました",
		slog.String("target_url", target.URL),
		slog.Int("body_bytes", len(body)),
		slog.Bool("signed", target.Secret != ""),
	)
	return http.StatusOK, nil
}

var (
	_ Sender = (*HTTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)

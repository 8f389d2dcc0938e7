package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/webhook-digest/internal/metrics"
	"github.com/hitoshi/webhook-digest/internal/model"
)

// persistTimeout は配信ログと最終送信日時の書き込みに許す時間。
const persistTimeout = 10 * time.Second

// Envelope はWebhookへ送信する本文。
// jsonとhtmlは要求された形式かつ送信先が受け付ける場合のみ含める。
type Envelope struct {
	UserID   int64           `json:"user_id"`
	Username string          `json:"username"`
	JSON     json.RawMessage `json:"json,omitempty"`
	HTML     *string         `json:"html,omitempty"`
}

// LastDigestWriter はユーザーの最終ダイジェスト送信日時を更新する。
type LastDigestWriter interface {
	UpdateLastDigestAt(ctx context.Context, userID int64, at time.Time) error
}

// DeliveryRecorder は配信ログを記録する。
type DeliveryRecorder interface {
	Create(ctx context.Context, record *model.DeliveryRecord) error
}

// Dispatcher はダイジェストを設定済みの全送信先へ配信する。
// 全送信先への配信が成功した場合のみ最終送信日時を進める。
type Dispatcher struct {
	sender     Sender
	targets    []model.WebhookTarget
	users      LastDigestWriter
	deliveries DeliveryRecorder
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher はDispatcherを生成する。deliveriesがnilの場合は配信ログを記録しない。
func NewDispatcher(
	sender Sender,
	targets []model.WebhookTarget,
	users LastDigestWriter,
	deliveries DeliveryRecorder,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Dispatcher {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Dispatcher{
		sender:     sender,
		targets:    targets,
		users:      users,
		deliveries: deliveries,
		metrics:    collector,
		logger:     logger,
		now:        time.Now,
	}
}

// BuildEnvelope は送信先ごとの本文を組み立てる。
// 送信先が要求形式を1つも受け付けない場合はokがfalse。
func BuildEnvelope(payload *model.DigestPayload, target model.WebhookTarget, formats []model.DigestFormat) (body []byte, ok bool, err error) {
	env := Envelope{UserID: payload.UserID, Username: payload.Username}
	for _, f := range formats {
		if !target.Accepts(f) {
			continue
		}
		switch f {
		case model.DigestFormatJSON:
			if payload.RenderedJSON == nil {
				return nil, false, fmt.Errorf("json digest was requested but not rendered")
			}
			env.JSON = payload.RenderedJSON
			ok = true
		case model.DigestFormatHTML:
			if payload.RenderedHTML == nil {
				return nil, false, fmt.Errorf("html digest was requested but not rendered")
			}
			env.HTML = payload.RenderedHTML
			ok = true
		}
	}
	if !ok {
		return nil, false, nil
	}
	// html欄をそのまま読めるよう <, >, & はエスケープしない
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, false, fmt.Errorf("failed to marshal webhook envelope: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), true, nil
}

// Dispatch はペイロードを配信し、全送信先で成功した場合にlast_digest_atを更新する。
// いずれかの送信先で失敗した場合は*model.DeliveryErrorを含むエラーを返し、日時は更新しない。
func (d *Dispatcher) Dispatch(ctx context.Context, payload *model.DigestPayload, formats []model.DigestFormat) error {
	var errs []error
	sent := 0

	// 送信が成功した後にlast_digest_atを書けないと次回起動時に二重送信になるため、
	// 配信ログと日時の書き込みは呼び出し元のキャンセルから切り離す。
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	for _, target := range d.targets {
		body, ok, err := BuildEnvelope(payload, target, formats)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		sent++

		start := time.Now()
		status, err := d.sender.Send(ctx, target, body)
		latency := time.Since(start)

		record := &model.DeliveryRecord{
			UserID:     payload.UserID,
			TargetURL:  target.URL,
			Status:     model.DeliveryStatusSuccess,
			HTTPStatus: status,
		}
		if err != nil {
			record.Status = model.DeliveryStatusFailed
			record.Error = err.Error()
			d.metrics.RecordDeliveryFailure(status, latency)
			d.logger.Error("Webhook配信に失敗しました",
				slog.Int64("user_id", payload.UserID),
				slog.String("target_url", target.URL),
				slog.Int("http_status", status),
				slog.String("error", err.Error()),
			)
			var derr *model.DeliveryError
			if !errors.As(err, &derr) {
				err = &model.DeliveryError{TargetURL: target.URL, StatusCode: status, Err: err}
			}
			errs = append(errs, err)
		} else {
			d.metrics.RecordDeliverySuccess(status, latency)
		}
		// 送信結果は停止シグナル後も確実に残す
		d.record(persistCtx, record)
	}

	if sent == 0 {
		return fmt.Errorf("no webhook target accepts the requested formats %v", formats)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	deliveredAt := d.now()
	if err := d.users.UpdateLastDigestAt(persistCtx, payload.UserID, deliveredAt); err != nil {
		return fmt.Errorf("failed to update last digest time: %w", err)
	}

	d.logger.Info("ダイジェストを配信しました",
		slog.Int64("user_id", payload.UserID),
		slog.Int("target_count", sent),
		slog.Bool("has_content", payload.HasContent()),
	)
	return nil
}

// record は配信ログを保存する。失敗しても配信結果には影響させない。
func (d *Dispatcher) record(ctx context.Context, record *model.DeliveryRecord) {
	if d.deliveries == nil {
		return
	}
	if err := d.deliveries.Create(ctx, record); err != nil {
		d.logger.Warn("配信ログの記録に失敗しました",
			slog.Int64("user_id", record.UserID),
			slog.String("target_url", record.TargetURL),
			slog.String("error", err.Error()),
		)
	}
}

// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ティック結果のラベル値
const (
	TickResultRan      = "ran"
	TickResultSkipped  = "skipped"
	TickResultDisabled = "disabled"
	TickResultFailed   = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スケジューラとDispatcherから利用する。
type MetricsCollector interface {
	RecordTick(result string, duration time.Duration)
	RecordEligibleUsers(count int)
	RecordDigestComposed(hasContent bool)
	RecordDigestSkipped()
	RecordUserError(stage string)
	RecordDeliverySuccess(statusCode int, latency time.Duration)
	RecordDeliveryFailure(statusCode int, latency time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ticks           *prometheus.CounterVec
	tickDuration    prometheus.Histogram
	eligibleUsers   prometheus.Gauge
	digestsComposed *prometheus.CounterVec
	digestsSkipped  prometheus.Counter
	userErrors      *prometheus.CounterVec
	deliverySuccess prometheus.Counter
	deliveryFail    prometheus.Counter
	httpStatus      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_digest_ticks_total",
			Help: "結果別のスケジューラティック数",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_digest_tick_duration_seconds",
			Help:    "ティック1回の処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		eligibleUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_digest_eligible_users",
			Help: "直近のティックで配信対象となったユーザー数",
		}),
		digestsComposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_digest_composed_total",
			Help: "組み立てたダイジェストの合計数",
		}, []string{"has_content"}),
		digestsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_digest_skipped_empty_total",
			Help: "内容がないため送信しなかったダイジェストの合計数",
		}),
		userErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_digest_user_errors_total",
			Help: "段階別のユーザー単位エラー数",
		}, []string{"stage"}),
		deliverySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_digest_delivery_success_total",
			Help: "Webhook配信成功の合計数",
		}),
		deliveryFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_digest_delivery_fail_total",
			Help: "Webhook配信失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_digest_http_status_total",
			Help: "Webhookレスポンスのステータスコード別件数",
		}, []string{"status_code"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_digest_delivery_latency_seconds",
			Help:    "Webhook配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.ticks,
		c.tickDuration,
		c.eligibleUsers,
		c.digestsComposed,
		c.digestsSkipped,
		c.userErrors,
		c.deliverySuccess,
		c.deliveryFail,
		c.httpStatus,
		c.deliveryLatency,
	)

	return c
}

// RecordTick はティックの結果を記録する。実行されたティックのみ処理時間を観測する。
func (c *Collector) RecordTick(result string, duration time.Duration) {
	c.ticks.WithLabelValues(result).Inc()
	if result == TickResultRan {
		c.tickDuration.Observe(duration.Seconds())
	}
}

// RecordEligibleUsers は配信対象ユーザー数を記録する。
func (c *Collector) RecordEligibleUsers(count int) {
	c.eligibleUsers.Set(float64(count))
}

// RecordDigestComposed はダイジェストの組み立てを記録する。
func (c *Collector) RecordDigestComposed(hasContent bool) {
	c.digestsComposed.WithLabelValues(strconv.FormatBool(hasContent)).Inc()
}

// RecordDigestSkipped は空のダイジェストの送信省略を記録する。
func (c *Collector) RecordDigestSkipped() {
	c.digestsSkipped.Inc()
}

// RecordUserError はユーザー単位のエラーを記録する。
func (c *Collector) RecordUserError(stage string) {
	c.userErrors.WithLabelValues(stage).Inc()
}

// RecordDeliverySuccess は配信成功を記録する。
func (c *Collector) RecordDeliverySuccess(statusCode int, latency time.Duration) {
	c.deliverySuccess.Inc()
	c.recordResponse(statusCode, latency)
}

// RecordDeliveryFailure は配信失敗を記録する。statusCodeが0の場合はレスポンスなし。
func (c *Collector) RecordDeliveryFailure(statusCode int, latency time.Duration) {
	c.deliveryFail.Inc()
	c.recordResponse(statusCode, latency)
}

func (c *Collector) recordResponse(statusCode int, latency time.Duration) {
	if statusCode != 0 {
		c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	}
	c.deliveryLatency.Observe(latency.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordTick(string, time.Duration)         {}
func (Nop) RecordEligibleUsers(int)                  {}
func (Nop) RecordDigestComposed(bool)                {}
func (Nop) RecordDigestSkipped()                     {}
func (Nop) RecordUserError(string)                   {}
func (Nop) RecordDeliverySuccess(int, time.Duration) {}
func (Nop) RecordDeliveryFailure(int, time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

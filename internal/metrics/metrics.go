// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証イベントの結果ラベル
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ミドルウェア、サービス層、ワーカーから利用する。
type MetricsCollector interface {
	RecordHTTPRequest(method, route string, statusCode int, duration time.Duration)
	RecordAuthEvent(event, outcome string)
	RecordWaterRecordOperation(operation string)
	RecordWaterAmount(amount int)
	RecordRefreshTokensPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	authEvents    *prometheus.CounterVec
	recordOps     *prometheus.CounterVec
	waterAmount   prometheus.Counter
	refreshPurged prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watertrack_http_requests_total",
			Help: "HTTPリクエスト数（メソッド・ルート・ステータスコード別）",
		}, []string{"method", "route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "watertrack_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watertrack_auth_events_total",
			Help: "認証イベント数（register, login, refresh, logout）",
		}, []string{"event", "outcome"}),
		recordOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watertrack_water_record_operations_total",
			Help: "水分摂取記録の変更操作数",
		}, []string{"operation"}),
		waterAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watertrack_water_amount_ml_total",
			Help: "記録された水分摂取量の合計（ml）",
		}),
		refreshPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watertrack_refresh_tokens_purged_total",
			Help: "クリーンアップで削除された期限切れリフレッシュトークン数",
		}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpLatency,
		c.authEvents,
		c.recordOps,
		c.waterAmount,
		c.refreshPurged,
	)

	return c
}

// RecordHTTPRequest はHTTPリクエストの結果と処理時間を記録する。
// routeにはURLパラメータを含まないルートパターンを渡すこと。
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordAuthEvent は認証イベントを記録する。
func (c *Collector) RecordAuthEvent(event, outcome string) {
	c.authEvents.WithLabelValues(event, outcome).Inc()
}

// RecordWaterRecordOperation は記録の作成・更新・削除を記録する。
func (c *Collector) RecordWaterRecordOperation(operation string) {
	c.recordOps.WithLabelValues(operation).Inc()
}

// RecordWaterAmount は新規に記録された摂取量を加算する。
func (c *Collector) RecordWaterAmount(amount int) {
	c.waterAmount.Add(float64(amount))
}

// RecordRefreshTokensPurged は削除されたリフレッシュトークン数を加算する。
func (c *Collector) RecordRefreshTokensPurged(count int64) {
	c.refreshPurged.Add(float64(count))
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordHTTPRequest(string, string, int, time.Duration) {}
func (NopCollector) RecordAuthEvent(string, string)                       {}
func (NopCollector) RecordWaterRecordOperation(string)                    {}
func (NopCollector) RecordWaterAmount(int)                                {}
func (NopCollector) RecordRefreshTokensPurged(int64)                      {}

// OrNop はcがnilの場合にNopCollectorを返す。
func OrNop(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NopCollector{}
	}
	return c
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = NopCollector{}

// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// トークン更新の結果ラベル
const (
	RenewalSuccess  = "success"
	RenewalRejected = "rejected"
	RenewalError    = "error"
	RenewalShared   = "shared"
)

// realtimeStates は接続状態ゲージのラベル値。
var realtimeStates = []string{"closed", "connecting", "open", "error"}

// MetricsCollector はメトリクス収集のインターフェース。
// トランスポート層、トークン管理、リアルタイムチャネルから利用する。
type MetricsCollector interface {
	RecordRequest(method string, statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordReplay()
	RecordTokenRenewal(outcome string)
	RecordRealtimeEvent(name string)
	SetRealtimeState(state string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	requests       *prometheus.CounterVec
	requestLatency prometheus.Histogram
	replays        prometheus.Counter
	renewals       *prometheus.CounterVec
	realtimeEvents *prometheus.CounterVec
	realtimeState  *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activitysync_api_requests_total",
			Help: "APIリクエスト数（メソッド・ステータス別、ネットワークエラーは0）",
		}, []string{"method", "status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "activitysync_api_request_latency_seconds",
			Help:    "APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activitysync_api_replays_total",
			Help: "トークン更新後に再送したリクエスト数",
		}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activitysync_token_renewals_total",
			Help: "トークン更新の実行数（結果別）",
		}, []string{"outcome"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activitysync_realtime_events_total",
			Help: "リアルタイムチャネルで受信したイベント数",
		}, []string{"event"}),
		realtimeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "activitysync_realtime_state",
			Help: "リアルタイムチャネルの現在の接続状態（該当状態のみ1）",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.requests,
		c.requestLatency,
		c.replays,
		c.renewals,
		c.realtimeEvents,
		c.realtimeState,
	)

	c.SetRealtimeState("closed")

	return c
}

// RecordRequest はAPIリクエストの結果を記録する。
func (c *Collector) RecordRequest(method string, statusCode int) {
	c.requests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordReplay は401後の再送を記録する。
func (c *Collector) RecordReplay() {
	c.replays.Inc()
}

// RecordTokenRenewal はトークン更新の結果を記録する。
func (c *Collector) RecordTokenRenewal(outcome string) {
	c.renewals.WithLabelValues(outcome).Inc()
}

// RecordRealtimeEvent はリアルタイムイベントの受信を記録する。
func (c *Collector) RecordRealtimeEvent(name string) {
	c.realtimeEvents.WithLabelValues(name).Inc()
}

// SetRealtimeState は接続状態ゲージを更新する。
func (c *Collector) SetRealtimeState(state string) {
	for _, s := range realtimeStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.realtimeState.WithLabelValues(s).Set(v)
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", Handler(gatherer))
	return r
}

// Nop は何も記録しないMetricsCollector。メトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordRequest(string, int)          {}
func (Nop) RecordRequestLatency(time.Duration) {}
func (Nop) RecordReplay()                      {}
func (Nop) RecordTokenRenewal(string)          {}
func (Nop) RecordRealtimeEvent(string)         {}
func (Nop) SetRealtimeState(string)            {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

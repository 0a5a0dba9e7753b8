// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションオーケストレーターと認証ゲートウェイから利用する。
type MetricsCollector interface {
	RecordAuthOperation(op, result string)
	RecordProfileResolution(outcome string)
	RecordGatewayLatency(op string, duration time.Duration)
	SetLoading(loading bool)
	SetSubscribers(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authOps            *prometheus.CounterVec
	profileResolutions *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	loading            prometheus.Gauge
	subscribers        prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentsession_auth_operations_total",
			Help: "ログイン・サインアップ・ログアウト等の操作数（結果別）",
		}, []string{"op", "result"}),
		profileResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentsession_profile_resolutions_total",
			Help: "プロフィール解決の合計数（結果別）",
		}, []string{"outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rentsession_gateway_latency_seconds",
			Help:    "認証サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		loading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rentsession_loading",
			Help: "セッションが処理中かどうか（1=処理中）",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rentsession_event_subscribers",
			Help: "セッション変更イベントの購読者数",
		}),
	}

	reg.MustRegister(
		c.authOps,
		c.profileResolutions,
		c.gatewayLatency,
		c.loading,
		c.subscribers,
	)

	return c
}

// RecordAuthOperation は認証操作の結果を記録する。
func (c *Collector) RecordAuthOperation(op, result string) {
	c.authOps.WithLabelValues(op, result).Inc()
}

// RecordProfileResolution はプロフィール解決の結果を記録する。
// outcomeは found, missing, error のいずれか。
func (c *Collector) RecordProfileResolution(outcome string) {
	c.profileResolutions.WithLabelValues(outcome).Inc()
}

// RecordGatewayLatency は認証サービス呼び出しのレイテンシを記録する。
func (c *Collector) RecordGatewayLatency(op string, duration time.Duration) {
	c.gatewayLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetLoading はloadingフラグを記録する。
func (c *Collector) SetLoading(loading bool) {
	if loading {
		c.loading.Set(1)
		return
	}
	c.loading.Set(0)
}

// SetSubscribers は現在の購読者数を記録する。
func (c *Collector) SetSubscribers(count int) {
	c.subscribers.Set(float64(count))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordAuthOperation(string, string)         {}
func (Nop) RecordProfileResolution(string)             {}
func (Nop) RecordGatewayLatency(string, time.Duration) {}
func (Nop) SetLoading(bool)                            {}
func (Nop) SetSubscribers(int)                         {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

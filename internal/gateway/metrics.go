package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsNamespace はGatewayのメトリクス名の接頭辞。
const metricsNamespace = "herbario_gateway"

// Metrics はGatewayのPrometheusメトリクス。
// サーバーごとに独立したレジストリを持つ。
type Metrics struct {
	// registry はメトリクスの登録先。
	registry *prometheus.Registry
	// requests はルールとステータスごとのリクエスト数。
	requests *prometheus.CounterVec
	// upstreamDuration は転送先サービスの応答時間。
	upstreamDuration *prometheus.HistogramVec
	// upstreamErrors は転送先サービスとの通信エラー数。
	upstreamErrors *prometheus.CounterVec
	// breakerState はサーキットブレーカーの状態（0: closed, 1: half-open, 2: open）。
	breakerState *prometheus.GaugeVec
	// serviceUp は直近のヘルスチェックで稼働中だったか（1: activo）。
	serviceUp *prometheus.GaugeVec
}

// NewMetrics は新しいレジストリにメトリクスを登録して返す。
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total number of requests handled by the policy gate",
			},
			[]string{"rule", "code"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "upstream",
				Name:      "request_duration_seconds",
				Help:      "Duration of requests forwarded to backend services",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "code"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "upstream",
				Name:      "errors_total",
				Help:      "Total number of failed requests to backend services",
			},
			[]string{"service", "reason"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "upstream",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per backend service (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		serviceUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "health",
				Name:      "service_up",
				Help:      "Whether the backend service was activo at the last health check",
			},
			[]string{"service"},
		),
	}
}

// Handler はPrometheus形式でメトリクスを出力するハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

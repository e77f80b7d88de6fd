package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/herbario/pkg/httpclient"
)

// サービスの稼働状態。
const (
	// StateActive はヘルスチェックが2xxのJSONを返したことを表す。
	StateActive = "activo"
	// StateError はヘルスチェックが2xx以外を返したことを表す。
	StateError = "error"
	// StateInactive は通信失敗・タイムアウト・JSON以外の応答のいずれかを表す。
	StateInactive = "inactivo"
)

// 全体の稼働状態。
const (
	OverallHealthy  = "saludable"
	OverallDegraded = "degradado"
)

// ServiceStatus は1サービスのヘルスチェック結果。問い合わせごとに作り直す。
type ServiceStatus struct {
	// Service はサービス名。
	Service string `json:"servicio"`
	// State は稼働状態。
	State string `json:"estado"`
	// URL はサービスのベースURL。
	URL string `json:"url"`
	// Response はサービスが返したJSON。
	Response json.RawMessage `json:"respuesta,omitempty"`
	// Error は失敗の理由。
	Error string `json:"error,omitempty"`
}

// Report は全サービスのヘルスチェック結果。
type Report struct {
	// Overall は全体の稼働状態。
	Overall string `json:"estado_general"`
	// Services は設定順に並んだサービスごとの結果。
	Services []ServiceStatus `json:"servicios"`
	// CheckedAt は確認した時刻。
	CheckedAt time.Time `json:"fecha_verificacion"`
}

// Healthy はすべてのサービスが稼働中かどうかを返す。
func (r Report) Healthy() bool {
	return r.Overall == OverallHealthy
}

// HealthAggregator は転送先サービスのヘルスチェックを並行に実行して集約する。
type HealthAggregator struct {
	// timeout はヘルスチェック1件あたりのタイムアウト。
	timeout time.Duration
	// metrics はメトリクス。
	metrics *Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
	// now は現在時刻を返す。
	now func() time.Time
}

// NewHealthAggregator は新しいHealthAggregatorを生成する。
func NewHealthAggregator(timeout time.Duration, metrics *Metrics, logger *zap.Logger) *HealthAggregator {
	return &HealthAggregator{
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// CheckAll はすべてのサービスに並行して問い合わせ、全件の結果がそろうまで待つ。
// 1件の失敗や遅延が他のサービスの結果に影響することはない。
func (h *HealthAggregator) CheckAll(ctx context.Context, services []Service) Report {
	results := make([]ServiceStatus, len(services))

	var g errgroup.Group
	for i, s := range services {
		g.Go(func() error {
			results[i] = h.probe(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	overall := OverallHealthy
	active := 0
	for _, r := range results {
		up := 0.0
		if r.State == StateActive {
			active++
			up = 1
		} else {
			overall = OverallDegraded
		}
		h.metrics.serviceUp.WithLabelValues(r.Service).Set(up)
	}

	h.logger.Info("全サービスのヘルスチェック",
		zap.Bool("healthy", overall == OverallHealthy),
		zap.Int("active", active),
		zap.Int("total", len(results)),
	)

	return Report{
		Overall:   overall,
		Services:  results,
		CheckedAt: h.now().UTC(),
	}
}

// probe は1サービスの /health に問い合わせる。
func (h *HealthAggregator) probe(ctx context.Context, s Service) ServiceStatus {
	status := ServiceStatus{Service: s.Name, URL: s.URL}

	resp, err := httpclient.New(s.URL, h.timeout).Get(ctx, "/health")
	if err != nil {
		status.State = StateInactive
		status.Error = err.Error()
		return status
	}

	body, jsonErr := resp.JSON()
	if !resp.OK() {
		status.State = StateError
		if jsonErr == nil {
			status.Response = body
		} else {
			status.Error = fmt.Sprintf("ステータス %d", resp.StatusCode)
		}
		return status
	}
	if jsonErr != nil {
		status.State = StateInactive
		status.Error = jsonErr.Error()
		return status
	}

	status.State = StateActive
	status.Response = body
	return status
}

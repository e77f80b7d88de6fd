package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nao1215/herbario/pkg/apperror"
	"github.com/nao1215/herbario/pkg/middleware"
	"github.com/nao1215/herbario/pkg/token"
)

// hopHeaders は転送時に取り除くホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// 転送先に付与するヘッダー。
const (
	headerUserID        = "X-User-ID"
	headerUserRole      = "X-User-Role"
	headerForwardedFor  = "X-Forwarded-For"
	headerForwardedHost = "X-Forwarded-Host"
)

// RemoveHopHeaders はホップバイホップヘッダーと、Connectionヘッダーで指定されたヘッダーを取り除く。
func RemoveHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// backend は転送先サービスとそのサーキットブレーカー。
type backend struct {
	// url はサービスのベースURL。
	url *url.URL
	// breaker はサービスごとのサーキットブレーカー。
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings はサーキットブレーカーの設定。
type BreakerSettings struct {
	// ConsecutiveFailures はブレーカーを開くまでの連続失敗回数。
	ConsecutiveFailures uint32
	// OpenTimeout は開いた状態から半開状態に移るまでの時間。
	OpenTimeout time.Duration
}

// DefaultBreakerSettings はサーキットブレーカーの既定の設定。
var DefaultBreakerSettings = BreakerSettings{
	ConsecutiveFailures: 5,
	OpenTimeout:         30 * time.Second,
}

// Dispatcher は認可済みのリクエストを転送先サービスに転送する。再試行はしない。
type Dispatcher struct {
	// client は転送に使用するHTTPクライアント。タイムアウトは1回の転送全体に適用される。
	client *http.Client
	// backends はサービスIDごとの転送先。
	backends map[string]*backend
	// metrics はメトリクス。
	metrics *Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewDispatcher はサービス一覧から新しいDispatcherを生成する。
func NewDispatcher(services []Service, timeout time.Duration, breaker BreakerSettings, metrics *Metrics, logger *zap.Logger) (*Dispatcher, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: 転送のタイムアウトは正の値である必要があります", apperror.ErrConfiguration)
	}

	d := &Dispatcher{
		client: &http.Client{
			Timeout: timeout,
			// リダイレクトはそのままクライアントに返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		backends: make(map[string]*backend, len(services)),
		metrics:  metrics,
		logger:   logger,
	}

	for _, s := range services {
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: %s のURLが不正です: %q", apperror.ErrConfiguration, s.Name, s.URL)
		}
		d.backends[s.ID] = &backend{url: u, breaker: d.newBreaker(s.ID, breaker)}
		metrics.breakerState.WithLabelValues(s.ID).Set(float64(gobreaker.StateClosed))
	}
	return d, nil
}

// newBreaker はサービス用のサーキットブレーカーを生成する。
func (d *Dispatcher) newBreaker(service string, settings BreakerSettings) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		// クライアント側の切断は転送先の障害として数えない
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("サーキットブレーカーの状態が変化しました",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			d.metrics.breakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// Forward はリクエストをルールの転送先に転送し、転送先のレスポンスを返す。
// 呼び出し側はレスポンスボディを閉じる必要がある。
// 転送先のステータスが5xxであってもエラーにはしない。
func (d *Dispatcher) Forward(ctx context.Context, r *http.Request, rule PolicyRule, claims *token.Claims) (*http.Response, error) {
	b, ok := d.backends[rule.Service]
	if !ok {
		return nil, fmt.Errorf("転送先サービス %q が登録されていません", rule.Service)
	}

	out, err := d.outboundRequest(ctx, r, b.url, rule, claims)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return d.client.Do(out)
	})
	if err != nil {
		return nil, d.classify(rule.Service, out.URL, err)
	}

	resp := result.(*http.Response)
	d.metrics.upstreamDuration.
		WithLabelValues(rule.Service, strconv.Itoa(resp.StatusCode)).
		Observe(time.Since(start).Seconds())
	return resp, nil
}

// outboundRequest は転送先へのリクエストを組み立てる。
// 認証情報と転送元を表すヘッダーは転送先へのリクエストにだけ付与する。
func (d *Dispatcher) outboundRequest(ctx context.Context, r *http.Request, base *url.URL, rule PolicyRule, claims *token.Claims) (*http.Request, error) {
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + rule.DownstreamPath(r.URL.Path)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("転送リクエストの作成に失敗: %w", err)
	}
	out.ContentLength = r.ContentLength

	out.Header = r.Header.Clone()
	RemoveHopHeaders(out.Header)
	out.Header.Del(headerUserID)
	out.Header.Del(headerUserRole)

	if claims != nil {
		out.Header.Set(headerUserID, claims.Subject)
		out.Header.Set(headerUserRole, claims.Role.String())
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Values(headerForwardedFor); len(prior) > 0 {
			host = strings.Join(prior, ", ") + ", " + host
		}
		out.Header.Set(headerForwardedFor, host)
	}
	out.Header.Set(headerForwardedHost, r.Host)
	if id := middleware.RequestIDFromContext(ctx); id != "" {
		out.Header.Set(middleware.RequestIDHeader, id)
	}
	return out, nil
}

// classify は転送エラーを分類し、メトリクスとログに記録する。
func (d *Dispatcher) classify(service string, target *url.URL, err error) error {
	var reason string
	var classified error

	var netErr net.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		reason = "circuit_open"
		classified = apperror.ErrCircuitOpen
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		reason = "timeout"
		classified = apperror.ErrUpstreamTimeout
	default:
		reason = "unavailable"
		classified = apperror.ErrUpstreamUnavailable
	}

	d.metrics.upstreamErrors.WithLabelValues(service, reason).Inc()
	d.logger.Warn("転送先サービスとの通信に失敗",
		zap.String("service", service),
		zap.String("url", target.String()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return fmt.Errorf("%w: %s: %v", classified, service, err)
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/herbario/pkg/middleware"
)

// shutdownTimeout は停止時に処理中のリクエストを待つ上限時間。
const shutdownTimeout = 10 * time.Second

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// services は転送先サービスの一覧。
	services []Service
	// health はヘルスチェックの集約を行う。
	health *HealthAggregator
	// metrics はメトリクス。
	metrics *Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
// ルーティング表の読み込みや転送先URLの検証に失敗した場合は設定エラーを返す。
func NewServer(cfg Config, verifier middleware.TokenVerifier, logger *zap.Logger) (*Server, error) {
	rules, err := LoadRoutes(cfg.RoutesFile)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, rules, verifier, DefaultBreakerSettings, logger)
}

// newServer はルーティング表とサーキットブレーカーの設定を指定してサーバーを生成する。
func newServer(cfg Config, rules []PolicyRule, verifier middleware.TokenVerifier, breaker BreakerSettings, logger *zap.Logger) (*Server, error) {
	services := cfg.Services()

	table, err := NewTable(rules, services)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	dispatcher, err := NewDispatcher(services, cfg.ProxyTimeout, breaker, metrics, logger)
	if err != nil {
		return nil, err
	}
	gate := NewGate(table, verifier, dispatcher, metrics, logger)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.SecureHeaders())
	router.Use(middleware.CORS(cfg.AllowedOrigins()))
	router.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateLimitWindow))

	s := &Server{
		router:   router,
		port:     cfg.Port,
		services: services,
		health:   NewHealthAggregator(cfg.HealthTimeout, metrics, logger),
		metrics:  metrics,
		logger:   logger,
	}
	s.setupRoutes(verifier, gate)

	for _, r := range table.Rules() {
		logger.Debug("ルールを登録しました",
			zap.String("prefix", r.PathPrefix),
			zap.Bool("auth", r.RequiresAuth),
			zap.String("service", r.Service),
		)
	}
	return s, nil
}

// setupRoutes はAPIルーティングを設定する。
// ルーティング表に従う転送はすべて一致しなかったパスとして Gate.Handle が処理する。
func (s *Server) setupRoutes(verifier middleware.TokenVerifier, gate *Gate) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/health/all", s.handleHealthAll())
	s.router.GET("/secure/ping", middleware.RequireAuth(verifier), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "service": "api-gateway"})
	})
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.router.NoRoute(gate.Handle)
}

// handleHealthAll は全サービスのヘルスチェック結果を返すハンドラを返す。
// すべて稼働中なら200、それ以外は503を返す。
func (s *Server) handleHealthAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := s.health.CheckAll(c.Request.Context(), s.services)
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了したら処理中のリクエストを待って停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Gatewayサービスを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("Gatewayサービスの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Gatewayサービスを停止します")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("Gatewayサービスの停止に失敗: %w", err)
	}
	return nil
}

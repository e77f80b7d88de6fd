package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/herbario/pkg/keys"
	"github.com/nao1215/herbario/pkg/middleware"
	"github.com/nao1215/herbario/pkg/token"
)

// shutdownTimeout は停止時に処理中のリクエストを待つ上限時間。
const shutdownTimeout = 10 * time.Second

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はユーザーの保存先。
	store *Store
	// keys は署名鍵を所有する。
	keys *keys.Manager
	// issuer はアクセストークンを発行する。
	issuer *token.Issuer
	// bcryptCost はパスワードハッシュのコスト。
	bcryptCost int
	// dummyHash は存在しないユーザーのログインでも照合時間を揃えるためのハッシュ。
	dummyHash []byte
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しい認証サーバーを生成する。
// 署名鍵の初期化とデータベースのスキーマ適用を行い、失敗した場合はエラーを返す。
func NewServer(ctx context.Context, cfg Config, logger *zap.Logger) (*Server, error) {
	manager := keys.NewManager(cfg.KeyConfig(), logger)
	if _, err := manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("署名鍵の初期化に失敗: %w", err)
	}

	store, err := OpenStore(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	cost := cfg.bcryptCost()
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("herbario-unknown-user"), cost)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("パスワードハッシュの生成に失敗: %w", err)
	}

	useJSONFieldNames()

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.SecureHeaders())
	router.Use(middleware.CORS(cfg.AllowedOrigins()))
	router.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateLimitWindow))

	s := &Server{
		router:     router,
		port:       cfg.Port,
		store:      store,
		keys:       manager,
		issuer:     token.NewIssuer(manager, cfg.Issuer, cfg.Audience),
		bcryptCost: cost,
		dummyHash:  dummyHash,
		logger:     logger,
	}
	s.setupRoutes()
	return s, nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.POST("/auth/register", s.handleRegister())
	s.router.POST("/auth/login", s.handleLogin())
	s.router.GET("/.well-known/jwks.json", s.handleJWKS())

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth"})
	})
}

// handleJWKS は署名鍵の公開鍵をJWK Setとして返すハンドラを返す。
func (s *Server) handleJWKS() gin.HandlerFunc {
	return func(c *gin.Context) {
		set, err := s.keys.JWKS()
		if err != nil {
			s.logger.Error("JWKSの取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "jwks error"})
			return
		}
		c.Header("Cache-Control", "public, max-age=300")
		c.JSON(http.StatusOK, set)
	}
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.store.Close()
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
		s.logger.Info("認証サービスを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("認証サービスの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("認証サービスを停止します")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("認証サービスの停止に失敗: %w", err)
	}
	return nil
}

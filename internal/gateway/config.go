package gateway

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/herbario/pkg/apperror"
	"github.com/nao1215/herbario/pkg/keys"
	"github.com/nao1215/herbario/pkg/token"
)

// Config はGatewayサービスの設定。環境変数から読み込む。
type Config struct {
	// Port はリッスンポート。
	Port string `env:"PORT" envDefault:"3000"`
	// LogLevel はログレベル。
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Algorithm はトークンの署名アルゴリズム。
	Algorithm string `env:"JWT_ALG" envDefault:"ES256"`
	// JWKSURL は認証サービスのJWKSエンドポイント。PublicKeyPEMとは排他。
	JWKSURL string `env:"AUTH_JWKS_URL"`
	// PublicKeyPEM は検証用の公開鍵。JWKSURLとは排他。
	PublicKeyPEM string `env:"JWT_PUBLIC_KEY_PEM"`
	// JWKSCacheTTL はJWKSから取得した鍵のキャッシュ期間。
	JWKSCacheTTL time.Duration `env:"JWKS_CACHE_TTL" envDefault:"1h"`
	// Issuer は期待するiss。
	Issuer string `env:"JWT_ISSUER" envDefault:"ideam"`
	// Audience は期待するaud。
	Audience string `env:"JWT_AUDIENCE" envDefault:"ideam-services"`

	// LabURL は研究室サービスのURL。
	LabURL string `env:"LAB_SERVICE_URL" envDefault:"http://localhost:3005"`
	// RecepcionURL は受付サービスのURL。
	RecepcionURL string `env:"RECEPCION_SERVICE_URL" envDefault:"http://localhost:3004"`
	// GestionURL は標本館管理サービスのURL。
	GestionURL string `env:"GESTION_HERBARIO_URL" envDefault:"http://localhost:3002"`

	// FrontendURL はCORSで許可するフロントエンドのオリジン。カンマ区切りで複数指定できる。
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`
	// RoutesFile はルーティング表のYAMLファイル。空の場合は組み込みの表を使用する。
	RoutesFile string `env:"ROUTES_FILE"`
	// ProxyTimeout は転送1回あたりのタイムアウト。
	ProxyTimeout time.Duration `env:"PROXY_TIMEOUT" envDefault:"30s"`
	// HealthTimeout はヘルスチェック1件あたりのタイムアウト。
	HealthTimeout time.Duration `env:"HEALTH_TIMEOUT" envDefault:"5s"`
	// RateLimit はRateLimitWindowあたりにクライアントIPごとに許可するリクエスト数。0以下で無制限。
	RateLimit int `env:"RATE_LIMIT" envDefault:"100"`
	// RateLimitWindow はレート制限の集計期間。
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`
}

// サービスID。ルーティング表のserviceから参照する。
const (
	ServiceLab       = "lab"
	ServiceRecepcion = "recepcion"
	ServiceGestion   = "gestion"
)

// Service は転送先のサービス。
type Service struct {
	// ID はルーティング表から参照する識別子。
	ID string
	// Name はヘルスチェック結果に表示する名前。
	Name string
	// URL はサービスのベースURL。
	URL string
}

// Services は設定された転送先サービスを、ヘルスチェック結果に並べる順で返す。
func (c Config) Services() []Service {
	return []Service{
		{ID: ServiceLab, Name: "Lab_Service", URL: c.LabURL},
		{ID: ServiceRecepcion, Name: "Recepcion_Service", URL: c.RecepcionURL},
		{ID: ServiceGestion, Name: "Gestion_Herbario", URL: c.GestionURL},
	}
}

// AllowedOrigins はCORSで許可するオリジンの一覧を返す。
func (c Config) AllowedOrigins() []string {
	return strings.Split(c.FrontendURL, ",")
}

// NewVerifier は設定に応じた検証モードのVerifierを生成する。
// JWKSのURLと公開鍵はどちらか一方だけを設定する必要がある。
// 公開鍵は1行にエスケープされたPEMも受け付ける。
func NewVerifier(cfg Config, logger *zap.Logger) (*token.Verifier, error) {
	if _, err := keys.ParseAlgorithm(cfg.Algorithm); err != nil {
		return nil, err
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	publicPEM := strings.TrimSpace(keys.UnescapePEM(cfg.PublicKeyPEM))

	var keySet token.KeySet
	switch {
	case jwksURL != "" && publicPEM != "":
		return nil, fmt.Errorf("%w: AUTH_JWKS_URL と JWT_PUBLIC_KEY_PEM は同時に指定できません", apperror.ErrConfiguration)
	case jwksURL != "":
		remote, err := token.NewRemoteKeySet(jwksURL,
			token.WithCacheTTL(cfg.JWKSCacheTTL),
			token.WithRemoteLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		logger.Info("JWKSで検証します", zap.String("url", jwksURL))
		keySet = remote
	case publicPEM != "":
		static, err := token.NewStaticKeySet(publicPEM)
		if err != nil {
			return nil, err
		}
		logger.Info("公開鍵で検証します", zap.String("kid", static.KID()))
		keySet = static
	default:
		return nil, fmt.Errorf("%w: AUTH_JWKS_URL または JWT_PUBLIC_KEY_PEM を指定してください", apperror.ErrConfiguration)
	}

	return token.NewVerifier(keySet, cfg.Algorithm, cfg.Issuer, cfg.Audience, token.WithLogger(logger)), nil
}

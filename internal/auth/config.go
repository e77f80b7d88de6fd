package auth

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/herbario/pkg/keys"
)

// Config は認証サービスの設定。環境変数から読み込む。
type Config struct {
	// Port はリッスンポート。
	Port string `env:"PORT" envDefault:"3001"`
	// LogLevel はログレベル。
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// PrivateKeyPEM は署名用の秘密鍵。必須。
	PrivateKeyPEM string `env:"JWT_PRIVATE_KEY_PEM"`
	// PublicKeyPEM は公開鍵。省略時は秘密鍵から導出する。
	PublicKeyPEM string `env:"JWT_PUBLIC_KEY_PEM"`
	// Algorithm はトークンの署名アルゴリズム。
	Algorithm string `env:"JWT_ALG" envDefault:"ES256"`
	// Issuer は発行するトークンのiss。
	Issuer string `env:"JWT_ISSUER" envDefault:"ideam"`
	// Audience は発行するトークンのaud。
	Audience string `env:"JWT_AUDIENCE" envDefault:"ideam-services"`

	// DatabasePath はユーザーを保存するSQLiteファイルのパス。":memory:" でインメモリになる。
	DatabasePath string `env:"AUTH_DB_PATH" envDefault:"auth.db"`
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int `env:"BCRYPT_COST" envDefault:"10"`

	// CORSOrigins はCORSで許可するオリジン。カンマ区切り。"*" ですべて許可する。
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"*"`
	// RateLimit はRateLimitWindowあたりにクライアントIPごとに許可するリクエスト数。0以下で無制限。
	RateLimit int `env:"RATE_LIMIT" envDefault:"200"`
	// RateLimitWindow はレート制限の集計期間。
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`
}

// KeyConfig は鍵ペアの入力素材を返す。
// 環境変数で1行に書かれたPEMの "\n" は改行に戻す。
func (c Config) KeyConfig() keys.Config {
	return keys.Config{
		PrivateKeyPEM: keys.UnescapePEM(c.PrivateKeyPEM),
		PublicKeyPEM:  keys.UnescapePEM(c.PublicKeyPEM),
		Algorithm:     c.Algorithm,
	}
}

// AllowedOrigins はCORSで許可するオリジンの一覧を返す。
func (c Config) AllowedOrigins() []string {
	return strings.Split(c.CORSOrigins, ",")
}

// bcryptCost はbcryptが受け付ける範囲に収めたコストを返す。
func (c Config) bcryptCost() int {
	switch {
	case c.BcryptCost <= 0:
		return bcrypt.DefaultCost
	case c.BcryptCost < bcrypt.MinCost:
		return bcrypt.MinCost
	case c.BcryptCost > bcrypt.MaxCost:
		return bcrypt.MaxCost
	default:
		return c.BcryptCost
	}
}

package keys

import (
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nao1215/herbario/pkg/apperror"
)

// DefaultAlgorithm は設定で署名アルゴリズムが省略された場合に使用するアルゴリズム。
const DefaultAlgorithm = "ES256"

// ErrNotInitialized は初期化前に鍵ペアを参照したことを表す。
var ErrNotInitialized = errors.New("鍵ペアが初期化されていません")

// Config は鍵ペアの入力素材。
type Config struct {
	// PrivateKeyPEM はPKCS#8 / SEC1 / PKCS#1形式の秘密鍵PEM。必須。
	PrivateKeyPEM string
	// PublicKeyPEM はSPKI形式の公開鍵PEM。省略時は秘密鍵から導出する。
	PublicKeyPEM string
	// Algorithm はJWS署名アルゴリズム（例: "ES256"）。
	Algorithm string
}

// Keypair は署名鍵と公開JWK、およびkidの組。初期化後は変更しない。
type Keypair struct {
	// Algorithm は署名アルゴリズム。
	Algorithm jwa.SignatureAlgorithm
	// PrivateKey は署名に使用する秘密鍵。
	PrivateKey crypto.Signer
	// PublicJWK は公開用のJWK。秘密成分を含まない。
	PublicJWK jwk.Key
	// KID は公開JWKのSHA-256サムプリント（base64url）。
	KID string
}

// Manager は鍵ペアを所有し、一度だけ初期化する。
type Manager struct {
	// cfg は鍵素材の設定。
	cfg Config
	// logger は構造化ロガー。
	logger *zap.Logger
	// group は同時に呼ばれた初期化を1回の導出にまとめる。
	group singleflight.Group

	mu      sync.RWMutex
	keypair *Keypair
}

// NewManager は新しいManagerを生成する。鍵の読み込みはInitializeまで行わない。
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.Algorithm == "" {
		cfg.Algorithm = DefaultAlgorithm
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Initialize は鍵ペアを初期化して返す。2回目以降は初期化済みの鍵ペアをそのまま返す。
// 初期化中に呼ばれた場合は進行中の初期化の完了を待つ。失敗した結果はキャッシュしない。
func (m *Manager) Initialize(ctx context.Context) (*Keypair, error) {
	if kp, err := m.Current(); err == nil {
		return kp, nil
	}

	ch := m.group.DoChan("initialize", func() (any, error) {
		if kp, err := m.Current(); err == nil {
			return kp, nil
		}
		kp, err := derive(m.cfg)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.keypair = kp
		m.mu.Unlock()

		m.logger.Info("署名鍵を初期化しました",
			zap.String("kid", kp.KID),
			zap.String("alg", kp.Algorithm.String()),
		)
		return kp, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Keypair), nil
	}
}

// Current は初期化済みの鍵ペアを返す。未初期化の場合はErrNotInitializedを返す。
func (m *Manager) Current() (*Keypair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.keypair == nil {
		return nil, ErrNotInitialized
	}
	return m.keypair, nil
}

// JWKS は公開鍵を1つ含むJWK Setを返す。
func (m *Manager) JWKS() (jwk.Set, error) {
	kp, err := m.Current()
	if err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(kp.PublicJWK); err != nil {
		return nil, fmt.Errorf("JWK Setへの追加に失敗: %w", err)
	}
	return set, nil
}

// derive は設定から鍵ペアを導出する。
func derive(cfg Config) (*Keypair, error) {
	alg, err := ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.PrivateKeyPEM) == "" {
		return nil, fmt.Errorf("%w: 秘密鍵が設定されていません", apperror.ErrConfiguration)
	}

	privJWK, err := jwk.ParseKey([]byte(cfg.PrivateKeyPEM), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("%w: 秘密鍵の解析に失敗: %v", apperror.ErrConfiguration, err)
	}
	var raw any
	if err := privJWK.Raw(&raw); err != nil {
		return nil, fmt.Errorf("%w: 秘密鍵の取り出しに失敗: %v", apperror.ErrConfiguration, err)
	}
	signer, ok := raw.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: 秘密鍵ではありません", apperror.ErrConfiguration)
	}
	if err := checkKeyType(privJWK, alg); err != nil {
		return nil, err
	}

	derived, err := DerivePublicJWK(privJWK)
	if err != nil {
		return nil, fmt.Errorf("%w: 公開鍵の導出に失敗: %v", apperror.ErrConfiguration, err)
	}

	pubJWK := derived
	if strings.TrimSpace(cfg.PublicKeyPEM) != "" {
		pubJWK, err = jwk.ParseKey([]byte(cfg.PublicKeyPEM), jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("%w: 公開鍵の解析に失敗: %v", apperror.ErrConfiguration, err)
		}
		if err := sameKey(pubJWK, derived); err != nil {
			return nil, err
		}
	}

	kid, err := Thumbprint(pubJWK)
	if err != nil {
		return nil, fmt.Errorf("%w: kidの計算に失敗: %v", apperror.ErrConfiguration, err)
	}
	for k, v := range map[string]any{
		jwk.KeyIDKey:     kid,
		jwk.AlgorithmKey: alg,
		jwk.KeyUsageKey:  jwk.ForSignature,
	} {
		if err := pubJWK.Set(k, v); err != nil {
			return nil, fmt.Errorf("%w: JWKの属性設定に失敗: %v", apperror.ErrConfiguration, err)
		}
	}

	return &Keypair{
		Algorithm:  alg,
		PrivateKey: signer,
		PublicJWK:  pubJWK,
		KID:        kid,
	}, nil
}

// DerivePublicJWK は秘密鍵のJWKから秘密成分を取り除いた公開JWKを返す。
func DerivePublicJWK(privJWK jwk.Key) (jwk.Key, error) {
	return jwk.PublicKeyOf(privJWK)
}

// Thumbprint はJWKのRFC 7638サムプリント（SHA-256）をパディングなしbase64urlで返す。
// サムプリントは鍵種別ごとの必須メンバーだけから計算されるため、kidやalgの有無に依存しない。
func Thumbprint(key jwk.Key) (string, error) {
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// sameKey は指定された公開鍵が秘密鍵から導出した公開鍵と一致するかを検証する。
func sameKey(given, derived jwk.Key) error {
	a, err := Thumbprint(given)
	if err != nil {
		return fmt.Errorf("%w: 公開鍵のサムプリント計算に失敗: %v", apperror.ErrConfiguration, err)
	}
	b, err := Thumbprint(derived)
	if err != nil {
		return fmt.Errorf("%w: 公開鍵のサムプリント計算に失敗: %v", apperror.ErrConfiguration, err)
	}
	if a != b {
		return fmt.Errorf("%w: 公開鍵が秘密鍵と対応していません", apperror.ErrConfiguration)
	}
	return nil
}

// UnescapePEM は環境変数に1行で書かれたPEMの "\n" を改行に戻す。
func UnescapePEM(pem string) string {
	return strings.ReplaceAll(pem, `\n`, "\n")
}

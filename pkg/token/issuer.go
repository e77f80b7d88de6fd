package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/herbario/pkg/keys"
)

// KeySource は署名に使用する鍵ペアを提供する。
type KeySource interface {
	// Current は初期化済みの鍵ペアを返す。
	Current() (*keys.Keypair, error)
}

// Issuer はアクセストークンを発行する。
type Issuer struct {
	// keys は署名鍵の提供元。
	keys KeySource
	// issuer は固定のiss。
	issuer string
	// audience は固定のaud。
	audience string
	// now は現在時刻を返す。
	now func() time.Time
}

// NewIssuer は新しいIssuerを生成する。
func NewIssuer(src KeySource, issuer, audience string) *Issuer {
	return &Issuer{
		keys:     src,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Issue はクレームに署名してコンパクト形式のトークンを返す。
// iss, aud, iat, exp は呼び出し側の値に関わらず上書きする。
func (i *Issuer) Issue(claims Claims) (string, error) {
	kp, err := i.keys.Current()
	if err != nil {
		return "", fmt.Errorf("署名鍵の取得に失敗: %w", err)
	}

	now := i.now()
	claims.Issuer = i.issuer
	claims.Audience = jwt.ClaimStrings{i.audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(AccessTokenTTL))

	method := jwt.GetSigningMethod(kp.Algorithm.String())
	if method == nil {
		return "", fmt.Errorf("署名方式 %s が見つかりません", kp.Algorithm)
	}

	t := jwt.NewWithClaims(method, claims)
	t.Header["kid"] = kp.KID

	signed, err := t.SignedString(kp.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

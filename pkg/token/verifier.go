package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nao1215/herbario/pkg/apperror"
)

// KeySet はトークンのkidから検証用の公開鍵を解決する。
type KeySet interface {
	// Resolve はkidに対応する公開鍵を返す。kidが空の場合の扱いは実装に依存する。
	Resolve(ctx context.Context, kid string) (any, error)
}

// errInvalidRole はクレームのロールが未設定であることを表す。
var errInvalidRole = errors.New("ロールが未設定です")

// Verifier はアクセストークンを検証する。
type Verifier struct {
	// keys は検証鍵の解決元。
	keys KeySet
	// algorithm は許可する署名アルゴリズム。
	algorithm string
	// issuer は期待するiss。
	issuer string
	// audience は期待するaud。
	audience string
	// now は現在時刻を返す。
	now func() time.Time
	// logger は構造化ロガー。
	logger *zap.Logger
}

// VerifierOption はVerifierの任意設定。
type VerifierOption func(*Verifier)

// WithClock は検証に使用する時刻関数を設定する。
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger はVerifierのロガーを設定する。
func WithLogger(logger *zap.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(keySet KeySet, algorithm, issuer, audience string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:      keySet,
		algorithm: algorithm,
		issuer:    issuer,
		audience:  audience,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify はトークンの署名・iss・aud・有効期限を検証してクレームを返す。
// 失敗理由に関わらず apperror.ErrAuth を返し、原因はデバッグログにのみ出力する。
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims, err := v.verify(ctx, raw)
	if err != nil {
		v.logger.Debug("トークンの検証に失敗", zap.Error(err))
		return nil, apperror.ErrAuth
	}
	return claims, nil
}

// verify は検証の本体。失敗理由をそのまま返す。
func (v *Verifier) verify(ctx context.Context, raw string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Resolve(ctx, kid)
	})
	if err != nil {
		return nil, err
	}

	// exp == now は期限切れとして扱う
	if !v.now().Before(claims.ExpiresAt.Time) {
		return nil, jwt.ErrTokenExpired
	}
	if !claims.Role.Valid() {
		return nil, errInvalidRole
	}
	return claims, nil
}

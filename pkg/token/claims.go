package token

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenTTL はアクセストークンの有効期間。
const AccessTokenTTL = 15 * time.Minute

// Claims はアクセストークンのクレーム。
// Issuerが発行時に生成し、検証後は読み取り専用として扱う。
type Claims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーのロール。
	Role Role `json:"role"`
	// HerbarioID はユーザーが所属する標本館のID。所属がなければnil。
	HerbarioID *string `json:"herbario_id"`
}

// claimsContextKey はコンテキストにクレームを格納するためのキー。
type claimsContextKey struct{}

// WithClaims は検証済みのクレームをコンテキストに格納する。
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext はコンテキストから検証済みのクレームを取り出す。
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok && claims != nil
}

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/herbario/pkg/apperror"
	"github.com/nao1215/herbario/pkg/token"
)

// TokenVerifier はアクセストークンを検証する。
type TokenVerifier interface {
	// Verify はトークンを検証してクレームを返す。
	Verify(ctx context.Context, raw string) (*token.Claims, error)
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(c *gin.Context) (string, bool) {
	raw, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found || strings.TrimSpace(raw) == "" {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

// RequireAuth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、クレームをリクエストのコンテキストに格納する。
// 受信したヘッダーは変更しない。
func RequireAuth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing token"})
			return
		}

		claims, err := v.Verify(c.Request.Context(), raw)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.Request = c.Request.WithContext(token.WithClaims(c.Request.Context(), claims))
	}
}

// RequireRole は認証済みユーザーのロールを検査するGinミドルウェアを返す。
// RequireAuth の後に適用する必要がある。
func RequireRole(role token.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			apperror.Respond(c, apperror.ErrAuth)
			return
		}
		if claims.Role != role {
			apperror.Respond(c, &apperror.AuthorizationError{
				Required: role.String(),
				Actual:   claims.Role.String(),
			})
		}
	}
}

// AllowMethods は許可されたHTTPメソッド以外を404で拒否するGinミドルウェアを返す。
// methodsが空の場合はすべてのメソッドを許可する。
func AllowMethods(methods ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		allowed[strings.ToUpper(m)] = struct{}{}
	}

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			return
		}
		if _, ok := allowed[c.Request.Method]; !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Not found"})
		}
	}
}

// ClaimsFrom はGinコンテキストから検証済みのクレームを取得する。
func ClaimsFrom(c *gin.Context) (*token.Claims, bool) {
	return token.ClaimsFromContext(c.Request.Context())
}

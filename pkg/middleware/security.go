package middleware

import "github.com/gin-gonic/gin"

// secureHeaders はすべてのレスポンスに付与するセキュリティ関連ヘッダー。
var secureHeaders = map[string]string{
	"X-Content-Type-Options":            "nosniff",
	"X-Frame-Options":                   "SAMEORIGIN",
	"X-DNS-Prefetch-Control":            "off",
	"X-Download-Options":                "noopen",
	"X-Permitted-Cross-Domain-Policies": "none",
	"Referrer-Policy":                   "no-referrer",
	"Strict-Transport-Security":         "max-age=15552000; includeSubDomains",
	"Cross-Origin-Opener-Policy":        "same-origin",
	"Cross-Origin-Resource-Policy":      "same-origin",
}

// SecureHeaders はセキュリティ関連のレスポンスヘッダーを付与するGinミドルウェアを返す。
// 後続のハンドラーが同じヘッダーを設定した場合はそちらが優先される。
func SecureHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for k, v := range secureHeaders {
			h.Set(k, v)
		}
		h.Del("X-Powered-By")
		c.Next()
	}
}

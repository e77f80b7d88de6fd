package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader はリクエストIDを伝播するHTTPヘッダー。
const RequestIDHeader = "X-Request-ID"

// requestIDContextKey はリクエストのコンテキストにリクエストIDを格納するキー。
type requestIDContextKey struct{}

// RequestLogger はリクエストIDを採番し、完了したリクエストを構造化ログに出力するGinミドルウェアを返す。
// 受信したX-Request-IDがあればそれを引き継ぐ。
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), requestIDContextKey{}, requestID))
		c.Header(RequestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("requestID", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("clientIP", c.ClientIP()),
		}
		if claims, ok := ClaimsFrom(c); ok {
			fields = append(fields, zap.String("userID", claims.Subject), zap.String("role", claims.Role.String()))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("リクエスト完了", fields...)
		case status >= 400:
			logger.Warn("リクエスト完了", fields...)
		default:
			logger.Info("リクエスト完了", fields...)
		}
	}
}

// RequestID はGinコンテキストからリクエストIDを取得する。
// RequestLoggerが適用されていない場合は空文字を返す。
func RequestID(c *gin.Context) string {
	return RequestIDFromContext(c.Request.Context())
}

// RequestIDFromContext はコンテキストからリクエストIDを取得する。
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

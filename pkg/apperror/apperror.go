// Package apperror はゲートウェイと認証サービスで共通して使用するエラー分類を提供する。
//
// 各エラーはHTTPステータスコードに対応付けられており、ハンドラは
// Respond を呼ぶだけで分類に応じたJSONレスポンスを返せる。
// 認証エラーの原因はクライアントに開示しない。
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	// ErrConfiguration は鍵素材の欠落や解析失敗など、起動を継続できない設定エラー。
	ErrConfiguration = errors.New("configuration error")
	// ErrAuth はトークンの欠落・不正・期限切れ・未知の鍵など認証の失敗を表す。
	// どの検査で失敗したかは区別しない。
	ErrAuth = errors.New("authentication failed")
	// ErrUpstreamUnavailable は転送先サービスに接続できないことを表す。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamTimeout は転送先サービスが時間内に応答しなかったことを表す。
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrCircuitOpen は転送先サービスへのサーキットブレーカーが開いていることを表す。
	ErrCircuitOpen = errors.New("circuit open")
	// ErrConflict は一意制約に違反したことを表す。
	ErrConflict = errors.New("conflict")
)

// AuthorizationError は認証済みだがロールが不足していることを表す。
// 要求ロールと実際のロールはクライアントに開示してよい。
type AuthorizationError struct {
	// Required はルートが要求するロール。
	Required string
	// Actual はトークンに含まれるロール。
	Actual string
}

// Error はerrorインターフェースを実装する。
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("Role required: %s. Current role: %s", e.Required, e.Actual)
}

// ValidationError は管理系の入力が不正であることを表す。
type ValidationError struct {
	// Fields はフィールド名とエラー内容の対応。
	Fields map[string]string
}

// NewValidationError はフィールド単位のエラーを持つValidationErrorを生成する。
func NewValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return "validation failed: " + strings.Join(names, ", ")
}

// Status はエラーに対応するHTTPステータスコードを返す。
// 分類されていないエラーは500になる。
func Status(err error) int {
	var authzErr *AuthorizationError
	var validationErr *ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.As(err, &authzErr):
		return http.StatusForbidden
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Respond はエラーを分類に応じたJSONレスポンスとして書き込み、後続のハンドラを中断する。
func Respond(c *gin.Context, err error) {
	status := Status(err)

	var authzErr *AuthorizationError
	var validationErr *ValidationError
	switch {
	case errors.Is(err, ErrAuth):
		c.AbortWithStatusJSON(status, gin.H{"error": "Invalid token"})
	case errors.As(err, &authzErr):
		c.AbortWithStatusJSON(status, gin.H{"error": authzErr.Error()})
	case errors.As(err, &validationErr):
		c.AbortWithStatusJSON(status, gin.H{"error": "Validation failed", "fields": validationErr.Fields})
	case errors.Is(err, ErrConflict):
		c.AbortWithStatusJSON(status, gin.H{"error": "Already exists"})
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrCircuitOpen):
		c.AbortWithStatusJSON(status, gin.H{"error": "Upstream unavailable"})
	default:
		c.AbortWithStatusJSON(status, gin.H{"error": "Internal server error"})
	}
}

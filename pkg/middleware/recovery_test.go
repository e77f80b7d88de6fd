package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// TestRecovery はパニックが共通のエラー形式の500に変換されることを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
	}{
		{name: "文字列のパニック", value: "標本が見つからない"},
		{name: "整数のパニック", value: 42},
		{name: "errorのパニック", value: errors.New("upstream closed")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := gin.New()
			router.Use(Recovery(zaptest.NewLogger(t)))
			router.POST("/recepcion/lotes", func(_ *gin.Context) {
				panic(tt.value)
			})
			router.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/recepcion/lotes", nil))

			if w.Code != http.StatusInternalServerError {
				t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if body["error"] != "Internal server error" {
				t.Errorf("error = %q, want %q", body["error"], "Internal server error")
			}

			// 同じルーターで続けて処理できること
			next := httptest.NewRecorder()
			router.ServeHTTP(next, httptest.NewRequest(http.MethodGet, "/health", nil))
			if next.Code != http.StatusOK {
				t.Errorf("パニック後のステータスコード = %d, want %d", next.Code, http.StatusOK)
			}
		})
	}
}

// TestRecoveryLogging はパニックの内容とリクエストIDがログに出力されることを検証する。
func TestRecoveryLogging(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core)

	router := gin.New()
	router.Use(RequestLogger(zap.NewNop()), Recovery(logger))
	router.GET("/panic", func(_ *gin.Context) {
		panic("標本データ破損")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("ログ件数 = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["requestID"] != "req-42" {
		t.Errorf("requestID = %v, want %q", fields["requestID"], "req-42")
	}
	if fields["panic"] != "標本データ破損" {
		t.Errorf("panic = %v, want %q", fields["panic"], "標本データ破損")
	}
	if fields["path"] != "/panic" {
		t.Errorf("path = %v, want %q", fields["path"], "/panic")
	}
	if _, ok := fields["stack"]; !ok {
		t.Error("スタックトレースが出力されていない")
	}
}

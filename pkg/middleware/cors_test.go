package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// corsRouter はCORSの後ろで呼び出し回数を数えるルーターを返す。
func corsRouter(allowed []string, calls *int) *gin.Engine {
	router := gin.New()
	router.Use(CORS(allowed))
	handler := func(c *gin.Context) {
		*calls++
		c.Status(http.StatusOK)
	}
	router.GET("/laboratorio/muestras", handler)
	router.OPTIONS("/laboratorio/muestras", handler)
	return router
}

// TestCORS はオリジンの判定とプリフライトの応答を検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	frontends := []string{"http://localhost:5173", "https://herbario.example.org/"}

	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantOrigin string
		wantStatus int
		wantCalled bool
	}{
		{name: "開発用フロントエンドを許可すること", allowed: frontends, method: http.MethodGet, origin: "http://localhost:5173", wantOrigin: "http://localhost:5173", wantStatus: http.StatusOK, wantCalled: true},
		{name: "末尾スラッシュ付きで設定したオリジンも一致すること", allowed: frontends, method: http.MethodGet, origin: "https://herbario.example.org", wantOrigin: "https://herbario.example.org", wantStatus: http.StatusOK, wantCalled: true},
		{name: "一覧にないオリジンにはヘッダーを付けずに処理を続けること", allowed: frontends, method: http.MethodGet, origin: "https://phishing.example", wantStatus: http.StatusOK, wantCalled: true},
		{name: "Originのない同一オリジン要求はそのまま通ること", allowed: frontends, method: http.MethodGet, wantStatus: http.StatusOK, wantCalled: true},
		{name: "ワイルドカードは任意のオリジンを反射すること", allowed: []string{"*"}, method: http.MethodGet, origin: "https://museo.example", wantOrigin: "https://museo.example", wantStatus: http.StatusOK, wantCalled: true},
		{name: "空の設定では何も許可しないこと", allowed: []string{"", " "}, method: http.MethodGet, origin: "http://localhost:5173", wantStatus: http.StatusOK, wantCalled: true},
		{name: "プリフライトは204で終わりハンドラに届かないこと", allowed: frontends, method: http.MethodOptions, origin: "http://localhost:5173", wantOrigin: "http://localhost:5173", wantStatus: http.StatusNoContent},
		{name: "許可外オリジンのプリフライトも204だがヘッダーは付かないこと", allowed: frontends, method: http.MethodOptions, origin: "https://phishing.example", wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			router := corsRouter(tt.allowed, &calls)

			req := httptest.NewRequest(tt.method, "/laboratorio/muestras", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if called := calls > 0; called != tt.wantCalled {
				t.Errorf("ハンドラ呼び出し = %v, want %v", called, tt.wantCalled)
			}
		})
	}
}

// TestCORSHeaders は許可したオリジンに返すヘッダー一式を検証する。
func TestCORSHeaders(t *testing.T) {
	t.Parallel()

	calls := 0
	router := corsRouter([]string{"http://localhost:5173"}, &calls)

	req := httptest.NewRequest(http.MethodOptions, "/laboratorio/muestras", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	want := map[string]string{
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Allow-Methods":     "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		"Access-Control-Allow-Headers":     "Authorization, Content-Type, X-Request-ID",
		"Access-Control-Expose-Headers":    RequestIDHeader,
		"Access-Control-Max-Age":           "86400",
		"Vary":                             "Origin",
	}
	for name, value := range want {
		if got := w.Header().Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
}

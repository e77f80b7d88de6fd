package gateway

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/herbario/pkg/apperror"
	"github.com/nao1215/herbario/pkg/middleware"
)

// unmatchedRule はどのルールにも一致しなかったリクエストのメトリクスラベル。
const unmatchedRule = "unmatched"

// Gate はルーティング表に従ってリクエストを認証・認可し、転送する。
// ルールごとの処理の連鎖は生成時に一度だけ組み立てる。
type Gate struct {
	// table はルーティング表。
	table *Table
	// chains はパス接頭辞ごとのハンドラの連鎖。
	chains map[string][]gin.HandlerFunc
	// dispatcher は転送を行う。
	dispatcher *Dispatcher
	// metrics はメトリクス。
	metrics *Metrics
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewGate は新しいGateを生成する。
func NewGate(table *Table, verifier middleware.TokenVerifier, dispatcher *Dispatcher, metrics *Metrics, logger *zap.Logger) *Gate {
	g := &Gate{
		table:      table,
		chains:     make(map[string][]gin.HandlerFunc),
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}

	for _, rule := range table.Rules() {
		var chain []gin.HandlerFunc
		if rule.RequiresAuth {
			chain = append(chain, middleware.RequireAuth(verifier))
		}
		if rule.RequiredRole != nil {
			chain = append(chain, middleware.RequireRole(*rule.RequiredRole))
		}
		chain = append(chain, middleware.AllowMethods(rule.AllowedMethods...), g.forward(rule))
		g.chains[rule.PathPrefix] = chain
	}
	return g
}

// Handle はパスを正規化し、一致したルールの連鎖を順に実行する。いずれかの段階で中断された場合はそこで終了する。
func (g *Gate) Handle(c *gin.Context) {
	c.Request.URL.Path = CleanPath(c.Request.URL.Path)
	c.Request.URL.RawPath = ""

	rule, ok := g.table.Match(c.Request.URL.Path)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Not found"})
		g.metrics.requests.WithLabelValues(unmatchedRule, strconv.Itoa(http.StatusNotFound)).Inc()
		return
	}

	for _, step := range g.chains[rule.PathPrefix] {
		step(c)
		if c.IsAborted() {
			break
		}
	}
	g.metrics.requests.WithLabelValues(rule.PathPrefix, strconv.Itoa(c.Writer.Status())).Inc()
}

// forward は認可済みのリクエストを転送し、レスポンスをそのまま返すハンドラを返す。
func (g *Gate) forward(rule PolicyRule) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := middleware.ClaimsFrom(c)

		resp, err := g.dispatcher.Forward(c.Request.Context(), c.Request, rule, claims)
		if err != nil {
			_ = c.Error(err)
			apperror.Respond(c, err)
			return
		}
		defer resp.Body.Close()

		header := c.Writer.Header()
		RemoveHopHeaders(resp.Header)
		for name, values := range resp.Header {
			header.Del(name)
			for _, v := range values {
				header.Add(name, v)
			}
		}
		c.Status(resp.StatusCode)
		c.Writer.WriteHeaderNow()

		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			g.logger.Warn("レスポンスの転送が途中で失敗しました",
				zap.String("service", rule.Service),
				zap.String("requestID", middleware.RequestID(c)),
				zap.Error(err),
			)
			c.Abort()
		}
	}
}

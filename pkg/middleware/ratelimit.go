package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimit はクライアントIPごとにリクエスト数を制限するGinミドルウェアを返す。
// windowあたりlimit件まで許可し、超過した場合は429を返す。
// IPごとのリミッターは最後の利用からwindowの2倍の間保持する。
func RateLimit(limit int, window time.Duration) gin.HandlerFunc {
	if limit <= 0 || window <= 0 {
		return func(*gin.Context) {}
	}

	every := rate.Every(window / time.Duration(limit))
	limiters := gocache.New(2*window, window)

	limiterFor := func(key string) *rate.Limiter {
		if l, ok := limiters.Get(key); ok {
			limiters.SetDefault(key, l)
			return l.(*rate.Limiter)
		}
		l := rate.NewLimiter(every, limit)
		if err := limiters.Add(key, l, gocache.DefaultExpiration); err != nil {
			// 同時に追加された場合は先に登録されたリミッターを使う
			if existing, ok := limiters.Get(key); ok {
				return existing.(*rate.Limiter)
			}
		}
		return l
	}

	return func(c *gin.Context) {
		l := limiterFor(c.ClientIP())
		r := l.Reserve()
		delay := r.Delay()

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		if delay > 0 {
			r.Cancel()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(int(l.Tokens()), 0)))
		c.Next()
	}
}

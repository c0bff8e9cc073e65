package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"sketchroom/internal/store"
)

// RateLimit 返回一个 Gin 中间件，基于客户端 IP 在存储中计数限流。
// 存储不可用时放行 (不因存储故障拒绝请求)。
func RateLimit(st *store.Adapter, maxRequests int, window time.Duration) gin.HandlerFunc {
	if st == nil {
		panic("store adapter cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		// 注意：如果服务在反向代理后面，需要配置 gin 的 TrustedProxies 以获取真实 IP
		key := "ip:" + c.ClientIP()
		if !st.Allow(c.Request.Context(), key, maxRequests, window) {
			logrus.WithField("client_ip", c.ClientIP()).Warn("RateLimit: Too many requests")
			c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds()+0.5)))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}

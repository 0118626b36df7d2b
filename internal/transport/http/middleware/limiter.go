// Package middleware file: internal/transport/http/middleware/limiter.go
package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterEntry 存储限制器和最后访问时间，用于清理
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 按客户端 IP 做令牌桶限流，外加一个全局桶兜底。
// 认证属于外部协作方；这里只保护数据平面不被单个来源打满。
type IPRateLimiter struct {
	global   *rate.Limiter
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewIPRateLimiter 创建限流器并启动后台清理守护进程。
func NewIPRateLimiter(globalRate float64, globalBurst int, perIPRate float64, perIPBurst int) *IPRateLimiter {
	l := &IPRateLimiter{
		global:   rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perIPRate),
		burst:    perIPBurst,
	}
	go l.cleanupDaemon()
	return l
}

// getClientIP 从请求中获取客户端 IP 地址，考虑代理情况
func getClientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	ip = strings.TrimSpace(strings.Split(ip, ",")[0])
	if ip != "" {
		return ip
	}
	ip = r.Header.Get("X-Real-IP")
	if ip != "" {
		return ip
	}
	ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	return ip
}

// getLimiter 返回或创建指定 IP 的速率限制器
func (l *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.limiters[ip]
	if !exists {
		limiter := rate.NewLimiter(l.rate, l.burst)
		l.limiters[ip] = &limiterEntry{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanupDaemon 定期清理不活跃的 IP 条目
func (l *IPRateLimiter) cleanupDaemon() {
	for {
		time.Sleep(10 * time.Minute)
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if time.Since(entry.lastSeen) > 15*time.Minute {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware 返回 Gin 中间件：先过全局桶，再过 per-IP 桶。
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.global.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry later"})
			return
		}
		if !l.getLimiter(getClientIP(c.Request)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests from this address"})
			return
		}
		c.Next()
	}
}

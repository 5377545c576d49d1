package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/ceyewan/genesis/clog"
	glimit "github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"

	"github.com/ceyewan/pulse/ratelimit"
)

const (
	// UserIDKey 上游认证中间件写入 gin.Context 的用户 ID
	UserIDKey = "user_id"
	// UserIDHeader 由 API 网关透传的用户 ID
	UserIDHeader = "X-User-ID"
	// PhoneHeader 登录/注册请求的手机号，用作次身份
	PhoneHeader = "X-Phone"
)

// RequestChecker 端点限流检查，gateway.Handler 满足此接口
type RequestChecker interface {
	OnHTTPRequest(ctx context.Context, id ratelimit.Identity, endpoint string) (ratelimit.Decision, error)
}

// IdentityFunc 从请求中提取限流身份
type IdentityFunc func(c *gin.Context) ratelimit.Identity

// DefaultIdentity IP + 用户 ID + 手机号
func DefaultIdentity(c *gin.Context) ratelimit.Identity {
	id := ratelimit.Identity{
		IP:     c.ClientIP(),
		UserID: c.GetHeader(UserIDHeader),
		Phone:  c.GetHeader(PhoneHeader),
	}
	if v, ok := c.Get(UserIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			id.UserID = s
		}
	}
	return id
}

// RateLimit 固定窗口端点限流，拒绝时返回 429 与 Retry-After
// 端点取路由模板（c.FullPath），未注册路由退化为原始路径
func RateLimit(checker RequestChecker, identity IdentityFunc, logger clog.Logger) gin.HandlerFunc {
	if identity == nil {
		identity = DefaultIdentity
	}
	return func(c *gin.Context) {
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		id := identity(c)

		d, err := checker.OnHTTPRequest(c.Request.Context(), id, endpoint)
		if err != nil {
			// 参数错误等非存储故障，同样放行
			logger.Error("ratelimit check failed", clog.Error(err))
			c.Next()
			return
		}

		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			logger.Warn("rate limit exceeded",
				clog.String("client_ip", id.IP),
				clog.String("user_id", id.UserID),
				clog.String("endpoint", endpoint),
				clog.String("action", d.Rule.Action),
				clog.Int("retry_after", retry))
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		if len(d.Results) > 0 {
			r := d.Results[0]
			c.Header("X-RateLimit-Limit", strconv.FormatInt(r.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(max(r.Limit-r.Current, 0), 10))
		}
		c.Next()
	}
}

// GlobalIP 进程内令牌桶，挡住单 IP 的突发洪峰，不占用临时存储
func GlobalIP(limiter glimit.Limiter, limit glimit.Limit, logger clog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("global_ip:%s", c.ClientIP())

		allowed, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			logger.Error("global ratelimit check failed", clog.Error(err))
			c.Next()
			return
		}

		if !allowed {
			logger.Warn("global rate limit exceeded",
				clog.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

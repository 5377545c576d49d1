package middleware

import (
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ceyewan/pulse/observability"
)

// RequestIDHeader 请求 ID 头
const RequestIDHeader = "X-Request-ID"

// IDGenerator 请求 ID 生成器，genesis idgen.Generator 满足此接口
type IDGenerator interface {
	Next() string
}

// Logger 请求日志与链路：提取上游 traceparent，开启服务端 span，生成请求 ID
// skipPaths 中的路径（健康检查等）不记录日志
func Logger(logger clog.Logger, ids IDGenerator, skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if _, ok := skip[path]; ok {
			c.Next()
			return
		}

		carrier := map[string]string{}
		if tp := c.GetHeader("traceparent"); tp != "" {
			carrier["traceparent"] = tp
		}
		ctx := observability.ExtractTraceContext(c.Request.Context(), carrier)
		ctx, end := observability.StartSpan(ctx, c.Request.Method+" "+path,
			attribute.String("http.client_ip", c.ClientIP()))
		defer end()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" && ids != nil {
			requestID = ids.Next()
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		fields := []clog.Field{
			clog.String("request_id", requestID),
			clog.String("method", c.Request.Method),
			clog.String("path", path),
			clog.String("query", c.Request.URL.RawQuery),
			clog.Int("status", c.Writer.Status()),
			clog.String("client_ip", c.ClientIP()),
			clog.Duration("latency", latency),
		}

		// 使用 ...Context 以便自动提取 Context 中的 trace_id
		switch {
		case c.Writer.Status() >= 500:
			logger.ErrorContext(ctx, "server error", fields...)
		case c.Writer.Status() >= 400:
			logger.WarnContext(ctx, "client error", fields...)
		default:
			logger.InfoContext(ctx, "request", fields...)
		}
	}
}

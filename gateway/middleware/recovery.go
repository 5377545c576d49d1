package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/ceyewan/genesis/clog"
	"github.com/gin-gonic/gin"
)

// Recovery 捕获 panic 并返回 500
func Recovery(logger clog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.ErrorContext(c.Request.Context(), "panic recovered",
					clog.Any("error", err),
					clog.String("path", c.Request.URL.Path),
					clog.String("method", c.Request.Method),
					clog.String("client_ip", c.ClientIP()),
					clog.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()

		c.Next()
	}
}

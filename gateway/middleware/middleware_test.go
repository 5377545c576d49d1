package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	glimit "github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/pulse/ratelimit"
)

type stubChecker struct {
	decision ratelimit.Decision
	err      error
	seen     []ratelimit.Identity
	paths    []string
}

func (s *stubChecker) OnHTTPRequest(_ context.Context, id ratelimit.Identity, endpoint string) (ratelimit.Decision, error) {
	s.seen = append(s.seen, id)
	s.paths = append(s.paths, endpoint)
	return s.decision, s.err
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/api/v1/conversations/:id/messages", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func serve(r http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Rejects(t *testing.T) {
	checker := &stubChecker{decision: ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}}
	r := newEngine(RateLimit(checker, nil, clog.Discard()))

	w := serve(r, "/api/v1/conversations/c1/messages", map[string]string{UserIDHeader: "u1", PhoneHeader: "13800000000"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	require.Len(t, checker.seen, 1)
	assert.Equal(t, "u1", checker.seen[0].UserID)
	assert.Equal(t, "13800000000", checker.seen[0].Phone)
	// 端点取路由模板
	assert.Equal(t, "/api/v1/conversations/:id/messages", checker.paths[0])
}

func TestRateLimit_RetryAfterAtLeastOneSecond(t *testing.T) {
	checker := &stubChecker{decision: ratelimit.Decision{Allowed: false, RetryAfter: 10 * time.Millisecond}}
	r := newEngine(RateLimit(checker, nil, clog.Discard()))

	w := serve(r, "/api/v1/conversations/c1/messages", nil)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimit_AllowedSetsHeaders(t *testing.T) {
	checker := &stubChecker{decision: ratelimit.Decision{
		Allowed: true,
		Results: []ratelimit.Result{{Allowed: true, Current: 3, Limit: 10}},
	}}
	r := newEngine(RateLimit(checker, nil, clog.Discard()))

	w := serve(r, "/api/v1/conversations/c1/messages", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "7", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_FailOpenOnError(t *testing.T) {
	checker := &stubChecker{err: errors.New("boom")}
	r := newEngine(RateLimit(checker, nil, clog.Discard()))

	assert.Equal(t, http.StatusOK, serve(r, "/api/v1/conversations/c1/messages", nil).Code)
}

func TestGlobalIP(t *testing.T) {
	limiter, err := glimit.New(&glimit.Config{Driver: glimit.DriverStandalone})
	require.NoError(t, err)
	r := newEngine(GlobalIP(limiter, glimit.Limit{Rate: 1, Burst: 1}, clog.Discard()))

	assert.Equal(t, http.StatusOK, serve(r, "/api/v1/conversations/c1/messages", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, "/api/v1/conversations/c1/messages", nil).Code)
}

func TestRecovery(t *testing.T) {
	r := newEngine(Recovery(clog.Discard()))
	assert.Equal(t, http.StatusInternalServerError, serve(r, "/panic", nil).Code)
}

func TestLogger_RequestID(t *testing.T) {
	r := newEngine(Logger(clog.Discard(), nil, "/health"))

	w := serve(r, "/api/v1/conversations/c1/messages", nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = serve(r, "/api/v1/conversations/c1/messages", map[string]string{RequestIDHeader: "req-1"})
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
}

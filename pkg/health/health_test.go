package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newEngine(p *Probe) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	p.Register(r)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestProbe_Readiness(t *testing.T) {
	p := NewProbe(0)
	r := newEngine(p)

	assert.Equal(t, http.StatusOK, get(r, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/ready").Code)

	p.SetReady(true)
	assert.Equal(t, http.StatusOK, get(r, "/ready").Code)

	p.SetShutdown(true)
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(r, "/health").Code)
}

func TestProbe_FailedCheck(t *testing.T) {
	p := NewProbe(0)
	p.SetReady(true)
	p.AddCheck("redis", func(context.Context) error { return nil })
	p.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })

	failed := p.Check(context.Background())
	assert.Equal(t, map[string]string{"postgres": "connection refused"}, failed)

	w := get(newEngine(p), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "postgres")
}

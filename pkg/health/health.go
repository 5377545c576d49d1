// Package health 提供存活与就绪探针
//
// 就绪检查在 ready 标记之外还会逐个调用依赖检查（Redis、PostgreSQL 等），
// 任一失败都返回 503 并附带失败项。
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// CheckFunc 依赖检查
type CheckFunc func(ctx context.Context) error

// Probe 维护健康检查状态
type Probe struct {
	ready    atomic.Bool
	shutdown atomic.Bool
	timeout  time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewProbe 创建探针，timeout 为单次就绪检查的总超时
func NewProbe(timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Probe{
		timeout: timeout,
		checks:  make(map[string]CheckFunc),
	}
}

// AddCheck 注册依赖检查，同名覆盖
func (p *Probe) AddCheck(name string, fn CheckFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = fn
}

// SetReady 设置服务就绪状态
func (p *Probe) SetReady(ready bool) {
	p.ready.Store(ready)
}

// SetShutdown 进入关闭流程后就绪检查恒为失败
func (p *Probe) SetShutdown(shutdown bool) {
	p.shutdown.Store(shutdown)
}

// Check 执行全部依赖检查，返回失败项
func (p *Probe) Check(ctx context.Context) map[string]string {
	p.mu.RLock()
	names := make([]string, 0, len(p.checks))
	for name := range p.checks {
		names = append(names, name)
	}
	p.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	failed := make(map[string]string)
	for _, name := range names {
		p.mu.RLock()
		fn := p.checks[name]
		p.mu.RUnlock()
		if fn == nil {
			continue
		}
		if err := fn(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

// Liveness /health
func (p *Probe) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Readiness /ready
func (p *Probe) Readiness(c *gin.Context) {
	if !p.ready.Load() || p.shutdown.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if failed := p.Check(c.Request.Context()); len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Register 挂载 /health 与 /ready
func (p *Probe) Register(r gin.IRoutes) {
	r.GET("/health", p.Liveness)
	r.GET("/ready", p.Readiness)
}

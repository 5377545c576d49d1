// Package ratelimit 实现基于临时存储的固定窗口限流
//
// 计数器以 (identity, action, window) 为 key，首次自增时设置过期时间，
// 自增与过期在同一个原子脚本中完成。存储不可达时降级放行。
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/observability"
	"github.com/ceyewan/pulse/store"
)

// ErrInvalidLimit limit 或 window 非法
var ErrInvalidLimit = xerrors.New("ratelimit: limit and window must be positive")

// Result 单次检查结果
type Result struct {
	Allowed bool
	// Current 自增后的计数，降级放行时为 0
	Current int64
	Limit   int64
	// RetryAfter 被拒绝时距离窗口结束的时间
	RetryAfter time.Duration
	// FailOpen 存储不可达导致的放行
	FailOpen bool
}

// Limiter 固定窗口限流器
type Limiter struct {
	store  store.Store
	logger clog.Logger
}

// Option 配置选项
type Option func(*Limiter)

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger.WithNamespace("ratelimit")
		}
	}
}

// New 创建限流器
func New(s store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  s,
		logger: clog.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndIncrement 对 (identityKey, actionKey, window) 计数并与 limit 比较
// 第 limit+1 次及之后的请求在窗口内被拒绝
func (l *Limiter) CheckAndIncrement(ctx context.Context, identityKey, actionKey string, limit int64, window time.Duration) (Result, error) {
	if limit <= 0 || window < time.Second {
		return Result{}, ErrInvalidLimit
	}

	ctx, end := observability.StartSpan(ctx, "ratelimit.CheckAndIncrement",
		attribute.String("action", actionKey),
	)
	defer end()

	key := l.key(identityKey, actionKey, window)
	count, ttl, err := l.store.IncrWindow(ctx, key, window)
	if err != nil {
		l.logger.WarnContext(ctx, "ratelimit store failed, fail open",
			clog.String("identity", identityKey),
			clog.String("action", actionKey),
			clog.Error(err))
		observability.RecordRateLimitFailOpen(ctx, actionKey)
		return Result{Allowed: true, Limit: limit, FailOpen: true}, nil
	}

	res := Result{
		Allowed: count <= limit,
		Current: count,
		Limit:   limit,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		if res.RetryAfter <= 0 {
			res.RetryAfter = window
		}
		observability.RecordRateLimitRejected(ctx, actionKey)
		l.logger.DebugContext(ctx, "rate limit exceeded",
			clog.String("identity", identityKey),
			clog.String("action", actionKey),
			clog.Int64("current", count),
			clog.Int64("limit", limit),
			clog.Duration("retry_after", res.RetryAfter))
	}
	return res, nil
}

// Window 读取当前窗口计数，不自增；窗口内没有请求时返回 nil
func (l *Limiter) Window(ctx context.Context, identityKey, actionKey string, limit int64, window time.Duration) (*model.RateLimitWindow, error) {
	key := l.key(identityKey, actionKey, window)
	v, err := l.store.Get(ctx, key)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	count, err := strconv.ParseInt(v, 10, 64)
	if err != nil || count <= 0 {
		return nil, nil
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return nil, err
	}
	if ttl < 0 || ttl > window {
		ttl = window
	}
	return &model.RateLimitWindow{
		IdentityKey:   identityKey,
		ActionKey:     actionKey,
		Count:         count,
		WindowStart:   time.Now().Add(ttl - window),
		WindowSeconds: int(window / time.Second),
		Limit:         limit,
	}, nil
}

func (l *Limiter) key(identityKey, actionKey string, window time.Duration) string {
	return l.store.Key("rl", actionKey, strconv.FormatInt(int64(window/time.Second), 10), identityKey)
}

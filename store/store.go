// Package store 是所有状态组件共用的临时存储适配层。
//
// 底层为 Redis（go-redis v9），对上只暴露带 TTL 的原子读写、批量管道与 Lua 脚本，
// 组件之间的并发协调全部依赖这里的原子操作，进程内不持有共享状态锁。
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
)

var (
	// ErrNotFound key 不存在
	ErrNotFound = xerrors.New("store: key not found")
	// ErrUnavailable 临时存储不可达（网络、超时、连接池耗尽）
	ErrUnavailable = xerrors.New("store: unavailable")
	// ErrCommand 服务端拒绝了命令（类型错误、脚本错误）
	ErrCommand = xerrors.New("store: command rejected")
)

// DefaultPrefix 所有 key 的默认前缀
const DefaultPrefix = "pulse"

// Store 临时存储端口
type Store interface {
	// Key 以前缀拼接 key，各段用冒号分隔
	Key(parts ...string) string

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX 仅在 key 不存在时写入
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	// IncrWindow 原子自增；仅在窗口内首次自增时设置过期时间
	// 返回自增后的计数与剩余 TTL
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// BatchHGetAll 单次往返读取多个 hash，结果与 keys 一一对应，缺失为空 map
	BatchHGetAll(ctx context.Context, keys []string) ([]map[string]string, error)

	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	// BatchSMembers 单次往返读取多个 set
	BatchSMembers(ctx context.Context, keys []string) ([][]string, error)
	SPopN(ctx context.Context, key string, n int64) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore 返回 score <= max 的成员，按 score 升序，最多 limit 个
	ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// Scan 按模式增量遍历 key，每批回调一次
	Scan(ctx context.Context, match string, count int64, fn func(keys []string) error) error

	// Eval 执行 Lua 脚本，脚本内的所有命令作为一个原子单元执行
	Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error)

	Ping(ctx context.Context) error
	Close() error
}

// Option 配置选项
type Option func(*options)

type options struct {
	prefix string
	logger clog.Logger
}

// WithPrefix 设置 key 前缀
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = strings.TrimSuffix(prefix, ":")
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// OpError 携带失败的操作名，同时匹配分类错误与底层错误
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	return e.Kind.Error() + ": " + e.Op + ": " + e.Err.Error()
}

// Unwrap 使 errors.Is 同时命中 Kind 与 Err
func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsUnavailable 是否为存储不可用错误
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsNotFound 是否为 key 不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

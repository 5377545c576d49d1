package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/redis/go-redis/v9"
)

// 确保 RedisStore 实现了 Store 接口
var _ Store = (*RedisStore)(nil)

// RedisStore Store 的 Redis 实现
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger clog.Logger
}

// incrWindowScript INCR 与首次 PEXPIRE 必须在同一原子单元内完成，
// 否则并发请求可能读到自增前的计数，或者留下没有 TTL 的计数器
// KEYS[1] = counter key
// ARGV[1] = window (ms)
// 返回：{count, pttl}
var incrWindowScript = NewScript("incr_window", `
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// New 基于已有的 go-redis 客户端创建 Store
func New(client redis.UniversalClient, opts ...Option) *RedisStore {
	options := &options{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}

	return &RedisStore{
		client: client,
		prefix: options.prefix,
		logger: logger.WithNamespace("store"),
	}
}

// NewFromConnector 基于 Genesis Redis 连接器创建 Store
// 连接器需已完成 Connect
func NewFromConnector(conn connector.RedisConnector, opts ...Option) (*RedisStore, error) {
	if conn == nil {
		return nil, xerrors.New("redis connector cannot be nil")
	}
	client := conn.GetClient()
	if client == nil {
		return nil, xerrors.New("redis connector returned nil client")
	}
	return New(client, opts...), nil
}

// Key 以前缀拼接 key
func (s *RedisStore) Key(parts ...string) string {
	if s.prefix == "" {
		return strings.Join(parts, ":")
	}
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", s.wrap("get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.wrap("set", s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, s.wrap("setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, s.wrap("del", err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.PExpire(ctx, key, ttl).Result()
	if err != nil {
		return false, s.wrap("expire", err)
	}
	return ok, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, s.wrap("ttl", err)
	}
	return ttl, nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := s.Eval(ctx, incrWindowScript, []string{key}, window.Milliseconds())
	if err != nil {
		return 0, 0, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return 0, 0, &OpError{Op: "incr_window", Kind: ErrCommand, Err: xerrors.New("unexpected script reply")}
	}
	count := ToInt64(vals[0])
	ttl := time.Duration(ToInt64(vals[1])) * time.Millisecond
	return count, ttl, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.wrap("hgetall", err)
	}
	return m, nil
}

func (s *RedisStore) BatchHGetAll(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return []map[string]string{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("batch_hgetall", err)
	}

	out := make([]map[string]string, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := s.client.SAdd(ctx, key, toAny(members)...).Result()
	if err != nil {
		return 0, s.wrap("sadd", err)
	}
	return n, nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := s.client.SRem(ctx, key, toAny(members)...).Result()
	if err != nil {
		return 0, s.wrap("srem", err)
	}
	return n, nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, s.wrap("smembers", err)
	}
	return members, nil
}

func (s *RedisStore) BatchSMembers(ctx context.Context, keys []string) ([][]string, error) {
	if len(keys) == 0 {
		return [][]string{}, nil
	}
	cmds := make([]*redis.StringSliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.SMembers(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("batch_smembers", err)
	}

	out := make([][]string, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

func (s *RedisStore) SPopN(ctx context.Context, key string, n int64) ([]string, error) {
	members, err := s.client.SPopN(ctx, key, n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, s.wrap("spop", err)
	}
	return members, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.wrap("zadd", s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	maxArg := "+inf"
	if !math.IsInf(max, 1) {
		maxArg = strconv.FormatFloat(max, 'f', -1, 64)
	}
	// Count 为 0 时不带 LIMIT
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxArg,
		Count: limit,
	}).Result()
	if err != nil {
		return nil, s.wrap("zrangebyscore", err)
	}
	return members, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := s.client.ZRem(ctx, key, toAny(members)...).Result()
	if err != nil {
		return 0, s.wrap("zrem", err)
	}
	return n, nil
}

func (s *RedisStore) Scan(ctx context.Context, match string, count int64, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, count).Result()
		if err != nil {
			return s.wrap("scan", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) Eval(ctx context.Context, script *Script, keys []string, args ...any) (any, error) {
	res, err := script.script.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		s.logger.DebugContext(ctx, "script failed",
			clog.String("script", script.name),
			clog.Error(err))
		return nil, s.wrap("eval "+script.name, err)
	}
	return res, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.wrap("ping", s.client.Ping(ctx).Err())
}

// Close 关闭底层客户端
// 由连接器创建时应由连接器负责关闭，这里不重复关闭
func (s *RedisStore) Close() error {
	return nil
}

// wrap 将 go-redis 错误归类
func (s *RedisStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return &OpError{Op: op, Kind: ErrNotFound, Err: err}
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return &OpError{Op: op, Kind: ErrCommand, Err: err}
	}
	return &OpError{Op: op, Kind: ErrUnavailable, Err: err}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// Package storetest 提供基于 miniredis 的 Store 测试夹具
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/pulse/store"
)

// New 启动一个内存 Redis 并返回绑定它的 Store
// 测试结束时自动关闭
func New(t *testing.T, opts ...store.Option) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())

	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})

	return store.New(client, opts...), mr
}

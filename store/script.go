package store

import (
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Script 具名 Lua 脚本，首次执行后以 EVALSHA 复用
type Script struct {
	name   string
	script *redis.Script
}

// NewScript 创建具名脚本
func NewScript(name, src string) *Script {
	return &Script{name: name, script: redis.NewScript(src)}
}

// Name 脚本名
func (s *Script) Name() string {
	return s.name
}

// ToInt64 将脚本返回值转换为 int64
func ToInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(x), 10, 64)
		return n
	default:
		return 0
	}
}

// ToString 将脚本返回值转换为 string
func ToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

// ToSlice 将脚本返回的数组转换为 []any
func ToSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

// PairsToMap 将 HGETALL 风格的扁平数组转换为 map
func PairsToMap(v any) map[string]string {
	s := ToSlice(v)
	out := make(map[string]string, len(s)/2)
	for i := 0; i+1 < len(s); i += 2 {
		out[ToString(s[i])] = ToString(s[i+1])
	}
	return out
}

// At 安全地取脚本返回数组的第 i 个元素
func At(vals []any, i int) any {
	if i >= 0 && i < len(vals) {
		return vals[i]
	}
	return nil
}

// ParseMillis 解析以毫秒时间戳存储的时间，空值返回零值
func ParseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

package delivery

import "github.com/ceyewan/pulse/store"

// 键布局（前缀省略）：
//   dlv:dev:<mid>:<uid>:<did>  hash  单设备状态
//   dlv:agg:<mid>:<uid>        hash  用户级聚合状态（各设备的最大值）
//   dlv:dirty                  set   待对账成员 "<mid>|<uid>|<did>"，did 为空表示聚合
//   dlv:retry                  zset  待重试成员，score = next_retry_at (ms)
//
// 无设备的写入直接落在聚合记录上，此时 KEYS[1] == KEYS[2]。

// recordScript 只前进不回退的状态写入，送达或已读时清除失败信息
// KEYS[1] = dev, KEYS[2] = agg, KEYS[3] = dirty, KEYS[4] = retry
// ARGV[1] = status, ARGV[2] = rank, ARGV[3] = now(ms), ARGV[4] = ttl(ms)
// ARGV[5] = dev member, ARGV[6] = agg member
// 返回：{dev_changed, agg_changed, agg_status}
var recordScript = store.NewScript("delivery_record", `
local rank = tonumber(ARGV[2])
local same = KEYS[1] == KEYS[2]

local devChanged = 0
local cur = redis.call('HGET', KEYS[1], 'rank')
if (not cur) or rank > tonumber(cur) then
  redis.call('HSET', KEYS[1], 'status', ARGV[1], 'rank', rank, 'ts', ARGV[3], 'permanent', 0)
  redis.call('HDEL', KEYS[1], 'next_retry_at')
  if rank >= 2 then
    redis.call('HDEL', KEYS[1], 'fail_code', 'retry_count', 'max_retries')
  end
  redis.call('ZREM', KEYS[4], ARGV[5])
  redis.call('SADD', KEYS[3], ARGV[5])
  devChanged = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])

local aggChanged = devChanged
if not same then
  aggChanged = 0
  local aggCur = redis.call('HGET', KEYS[2], 'rank')
  if (not aggCur) or rank > tonumber(aggCur) then
    redis.call('HSET', KEYS[2], 'status', ARGV[1], 'rank', rank, 'ts', ARGV[3])
    redis.call('SADD', KEYS[3], ARGV[6])
    aggChanged = 1
  end
  redis.call('PEXPIRE', KEYS[2], ARGV[4])
end

return {devChanged, aggChanged, redis.call('HGET', KEYS[2], 'status')}
`)

// markFailedScript 记录投递失败并安排指数退避重试
// 已送达或已读的记录不会被 failed 覆盖
// KEYS[1] = dev, KEYS[2] = agg, KEYS[3] = dirty, KEYS[4] = retry
// ARGV[1] = now(ms), ARGV[2] = ttl(ms), ARGV[3] = base(ms), ARGV[4] = max retries
// ARGV[5] = code, ARGV[6] = dev member, ARGV[7] = agg member
// 返回：{code, retry_count, next_retry_at}；code 1=已安排重试 2=永久失败 -1=已送达被忽略
var markFailedScript = store.NewScript("delivery_mark_failed", `
local now = tonumber(ARGV[1])
local maxRetries = tonumber(ARGV[4])

local cur = redis.call('HGET', KEYS[1], 'rank')
if cur and tonumber(cur) >= 2 then
  return {-1, tonumber(redis.call('HGET', KEYS[1], 'retry_count') or '0'), 0}
end

local rc = tonumber(redis.call('HGET', KEYS[1], 'retry_count') or '0')
local code = 1
local next = 0
if rc >= maxRetries then
  code = 2
  redis.call('HSET', KEYS[1], 'permanent', 1)
  redis.call('HDEL', KEYS[1], 'next_retry_at')
  redis.call('ZREM', KEYS[4], ARGV[6])
else
  next = now + tonumber(ARGV[3]) * (2 ^ rc)
  rc = rc + 1
  redis.call('HSET', KEYS[1], 'permanent', 0, 'next_retry_at', next)
  redis.call('ZADD', KEYS[4], next, ARGV[6])
end

redis.call('HSET', KEYS[1],
  'status', 'failed',
  'rank', 0,
  'ts', ARGV[1],
  'fail_code', ARGV[5],
  'retry_count', rc,
  'max_retries', maxRetries)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[6])

if KEYS[1] ~= KEYS[2] and redis.call('EXISTS', KEYS[2]) == 0 then
  redis.call('HSET', KEYS[2], 'status', 'failed', 'rank', 0, 'ts', ARGV[1])
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
  redis.call('SADD', KEYS[3], ARGV[7])
end

return {code, rc, next}
`)

// popDueScript 原子取出到期重试，多实例并发扫描不会重复派发
// KEYS[1] = retry
// ARGV[1] = now(ms), ARGV[2] = limit
var popDueScript = store.NewScript("delivery_pop_due", `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #due > 0 then
  redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

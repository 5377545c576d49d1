package presence

import "github.com/ceyewan/pulse/store"

// 键布局（前缀省略）：
//   presence:dev:<uid>:<did>  hash  单设备记录，TTL = 设备 TTL
//   presence:devs:<uid>       zset  设备集合，score = 最后心跳 (ms)
//   presence:user:<uid>       hash  用户汇总，在线时 TTL = 2 × 设备 TTL，离线后保留 last_seen

// setOnlineScript 注册设备；首个活跃设备时返回 first=1
// 新设备继承用户当前的活跃状态（away/busy 不会被新设备覆盖为 online）
// KEYS[1] = dev, KEYS[2] = devs, KEYS[3] = user, KEYS[4] = guard（可选，不存在时拒绝登记）
// ARGV[1] = now(ms), ARGV[2] = dev ttl(ms), ARGV[3] = user ttl(ms), ARGV[4] = did
// ARGV[5] = dev key prefix, ARGV[6] = platform, ARGV[7] = socket_id, ARGV[8] = app_version
// 返回：{first, device_count}；first = -1 表示 guard 不存在，未做任何修改
var setOnlineScript = store.NewScript("presence_set_online", `
local now = ARGV[1]
local prefix = ARGV[5]

if KEYS[4] and redis.call('EXISTS', KEYS[4]) == 0 then
  return {-1, redis.call('ZCARD', KEYS[2])}
end

for _, m in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
  if redis.call('EXISTS', prefix .. m) == 0 then
    redis.call('ZREM', KEYS[2], m)
  end
end

local active = 0
for _, m in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
  local st = redis.call('HGET', prefix .. m, 'status')
  if st and st ~= 'offline' then
    active = active + 1
  end
end

local prev = redis.call('HGET', KEYS[3], 'status')
local first = 0
local status = prev
if active == 0 or (not prev) or prev == 'offline' then
  first = 1
  status = 'online'
end

redis.call('HSET', KEYS[1],
  'status', status,
  'connected_at', now,
  'last_seen_at', now,
  'platform', ARGV[6],
  'socket_id', ARGV[7],
  'app_version', ARGV[8])
redis.call('PEXPIRE', KEYS[1], ARGV[2])

redis.call('ZADD', KEYS[2], now, ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
local count = redis.call('ZCARD', KEYS[2])

if first == 1 then
  redis.call('HSET', KEYS[3], 'status', 'online', 'connected_at', now)
  redis.call('HDEL', KEYS[3], 'status_message')
end
redis.call('HSET', KEYS[3],
  'last_device', ARGV[4],
  'last_seen_at', now,
  'platform', ARGV[6],
  'device_count', count)
redis.call('PEXPIRE', KEYS[3], ARGV[3])

return {first, count}
`)

// setOfflineScript 注销设备
// KEYS[1] = dev, KEYS[2] = devs, KEYS[3] = user
// ARGV[1] = now(ms), ARGV[2] = did, ARGV[3] = dev key prefix, ARGV[4] = retention(ms)
// ARGV[5] = socket_id，非空时只注销仍绑定在该 socket 上的设备记录
// 返回：{code, device_count}；code 1=用户下线 0=仍有其他设备 -1=设备本就不存在 -2=设备已换到其他 socket
var setOfflineScript = store.NewScript("presence_set_offline", `
local prefix = ARGV[3]
if ARGV[5] ~= '' then
  local owner = redis.call('HGET', KEYS[1], 'socket_id')
  if owner and owner ~= ARGV[5] then
    return {-2, redis.call('ZCARD', KEYS[2])}
  end
end
local existed = redis.call('DEL', KEYS[1])
local removed = redis.call('ZREM', KEYS[2], ARGV[2])
if existed == 0 and removed == 0 then
  return {-1, redis.call('ZCARD', KEYS[2])}
end

for _, m in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
  if redis.call('EXISTS', prefix .. m) == 0 then
    redis.call('ZREM', KEYS[2], m)
  end
end

local count = redis.call('ZCARD', KEYS[2])
if redis.call('EXISTS', KEYS[3]) == 1 then
  redis.call('HSET', KEYS[3], 'last_seen_at', ARGV[1], 'device_count', count)
end
if count > 0 then
  return {0, count}
end

redis.call('DEL', KEYS[2])
local prev = redis.call('HGET', KEYS[3], 'status')
redis.call('HSET', KEYS[3], 'status', 'offline', 'last_seen_at', ARGV[1], 'device_count', 0)
redis.call('HDEL', KEYS[3], 'status_message')
redis.call('PEXPIRE', KEYS[3], ARGV[4])
if prev and prev ~= 'offline' then
  return {1, 0}
end
return {0, 0}
`)

// heartbeatScript 续期，不改变状态
// KEYS[1] = dev, KEYS[2] = devs, KEYS[3] = user
// ARGV[1] = now(ms), ARGV[2] = dev ttl(ms), ARGV[3] = user ttl(ms), ARGV[4] = did
// 返回：1 成功，0 设备不存在
var heartbeatScript = store.NewScript("presence_heartbeat", `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'last_seen_at', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[3])

redis.call('HSET', KEYS[3], 'last_seen_at', ARGV[1])
local st = redis.call('HGET', KEYS[3], 'status')
if st and st ~= 'offline' then
  redis.call('PEXPIRE', KEYS[3], ARGV[3])
end
return 1
`)

// updateStatusScript 修改用户及其全部设备的状态
// KEYS[1] = devs, KEYS[2] = user
// ARGV[1] = now(ms), ARGV[2] = status, ARGV[3] = message, ARGV[4] = dev key prefix
// ARGV[5] = user ttl(ms), ARGV[6] = retention(ms)
// 返回：1 有变化，0 无变化，-1 用户没有在线设备
var updateStatusScript = store.NewScript("presence_update_status", `
local prefix = ARGV[4]
local live = 0
for _, m in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  if redis.call('EXISTS', prefix .. m) == 1 then
    redis.call('HSET', prefix .. m, 'status', ARGV[2])
    live = live + 1
  else
    redis.call('ZREM', KEYS[1], m)
  end
end
if live == 0 then
  return -1
end

local prev = redis.call('HGET', KEYS[2], 'status')
local prevMsg = redis.call('HGET', KEYS[2], 'status_message') or ''
redis.call('HSET', KEYS[2], 'status', ARGV[2], 'last_seen_at', ARGV[1], 'device_count', live)
if ARGV[3] == '' then
  redis.call('HDEL', KEYS[2], 'status_message')
else
  redis.call('HSET', KEYS[2], 'status_message', ARGV[3])
end
if ARGV[2] == 'offline' then
  redis.call('PEXPIRE', KEYS[2], ARGV[6])
else
  redis.call('PEXPIRE', KEYS[2], ARGV[5])
end

if prev == ARGV[2] and prevMsg == ARGV[3] then
  return 0
end
return 1
`)

// sweepScript 清理单个用户的失联设备
// 失联判断基于 zset 中的心跳时间，与心跳脚本互斥执行，不会误杀刚续期的设备
// KEYS[1] = devs, KEYS[2] = user
// ARGV[1] = now(ms), ARGV[2] = stale cutoff(ms), ARGV[3] = dev key prefix, ARGV[4] = retention(ms)
// 返回：{forced_offline, pruned}
var sweepScript = store.NewScript("presence_sweep", `
local prefix = ARGV[3]
local pruned = 0
for _, m in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])) do
  redis.call('DEL', prefix .. m)
  redis.call('ZREM', KEYS[1], m)
  pruned = pruned + 1
end
for _, m in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  if redis.call('EXISTS', prefix .. m) == 0 then
    redis.call('ZREM', KEYS[1], m)
    pruned = pruned + 1
  end
end

local count = redis.call('ZCARD', KEYS[1])
local st = redis.call('HGET', KEYS[2], 'status')
if count > 0 then
  if pruned > 0 then
    redis.call('HSET', KEYS[2], 'device_count', count)
  end
  return {0, pruned}
end

redis.call('DEL', KEYS[1])
if st and st ~= 'offline' then
  redis.call('HSET', KEYS[2], 'status', 'offline', 'device_count', 0)
  redis.call('HDEL', KEYS[2], 'status_message')
  redis.call('PEXPIRE', KEYS[2], ARGV[4])
  return {1, pruned}
end
return {0, pruned}
`)

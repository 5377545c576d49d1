package call

import "github.com/ceyewan/pulse/store"

// 键布局（前缀省略）：
//   call:<cid>         hash  会话记录，deadline 字段与 call:deadlines 中的分数一致
//   call:deadlines     zset  member = cid, score = 当前状态超时时间(ms)
//   call:busy:<uid>    string  用户正在进行的 cid
//   call:archive       set   已结束待归档的 cid

// createScript 创建 idle 会话并占用双方忙线标记
// KEYS[1] = session, KEYS[2] = deadlines, KEYS[3] = busy initiator, KEYS[4] = busy target
// ARGV[1] = cid, ARGV[2] = initiator, ARGV[3] = target, ARGV[4] = type
// ARGV[5] = now(ms), ARGV[6] = deadline(ms), ARGV[7] = ttl(ms)
// 返回：1 成功，-1 主叫忙，-2 被叫忙
var createScript = store.NewScript("call_create", `
if redis.call('EXISTS', KEYS[3]) == 1 then
  return -1
end
if redis.call('EXISTS', KEYS[4]) == 1 then
  return -2
end
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[7])
redis.call('SET', KEYS[4], ARGV[1], 'PX', ARGV[7])
redis.call('HSET', KEYS[1],
  'call_id', ARGV[1],
  'initiator_id', ARGV[2],
  'target_id', ARGV[3],
  'call_type', ARGV[4],
  'state', 'idle',
  'started_at', ARGV[5],
  'deadline', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
return 1
`)

// transitionScript 比较并交换会话状态
// 进入 ended 时在同一脚本内移除超时、释放忙线、登记归档
// KEYS[1] = session, KEYS[2] = deadlines, KEYS[3] = busy initiator, KEYS[4] = busy target, KEYS[5] = archive
// ARGV[1] = expected, ARGV[2] = next, ARGV[3] = now(ms), ARGV[4] = deadline(ms)
// ARGV[5] = reason, ARGV[6] = cid, ARGV[7] = ttl(ms)
// 返回：{1, next} 成功，{0, current} 状态已变化，{-1, ''} 会话不存在
var transitionScript = store.NewScript("call_transition", `
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then
  return {-1, ''}
end
if cur ~= ARGV[1] then
  return {0, cur}
end

redis.call('HSET', KEYS[1], 'state', ARGV[2], 'deadline', ARGV[4])
if ARGV[2] == 'active' then
  redis.call('HSET', KEYS[1], 'connected_at', ARGV[3])
end

if ARGV[2] == 'ended' then
  redis.call('HSET', KEYS[1], 'ended_at', ARGV[3], 'end_reason', ARGV[5])
  redis.call('ZREM', KEYS[2], ARGV[6])
  for i = 3, 4 do
    if redis.call('GET', KEYS[i]) == ARGV[6] then
      redis.call('DEL', KEYS[i])
    end
  end
  redis.call('SADD', KEYS[5], ARGV[6])
else
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[6])
end
redis.call('PEXPIRE', KEYS[1], ARGV[7])
return {1, ARGV[2]}
`)

package summary

import "github.com/ceyewan/pulse/store"

// 键布局（前缀省略）：
//   sum:<cid>        hash  最后一条消息摘要
//   sum:<cid>:read   set   已读用户
//   sum:<cid>:dlv    set   已送达用户
//   sumidx:<mid>     string  messageId -> conversationId，供状态回调定位会话

// putScript 写入新消息摘要；缓存中的消息更新时拒绝覆盖，时间戳不回退
// KEYS[1] = sum, KEYS[2] = read, KEYS[3] = dlv, KEYS[4] = msg index
// ARGV[1] = mid, ARGV[2] = sender, ARGV[3] = preview, ARGV[4] = has_more, ARGV[5] = type
// ARGV[6] = ts(ms), ARGV[7] = attachments, ARGV[8] = ttl(ms), ARGV[9] = cid
// 返回：1 已覆盖，0 同一条消息重复投递，-1 缓存中已有更新的消息
var putScript = store.NewScript("summary_put", `
local curTs = redis.call('HGET', KEYS[1], 'ts')
if curTs and tonumber(curTs) > tonumber(ARGV[6]) then
  return -1
end
if redis.call('HGET', KEYS[1], 'message_id') == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[8])
  return 0
end

redis.call('HSET', KEYS[1],
  'message_id', ARGV[1],
  'sender_id', ARGV[2],
  'preview', ARGV[3],
  'has_more', ARGV[4],
  'type', ARGV[5],
  'ts', ARGV[6],
  'attachments', ARGV[7])
redis.call('DEL', KEYS[2], KEYS[3])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
for i = 1, 3 do
  redis.call('PEXPIRE', KEYS[i], ARGV[8])
end
redis.call('SET', KEYS[4], ARGV[9], 'PX', ARGV[8])
return 1
`)

// markScript 修改已读/已送达集合；messageId 与缓存不一致时丢弃
// KEYS[1] = sum, KEYS[2] = read, KEYS[3] = dlv
// ARGV[1] = mid, ARGV[2] = uid, ARGV[3] = op (read / unread / delivered)
// 返回：1 集合有变化，0 无变化，-1 过期的 messageId
var markScript = store.NewScript("summary_mark", `
if redis.call('HGET', KEYS[1], 'message_id') ~= ARGV[1] then
  return -1
end
local changed = 0
if ARGV[3] == 'read' then
  changed = redis.call('SADD', KEYS[2], ARGV[2])
  redis.call('SADD', KEYS[3], ARGV[2])
elseif ARGV[3] == 'unread' then
  changed = redis.call('SREM', KEYS[2], ARGV[2])
else
  changed = redis.call('SADD', KEYS[3], ARGV[2])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
  redis.call('PEXPIRE', KEYS[3], ttl)
end
if changed > 0 then
  return 1
end
return 0
`)

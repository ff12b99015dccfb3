package redisbackend

import "github.com/redis/go-redis/v9"

// createScript allocates a session and registers the creator as owner.
// KEYS: session, members, names, index, owned, seq, bucketIndex
// ARGV: id, owner, name, max, public, bucket, voice, crossplay, limit
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local limit = tonumber(ARGV[9])
if limit > 0 and redis.call('SCARD', KEYS[5]) >= limit then
  return -2
end
local seq = redis.call('INCR', KEYS[6])
redis.call('HSET', KEYS[1], 'owner', ARGV[2], 'max', ARGV[4], 'public', ARGV[5], 'bucket', ARGV[6], 'voice', ARGV[7], 'crossplay', ARGV[8])
redis.call('ZADD', KEYS[2], seq, ARGV[2])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
redis.call('ZADD', KEYS[4], seq, ARGV[1])
redis.call('ZADD', KEYS[7], seq, ARGV[1])
redis.call('SADD', KEYS[5], ARGV[1])
return 1
`)

// joinScript adds a member if the session exists and has room.
// KEYS: session, members, names, seq
// ARGV: userID, displayName
var joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return -1
end
local max = tonumber(redis.call('HGET', KEYS[1], 'max'))
if max and max > 0 and redis.call('ZCARD', KEYS[2]) >= max then
  return -2
end
local seq = redis.call('INCR', KEYS[4])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
return 1
`)

// leaveScript removes a member, promoting the earliest remaining member when
// the owner leaves and destroying the session when nobody is left. The owner,
// bucket and successor are read by the caller so their keys can be declared;
// the script refuses to run when any of them changed in between.
// KEYS: session, members, names, attrs, index, memberAttrs, bucketIndex,
// ownerOwned, successorOwned
// ARGV: userID, sessionID, owner, bucket, successor
// Returns {status, newOwner}: 0 missing, -1 not a member, -9 stale plan,
// 1 left, 2 left and promoted, 3 destroyed.
var leaveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, ''}
end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return {-1, ''}
end
local owner = redis.call('HGET', KEYS[1], 'owner') or ''
local bucket = redis.call('HGET', KEYS[1], 'bucket') or ''
local successor = ''
for _, m in ipairs(redis.call('ZRANGE', KEYS[2], 0, 1)) do
  if m ~= ARGV[1] and successor == '' then
    successor = m
  end
end
if owner ~= ARGV[3] or bucket ~= ARGV[4] or successor ~= ARGV[5] then
  return {-9, ''}
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[6])
if successor == '' then
  redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
  redis.call('ZREM', KEYS[5], ARGV[2])
  redis.call('ZREM', KEYS[7], ARGV[2])
  redis.call('SREM', KEYS[8], ARGV[2])
  return {3, ''}
end
if owner == ARGV[1] then
  redis.call('HSET', KEYS[1], 'owner', successor)
  redis.call('SREM', KEYS[8], ARGV[2])
  redis.call('SADD', KEYS[9], ARGV[2])
  return {2, successor}
end
return {1, ''}
`)

// kickScript removes target on behalf of the owner.
// KEYS: session, members, names, targetAttrs
// ARGV: callerID, targetID
// Returns 0 missing, -1 not owner, -2 self kick, -3 target not a member, 1 ok.
var kickScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
  return -1
end
if ARGV[1] == ARGV[2] then
  return -2
end
if not redis.call('ZSCORE', KEYS[2], ARGV[2]) then
  return -3
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HDEL', KEYS[3], ARGV[2])
redis.call('DEL', KEYS[4])
return 1
`)

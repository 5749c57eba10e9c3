package redis

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	// deleteUsedTimesBeforeScript removes used time rows older than a day.
	// Every hash it touches is declared in KEYS.
	deleteUsedTimesBeforeScript = `
local index = KEYS[1]           -- ktime:used:index
local cutoff = ARGV[1]          -- zero padded day of epoch

local deleted = 0
for i = 2, #KEYS do
  local key = KEYS[i]           -- ktime:used:<ARGV[i]>
  for _, field in ipairs(redis.call('HKEYS', key)) do
    -- Fields start with the 8 digit day so string order is day order
    if string.sub(field, 1, 8) < cutoff then
      redis.call('HDEL', key, field)
      deleted = deleted + 1
    end
  end
  if redis.call('EXISTS', key) == 0 then
    redis.call('SREM', index, ARGV[i])
  end
end

return deleted
`

	// deleteExpiredSessionsScript removes the given session rows if their
	// expiry is still before now. Rows whose hash is not in KEYS are left
	// alone.
	deleteExpiredSessionsScript = `
local expiry_index = KEYS[1]    -- ktime:sessions:expiry
local now = tonumber(ARGV[1])   -- epoch milliseconds
local prefix = ARGV[2]          -- ktime:sessions:

local declared = {}
for i = 2, #KEYS do
  declared[KEYS[i]] = true
end

local deleted = 0
for i = 3, #ARGV do
  local member = ARGV[i]
  local score = redis.call('ZSCORE', expiry_index, member)
  local sep = string.find(member, '|', 1, true)
  if score and tonumber(score) < now and sep then
    local key = prefix .. string.sub(member, 1, sep - 1)
    if declared[key] then
      redis.call('HDEL', key, string.sub(member, sep + 1))
      redis.call('ZREM', expiry_index, member)
      deleted = deleted + 1
    end
  end
end

return deleted
`
)

var (
	deleteUsedTimesBefore = redis.NewScript(deleteUsedTimesBeforeScript)
	deleteExpiredSessions = redis.NewScript(deleteExpiredSessionsScript)
)

// usedSweepArgs lists the keys and arguments of deleteUsedTimesBefore for
// the given categories.
func usedSweepArgs(categories []string, cutoff string) ([]string, []interface{}) {
	keys := make([]string, 0, len(categories)+1)
	args := make([]interface{}, 0, len(categories)+1)
	keys = append(keys, keyUsedIndex)
	args = append(args, cutoff)
	for _, category := range categories {
		keys = append(keys, usedKey(category))
		args = append(args, category)
	}
	return keys, args
}

// sessionSweepArgs lists the keys and arguments of deleteExpiredSessions
// for the given expiry index members.
func sessionSweepArgs(members []string, now int64) ([]string, []interface{}) {
	keys := []string{keySessionExpiry}
	args := make([]interface{}, 0, len(members)+2)
	args = append(args, strconv.FormatInt(now, 10), prefixSessions)

	seen := make(map[string]struct{})
	for _, member := range members {
		args = append(args, member)
		category, _, ok := splitExpiryMember(member)
		if !ok {
			continue
		}
		key := sessionsKey(category)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, args
}

// sweepUsedTimes runs deleteUsedTimesBefore over every indexed category.
func sweepUsedTimes(ctx context.Context, client redis.Cmdable, cutoff string) (int, error) {
	categories, err := client.SMembers(ctx, keyUsedIndex).Result()
	if err != nil {
		return 0, err
	}
	if len(categories) == 0 {
		return 0, nil
	}
	keys, args := usedSweepArgs(categories, cutoff)
	return deleteUsedTimesBefore.Run(ctx, client, keys, args...).Int()
}

// sweepSessions runs deleteExpiredSessions over the rows that expired
// before now.
func sweepSessions(ctx context.Context, client redis.Cmdable, now int64) (int, error) {
	members, err := client.ZRangeByScore(ctx, keySessionExpiry, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	keys, args := sessionSweepArgs(members, now)
	return deleteExpiredSessions.Run(ctx, client, keys, args...).Int()
}

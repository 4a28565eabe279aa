package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Cache holds JSON views stamped with the version they were read at. An entry is
// a hash {v: version, d: json}; a hash with v and no d is a tombstone.
// Writes never move an entry back to an older version, so a view read before a
// commit cannot overwrite one read after it.
type Cache struct {
	RDB redis.Cmdable
}

// KEYS[1] key; ARGV[1] version, ARGV[2] json ("" = tombstone), ARGV[3] ttl ms.
// A view may replace an equal version, a tombstone only an older one.
var storeScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], 'v')
local ver = tonumber(ARGV[1])
if raw then
  local cur = tonumber(raw)
  if cur > ver or (cur == ver and ARGV[2] == '') then
    return 0
  end
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'v', ARGV[1])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'd', ARGV[2])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Get reports ok=false for a miss, a tombstone or an undecodable entry.
func (c *Cache) Get(ctx context.Context, key string, out any) (bool, error) {
	b, err := c.RDB.HGet(ctx, key, "d").Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		_ = c.RDB.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

// Store writes v at version unless a newer entry is already there.
// It returns whether the write happened.
func (c *Cache) Store(ctx context.Context, key string, version int64, v any) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("cache encode %s: %w", key, err)
	}
	return c.run(ctx, key, version, string(b))
}

// Invalidate leaves a tombstone at version: the view is gone, and views older
// than version can no longer be stored.
func (c *Cache) Invalidate(ctx context.Context, key string, version int64) (bool, error) {
	return c.run(ctx, key, version, "")
}

func (c *Cache) run(ctx context.Context, key string, version int64, data string) (bool, error) {
	n, err := storeScript.Run(ctx, c.RDB, []string{key}, version, data, TTLOrderView.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cache store %s: %w", key, err)
	}
	return n == 1, nil
}

func OrderViewKey(orderID string) string { return fmt.Sprintf(KeyOrderView, orderID) }

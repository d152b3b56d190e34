// Package cache keeps short-lived copies of streak snapshots in Redis
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/xpensify/backend/internal/models"
)

// fillScript stores the snapshot (KEYS[1]) only while the generation (KEYS[2]) still equals ARGV[2].
// ARGV[3] is the ttl in milliseconds, 0 keeps the snapshot until it is invalidated.
var fillScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then
	gen = '0'
end
if gen ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// streakCache implements services.StreakCache on top of Redis.
//
// Every write to a user's streak bumps a per-user generation and drops the snapshot.
// Reads fill the snapshot only if the generation did not move since before the database read,
// so a slow reader can never store counters older than the last committed write.
type streakCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewStreakCache creates a new streak cache.
// Entries expire after "ttl"; a non-positive ttl keeps them until they are invalidated.
func NewStreakCache(redis *redis.Client, ttl time.Duration) *streakCache {
	if ttl < 0 {
		ttl = 0
	}
	return &streakCache{
		redis: redis,
		ttl:   ttl,
	}
}

// Both keys share the {userID} hash tag so the fill script stays on one cluster slot
func streakKey(userID string) string {
	return "streak:{" + userID + "}"
}

func generationKey(userID string) string {
	return "streak:{" + userID + "}:gen"
}

// Get returns the cached snapshot, or nil without error on a miss
func (c *streakCache) Get(ctx context.Context, userID string) (*models.StreakSummary, error) {
	data, err := c.redis.Get(ctx, streakKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached streak: %w", err)
	}

	var summary models.StreakSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode cached streak: %w", err)
	}
	return &summary, nil
}

// Generation returns the user's current cache generation, 0 when no write was seen yet
func (c *streakCache) Generation(ctx context.Context, userID string) (int64, error) {
	gen, err := c.redis.Get(ctx, generationKey(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get streak cache generation: %w", err)
	}
	return gen, nil
}

// Fill stores the snapshot read from the database if "generation" is still current.
// It reports whether the snapshot was stored.
func (c *streakCache) Fill(ctx context.Context, userID string, summary models.StreakSummary, generation int64) (bool, error) {
	data, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("failed to encode streak: %w", err)
	}

	stored, err := fillScript.Run(ctx, c.redis,
		[]string{streakKey(userID), generationKey(userID)},
		data, generation, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to cache streak: %w", err)
	}
	return stored == 1, nil
}

// Invalidate bumps the user's generation and drops the snapshot
func (c *streakCache) Invalidate(ctx context.Context, userID string) error {
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		if c.ttl > 0 {
			// Outlive any snapshot filled under the previous generation
			pipe.Expire(ctx, generationKey(userID), 2*c.ttl)
		}
		pipe.Del(ctx, streakKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate cached streak: %w", err)
	}
	return nil
}

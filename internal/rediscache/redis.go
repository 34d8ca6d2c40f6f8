// Package rediscache holds the Redis-backed collaborators of the moderation
// service: the blocked-decision cache and the singleton job lock.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"modledger/api/internal/moderation"
	"modledger/api/internal/util"
)

const defaultPrefix = "modledger:"

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// DecisionCache implements moderation.CapabilityCache. One key per
// (user, capability); an absent key means "ask the database". A per-user
// generation counter fences writes against concurrent invalidation.
type DecisionCache struct {
	client *redis.Client
	prefix string
}

// generationTTL outlives any cached decision, so an expired counter can only
// refuse a write, never accept a stale one.
const generationTTL = 24 * time.Hour

func NewDecisionCache(client *redis.Client) *DecisionCache {
	return &DecisionCache{client: client, prefix: defaultPrefix}
}

func (c *DecisionCache) key(userID string, capability moderation.Capability) string {
	return c.prefix + "deny:" + userID + ":" + string(capability)
}

func (c *DecisionCache) generationKey(userID string) string {
	return c.prefix + "gen:" + userID
}

func (c *DecisionCache) GetBlocked(ctx context.Context, userID string, capability moderation.Capability) (*moderation.Decision, int64, error) {
	values, err := c.client.MGet(ctx, c.key(userID, capability), c.generationKey(userID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("read blocked decision: %w", err)
	}

	var generation int64
	if raw, ok := values[1].(string); ok {
		generation, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("parse cache generation: %w", err)
		}
	}

	raw, ok := values[0].(string)
	if !ok {
		return nil, generation, nil
	}
	var d moderation.Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, 0, fmt.Errorf("unmarshal blocked decision: %w", err)
	}
	if d.Allowed {
		// Never trust an allowed decision from the cache.
		return nil, generation, nil
	}
	return &d, generation, nil
}

// setIfCurrentScript writes the decision only while the user's generation
// still matches the one the caller read.
var setIfCurrentScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1]) or "0"
if current ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

func (c *DecisionCache) SetBlocked(ctx context.Context, d moderation.Decision, ttl time.Duration, generation int64) error {
	if d.Allowed {
		return nil
	}
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal blocked decision: %w", err)
	}
	keys := []string{c.generationKey(d.UserID), c.key(d.UserID, d.Capability)}
	err = setIfCurrentScript.Run(ctx, c.client, keys, strconv.FormatInt(generation, 10), string(raw), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("write blocked decision: %w", err)
	}
	return nil
}

// Invalidate bumps the user's generation and drops every cached decision.
func (c *DecisionCache) Invalidate(ctx context.Context, userID string) error {
	capabilities := moderation.Capabilities()
	keys := make([]string, len(capabilities))
	for i, capability := range capabilities {
		keys[i] = c.key(userID, capability)
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.generationKey(userID))
		pipe.Expire(ctx, c.generationKey(userID), generationTTL)
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate blocked decisions: %w", err)
	}
	return nil
}

// unlockScript deletes the lock only while it still holds our token, so a
// holder whose TTL lapsed cannot release a successor's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements moderation.Locker with SET NX PX.
type Locker struct {
	client *redis.Client
	prefix string
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client, prefix: defaultPrefix + "lock:"}
}

func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + name
	token := util.NewID("lock")

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return unlock, true, nil
}

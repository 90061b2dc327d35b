package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const claimPrefix = "taskengine:claim:"

// Claimer grants a key to exactly one caller until the TTL lapses or the
// holder releases it.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisClaimer claims keys with SET NX, shared by every engine instance.
type RedisClaimer struct {
	client redis.UniversalClient
	owner  string
}

func NewRedisClaimer(r *Redis, owner string) *RedisClaimer {
	return &RedisClaimer{client: r.Client(), owner: owner}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, claimPrefix+key, c.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", key, err)
	}
	return ok, nil
}

// releaseScript deletes the claim only while this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Release gives a claim back before its TTL.
func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, c.client, []string{claimPrefix + key}, c.owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("releasing %s: %w", key, err)
	}
	return nil
}

// LocalClaimer is the single-instance fallback when Redis is not configured.
type LocalClaimer struct {
	mu     sync.Mutex
	claims *expirable.LRU[string, time.Time]
	now    func() time.Time
}

func NewLocalClaimer(size int) *LocalClaimer {
	return &LocalClaimer{
		claims: expirable.NewLRU[string, time.Time](size, nil, 0),
		now:    time.Now,
	}
}

func (c *LocalClaimer) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if until, ok := c.claims.Get(key); ok && now.Before(until) {
		return false, nil
	}
	c.claims.Add(key, now.Add(ttl))
	return true, nil
}

func (c *LocalClaimer) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims.Remove(key)
	return nil
}

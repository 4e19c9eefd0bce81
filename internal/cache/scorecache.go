package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ScoredResponse is the cacheable part of a model result. Only usable
// scores are cached, never failures.
type ScoredResponse struct {
	Score       float64 `json:"score"`
	Explanation string  `json:"explanation"`
}

// ScoreCache caches model scores keyed by a hash of the compacted context,
// so unchanged account behavior does not trigger repeat model calls.
type ScoreCache struct {
	redis *RedisClient
	ttl   time.Duration
}

// NewScoreCache creates a score cache. A nil redis client yields a disabled
// cache whose lookups always miss.
func NewScoreCache(redis *RedisClient, ttl time.Duration) *ScoreCache {
	return &ScoreCache{redis: redis, ttl: ttl}
}

// Get returns the cached response for a context hash, if any.
func (c *ScoreCache) Get(ctx context.Context, contextHash string) (*ScoredResponse, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}

	var resp ScoredResponse
	if err := c.redis.Get(ctx, "model:score:"+contextHash, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Set caches a response for a context hash. Best effort.
func (c *ScoreCache) Set(ctx context.Context, contextHash string, resp *ScoredResponse) {
	if c == nil || c.redis == nil {
		return
	}
	_ = c.redis.Set(ctx, "model:score:"+contextHash, resp, c.ttl)
}

// ContextHash derives a stable cache key from the prompt text.
func ContextHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:12])
}

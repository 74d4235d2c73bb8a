package pdp

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindburn-labs/sentrygate/pkg/canonicalize"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// cacheKey derives a stable cache key for a DecisionInput, scoped by
// the rule set generation so a policy reload invalidates every prior
// entry without a bulk delete (spec §4.4).
func cacheKey(input gwtypes.DecisionInput, generation uint64) (string, error) {
	hash, err := canonicalize.Hash(input)
	if err != nil {
		return "", fmt.Errorf("pdp: cache key hash failed: %w", err)
	}
	return fmt.Sprintf("pdp:decision:g%d:%s", generation, hash), nil
}

// decisionCache is a two-tier cache: a small sharded in-process LRU in
// front of a shared Redis tier. Both tiers are best-effort — a cache
// miss or backend error simply means the PDP re-evaluates, it never
// blocks or fails the request.
type decisionCache struct {
	local *shardedLRU
	redis redis.Cmdable
	ttl   time.Duration
}

func newDecisionCache(redisClient redis.Cmdable, localCapacity int, ttl time.Duration) *decisionCache {
	return &decisionCache{
		local: newShardedLRU(localCapacity),
		redis: redisClient,
		ttl:   ttl,
	}
}

func (c *decisionCache) get(ctx context.Context, key string) (*gwtypes.Decision, bool) {
	if d, ok := c.local.get(key); ok {
		return d, true
	}
	if c.redis == nil {
		return nil, false
	}
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var d gwtypes.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	c.local.set(key, &d)
	return &d, true
}

func (c *decisionCache) set(ctx context.Context, key string, d *gwtypes.Decision) {
	c.local.set(key, d)
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	c.redis.Set(ctx, key, raw, c.ttl)
}

// shardedLRU is a fixed-capacity, mutex-guarded LRU cache of
// Decisions, sharded by key hash to reduce contention under
// concurrent pipeline stages.
type shardedLRU struct {
	shards []*lruShard
	mask   uint32
}

const lruShardCount = 16

func newShardedLRU(capacity int) *shardedLRU {
	perShard := capacity / lruShardCount
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]*lruShard, lruShardCount)
	for i := range shards {
		shards[i] = newLRUShard(perShard)
	}
	return &shardedLRU{shards: shards, mask: lruShardCount - 1}
}

func (s *shardedLRU) shardFor(key string) *lruShard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return s.shards[h&s.mask]
}

func (s *shardedLRU) get(key string) (*gwtypes.Decision, bool) {
	return s.shardFor(key).get(key)
}

func (s *shardedLRU) set(key string, d *gwtypes.Decision) {
	s.shardFor(key).set(key, d)
}

type lruShard struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value *gwtypes.Decision
}

func newLRUShard(capacity int) *lruShard {
	return &lruShard{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (s *lruShard) get(key string) (*gwtypes.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (s *lruShard) set(key string, value *gwtypes.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		el.Value.(*lruEntry).value = value
		s.ll.MoveToFront(el)
		return
	}
	el := s.ll.PushFront(&lruEntry{key: key, value: value})
	s.items[key] = el
	if s.ll.Len() > s.capacity {
		oldest := s.ll.Back()
		if oldest != nil {
			s.ll.Remove(oldest)
			delete(s.items, oldest.Value.(*lruEntry).key)
		}
	}
}

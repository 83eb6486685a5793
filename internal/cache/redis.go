package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/fjod/course_cart/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	maxJitter = 5 * time.Minute
	// outlives any cached list so a generation is never reset under a live entry
	generationTTL = 24 * time.Hour
)

// setIfGeneration writes KEYS[1] only while KEYS[2] still holds ARGV[1].
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if (gen or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func NewRedisCache(client redis.UniversalClient, baseTTL time.Duration) *RedisCache {
	if baseTTL <= 0 {
		baseTTL = 15 * time.Minute
	}
	return &RedisCache{
		client:  client,
		baseTTL: baseTTL,
	}
}

type RedisCache struct {
	client  redis.UniversalClient
	baseTTL time.Duration
}

type cachedCart struct {
	Items []domain.CartItem `json:"items"`
}

func (r *RedisCache) Get(ctx context.Context, userID string) ([]domain.CartItem, error) {
	data, err := r.client.Get(ctx, cacheKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var c cachedCart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart items failed: %w", err)
	}
	return c.Items, nil
}

func (r *RedisCache) Generation(ctx context.Context, userID string) (int64, error) {
	gen, err := r.client.Get(ctx, generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

// Set caches items read at generation gen. It returns ErrGenerationChanged
// and writes nothing when a Delete happened in between.
func (r *RedisCache) Set(ctx context.Context, userID string, gen int64, items []domain.CartItem) error {
	data, err := json.Marshal(cachedCart{Items: items})
	if err != nil {
		return fmt.Errorf("marshal cart items failed: %w", err)
	}

	// jitter spreads expirations so carts cached together do not expire together
	ttl := r.baseTTL + time.Duration(rand.Int63n(int64(maxJitter)))
	stored, err := setIfGeneration.Run(ctx, r.client,
		[]string{cacheKey(userID), generationKey(userID)},
		strconv.FormatInt(gen, 10), data, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	if stored == 0 {
		return ErrGenerationChanged
	}
	return nil
}

// Delete drops the cached list and bumps the generation in one transaction.
func (r *RedisCache) Delete(ctx context.Context, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		pipe.Expire(ctx, generationKey(userID), generationTTL)
		pipe.Del(ctx, cacheKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(userID string) string {
	return fmt.Sprintf("cart:items:%s", userID)
}

func generationKey(userID string) string {
	return fmt.Sprintf("cart:gen:%s", userID)
}

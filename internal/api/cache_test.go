package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "missing"); ok {
		t.Fatal("expected miss for absent key")
	}
	cache.Set(ctx, detailCacheKey("pic-1"), []byte(`{"id":"1"}`), time.Minute)
	value, ok := cache.Get(ctx, detailCacheKey("pic-1"))
	if !ok || string(value) != `{"id":"1"}` {
		t.Fatalf("unexpected cached value %q (hit=%v)", value, ok)
	}

	if err := cache.Delete(ctx, detailCacheKey("pic-1")); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, ok := cache.Get(ctx, detailCacheKey("pic-1")); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache()
	current := time.Now()
	cache.now = func() time.Time { return current }
	ctx := context.Background()

	cache.Set(ctx, "key", []byte("value"), 30*time.Second)
	if _, ok := cache.Get(ctx, "key"); !ok {
		t.Fatal("expected hit before expiry")
	}
	current = current.Add(31 * time.Second)
	if _, ok := cache.Get(ctx, "key"); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestMemoryCacheIgnoresNonPositiveTTL(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	cache.Set(ctx, "key", []byte("value"), 0)
	if _, ok := cache.Get(ctx, "key"); ok {
		t.Fatal("expected zero-TTL set to be ignored")
	}
}

func TestIsNilCacheReplyMatchesOnlyRedisNil(t *testing.T) {
	if !isNilCacheReply(redis.Nil) {
		t.Fatal("redis.Nil should read as a cache miss")
	}
	if !isNilCacheReply(fmt.Errorf("get: %w", redis.Nil)) {
		t.Fatal("wrapped redis.Nil should read as a cache miss")
	}
	if isNilCacheReply(nil) {
		t.Fatal("nil error is not a miss")
	}
	if isNilCacheReply(errors.New("redis: nil lookalike")) {
		t.Fatal("an unrelated error with a similar message must surface")
	}
}

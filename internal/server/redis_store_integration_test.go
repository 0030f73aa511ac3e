package server

import (
	"fmt"
	"os"
	"testing"
	"time"
)

// Requires a reachable Redis; set IMAGEVAULT_TEST_REDIS_ADDR to run.
func TestRedisStoreAllowIntegration(t *testing.T) {
	addr := os.Getenv("IMAGEVAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("IMAGEVAULT_TEST_REDIS_ADDR not set")
	}

	store := newRedisStore(addr, os.Getenv("IMAGEVAULT_TEST_REDIS_PASSWORD"), 2*time.Second)
	defer store.Close()

	key := fmt.Sprintf("imagevault:test:upload:%d", time.Now().UnixNano())
	for i := 0; i < 2; i++ {
		allowed, _, err := store.Allow(key, 2, time.Minute)
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !allowed {
			t.Fatalf("expected request %d within limit", i+1)
		}
	}

	allowed, retryAfter, err := store.Allow(key, 2, time.Minute)
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if allowed {
		t.Fatal("expected request over limit to be rejected")
	}
	if retryAfter <= 0 {
		t.Fatal("expected a positive retry hint")
	}
}

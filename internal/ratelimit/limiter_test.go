package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/relay/internal/obs"
)

func testLimiter(t *testing.T) *Limiter {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewLimiter(client, obs.Discard())
}

func TestAllow_EnforcesLimit(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "alice", rule)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("hit %d should be allowed", i+1)
		}
		if d.Remaining != 2-i {
			t.Errorf("hit %d: remaining = %d, want %d", i+1, d.Remaining, 2-i)
		}
	}

	d, err := l.Allow(ctx, "alice", rule)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("fourth hit should be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("unexpected RetryAfter %v", d.RetryAfter)
	}

	// Identifiers are independent.
	if d, _ := l.Allow(ctx, "bob", rule); !d.Allowed {
		t.Error("bob should not be limited by alice's hits")
	}
}

func TestRemaining(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test-rem:", Limit: 2, Window: time.Minute}

	if n, _ := l.Remaining(ctx, "carol", rule); n != 2 {
		t.Fatalf("Remaining before any hit = %d, want 2", n)
	}
	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "carol", rule)
	}
	if n, _ := l.Remaining(ctx, "carol", rule); n != 0 {
		t.Errorf("Remaining after exhausting = %d, want 0", n)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, obs.Discard())

	d, err := l.Allow(context.Background(), "alice", RuleSend)
	if err == nil {
		t.Fatal("expected an error from an unreachable redis")
	}
	if !d.Allowed {
		t.Error("limiter must fail open")
	}
}

func TestRetrySeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{10 * time.Second, 10},
	}
	for _, tt := range tests {
		if got := RetrySeconds(tt.in); got != tt.want {
			t.Errorf("RetrySeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

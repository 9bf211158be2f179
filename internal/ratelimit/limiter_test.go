package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterEnforcesCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, 2, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "client-a")
	if err != nil || !allowed {
		t.Fatalf("expected first submission allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, remaining, _ := limiter.Allow(ctx, "client-a")
	if !allowed {
		t.Fatalf("expected second submission allowed")
	}
	if remaining >= 1 {
		t.Fatalf("expected bucket nearly empty, got %v tokens", remaining)
	}
	allowed, _, _ = limiter.Allow(ctx, "client-a")
	if allowed {
		t.Fatalf("expected third submission rejected")
	}
}

func TestLimiterIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(client, 1, 1, time.Minute)

	if allowed, _, _ := limiter.Allow(ctx, "client-a"); !allowed {
		t.Fatalf("client-a first submission should pass")
	}
	if allowed, _, _ := limiter.Allow(ctx, "client-a"); allowed {
		t.Fatalf("client-a second submission should be rejected")
	}
	if allowed, _, _ := limiter.Allow(ctx, "client-b"); !allowed {
		t.Fatalf("client-b must not share client-a's bucket")
	}

	// Refill cannot be tested against miniredis.FastForward because the
	// script takes its clock from the caller, not from Redis.
}

func TestParseTakeReplyRejectsMalformedShapes(t *testing.T) {
	for _, res := range []any{
		nil,
		"OK",
		[]interface{}{int64(1)},
		[]interface{}{"yes", int64(3)},
		[]interface{}{int64(1), "three"},
	} {
		if _, _, err := parseTakeReply(res); err == nil {
			t.Fatalf("expected error for reply %#v", res)
		}
	}

	allowed, remaining, err := parseTakeReply([]interface{}{int64(1), int64(4)})
	if err != nil || !allowed || remaining != 4 {
		t.Fatalf("well-formed reply mis-parsed: allowed=%v remaining=%v err=%v", allowed, remaining, err)
	}
}

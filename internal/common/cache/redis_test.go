package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCacheCounterOps(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", 1, time.Second)
	if err != nil || !ok {
		t.Fatalf("SetNX first = %v, %v", ok, err)
	}
	ok, err = c.SetNX(ctx, "k", 1, time.Second)
	if err != nil || ok {
		t.Fatalf("SetNX second = %v, %v", ok, err)
	}
	n, err := c.Incr(ctx, "k")
	if err != nil || n != 2 {
		t.Fatalf("Incr = %d, %v", n, err)
	}
	ttl, err := c.TTL(ctx, "k")
	if err != nil || ttl <= 0 || ttl > time.Second {
		t.Fatalf("TTL = %s, %v", ttl, err)
	}

	mr.FastForward(2 * time.Second)
	if mr.Exists("k") {
		t.Fatal("key should have expired")
	}

	if _, err := c.Incr(ctx, "noexpire"); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if ttl, _ := c.TTL(ctx, "noexpire"); ttl >= 0 {
		t.Fatalf("TTL without expiry = %s, want negative", ttl)
	}
	if err := c.Expire(ctx, "noexpire", time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if ttl, err := c.TTL(ctx, "noexpire"); err != nil || ttl != time.Minute {
		t.Fatalf("TTL after Expire = %s, %v", ttl, err)
	}
}

func TestNewRedisCacheErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewRedisCache(ctx, RedisConfig{}); err == nil {
		t.Fatal("empty addr should fail")
	}

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := NewRedisCache(ctx, RedisConfig{Addr: addr, DialTimeout: 100 * time.Millisecond, MaxRetries: -1}); err == nil {
		t.Fatal("unreachable redis should fail")
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	live := miniredis.RunT(t)
	if _, err := NewRedisCache(canceled, RedisConfig{Addr: live.Addr()}); err == nil {
		t.Fatal("canceled context should fail the ping")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := RedisConfig{Addr: "x:1", PoolSize: 7}
	cfg.ApplyDefaults()
	if cfg.PoolSize != 7 {
		t.Fatalf("PoolSize overwritten: %d", cfg.PoolSize)
	}
	if cfg.DialTimeout != DefaultRedisConfig().DialTimeout || cfg.MaxRetries != DefaultRedisConfig().MaxRetries {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

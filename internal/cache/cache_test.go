package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || got != "v" {
		t.Fatalf("Get() = %q, %v, %v", got, ok, err)
	}

	exists, err := c.Exists(ctx, "k")
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v", exists, err)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("key survived delete")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 20*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("key survived TTL")
	}
}

func TestNewFallsBackToMemory(t *testing.T) {
	c, err := New(context.Background(), "", "", 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("New() = %T, want *MemoryCache", c)
	}
}

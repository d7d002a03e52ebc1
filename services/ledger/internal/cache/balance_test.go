package cache

import (
	"context"
	"testing"
	"time"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newCache(t *testing.T) (*BalanceCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBalanceCache(client, time.Minute, "test:bal:"), s
}

func mustSet(t *testing.T, c *BalanceCache, b storage.Balance) {
	t.Helper()
	gen, err := c.Generation(context.Background(), b.AccountID)
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	written, err := c.Set(context.Background(), b, gen)
	if err != nil || !written {
		t.Fatalf("set: written=%v err=%v", written, err)
	}
}

func TestBalanceCacheRoundTrip(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	account := uuid.New()

	if _, ok, err := c.Get(ctx, account, "POINTS"); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}

	mustSet(t, c, storage.Balance{AccountID: account, AssetCode: "POINTS", Available: 70, Frozen: 30, TotalEarned: 100})
	got, ok, err := c.Get(ctx, account, "POINTS")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if got.Available != 70 || got.Frozen != 30 || got.TotalEarned != 100 {
		t.Fatalf("unexpected cached balance %+v", got)
	}
}

func TestBalanceCacheInvalidate(t *testing.T) {
	c, s := newCache(t)
	ctx := context.Background()
	account := uuid.New()

	mustSet(t, c, storage.Balance{AccountID: account, AssetCode: "POINTS", Available: 1})
	mustSet(t, c, storage.Balance{AccountID: account, AssetCode: "DIAMONDS", Available: 2})

	if err := c.Invalidate(ctx, account, "POINTS"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := c.Get(ctx, account, "POINTS"); ok {
		t.Fatalf("expected POINTS dropped")
	}
	if _, ok, _ := c.Get(ctx, account, "DIAMONDS"); !ok {
		t.Fatalf("expected DIAMONDS kept")
	}

	if err := c.Invalidate(ctx, account); err != nil {
		t.Fatalf("invalidate all: %v", err)
	}
	if s.Exists("test:bal:{" + account.String() + "}") {
		t.Fatalf("expected account hash removed")
	}
	if gen, _ := c.Generation(ctx, account); gen != 2 {
		t.Fatalf("expected generation 2 after two invalidations, got %d", gen)
	}
}

func TestBalanceCacheSkipsWriteAfterConcurrentInvalidation(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	account := uuid.New()

	// Reader takes the generation and loads 15 from the database.
	gen, err := c.Generation(ctx, account)
	if err != nil {
		t.Fatalf("generation: %v", err)
	}
	stale := storage.Balance{AccountID: account, AssetCode: "POINTS", Available: 15}

	// A credit commits and invalidates before the reader writes back.
	if err := c.Invalidate(ctx, account, "POINTS"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	written, err := c.Set(ctx, stale, gen)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if written {
		t.Fatalf("stale balance must not be cached")
	}
	if _, ok, _ := c.Get(ctx, account, "POINTS"); ok {
		t.Fatalf("expected miss after skipped write")
	}

	mustSet(t, c, storage.Balance{AccountID: account, AssetCode: "POINTS", Available: 100})
	got, ok, _ := c.Get(ctx, account, "POINTS")
	if !ok || got.Available != 100 {
		t.Fatalf("expected fresh 100 cached, got %+v ok=%v", got, ok)
	}
}

func TestBalanceCacheExpires(t *testing.T) {
	c, s := newCache(t)
	ctx := context.Background()
	account := uuid.New()

	mustSet(t, c, storage.Balance{AccountID: account, AssetCode: "POINTS", Available: 5})
	s.FastForward(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, account, "POINTS"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestBalanceCacheEntryTTLIsPerAsset(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	account := uuid.New()
	now := time.Now()
	c.now = func() time.Time { return now }

	mustSet(t, c, storage.Balance{AccountID: account, AssetCode: "POINTS", Available: 5})

	// Caching another asset later refreshes the hash TTL but not POINTS.
	now = now.Add(45 * time.Second)
	mustSet(t, c, storage.Balance{AccountID: account, AssetCode: "DIAMONDS", Available: 1})
	now = now.Add(30 * time.Second)

	if _, ok, _ := c.Get(ctx, account, "POINTS"); ok {
		t.Fatalf("expected POINTS to expire on its own schedule")
	}
	if _, ok, _ := c.Get(ctx, account, "DIAMONDS"); !ok {
		t.Fatalf("expected DIAMONDS still cached")
	}
}

func TestBalanceCacheCorruptEntryIsMiss(t *testing.T) {
	c, s := newCache(t)
	account := uuid.New()
	s.HSet("test:bal:{"+account.String()+"}", "POINTS", "not-json")

	if _, ok, err := c.Get(context.Background(), account, "POINTS"); ok || err != nil {
		t.Fatalf("expected silent miss, ok=%v err=%v", ok, err)
	}
}

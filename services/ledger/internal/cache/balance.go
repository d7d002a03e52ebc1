// Package cache keeps a short-lived read-through copy of balances in Redis.
// The ledger tables stay authoritative; entries are dropped after every
// committed mutation and expire on their own otherwise.
//
// Each account has a generation counter that every invalidation bumps.
// Readers take the generation before loading from the database and Set only
// writes while it is unchanged, so a value read before a concurrent commit
// is never cached after that commit's invalidation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "ledger:bal:"
	// generationTTL bounds how long an idle account's counter is kept. It
	// must exceed any database read, which the request timeouts guarantee.
	generationTTL = 24 * time.Hour
)

// setIfCurrent writes ARGV[3] into hash field ARGV[2] only when the
// generation in KEYS[2] still equals ARGV[1].
var setIfCurrent = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[2], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

type BalanceCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewBalanceCache(client redis.UniversalClient, ttl time.Duration, prefix string) *BalanceCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceCache{client: client, ttl: ttl, prefix: prefix, now: time.Now}
}

type cachedBalance struct {
	Available     int64     `json:"available"`
	Frozen        int64     `json:"frozen"`
	TotalEarned   int64     `json:"total_earned"`
	TotalConsumed int64     `json:"total_consumed"`
	UpdatedAt     time.Time `json:"updated_at"`
	// ExpiresAt is per asset; the hash TTL only reclaims idle accounts.
	ExpiresAt int64 `json:"expires_at"`
}

// Both keys carry the account as a hash tag so the Set script runs on one
// cluster slot.
func (c *BalanceCache) key(accountID uuid.UUID) string {
	return c.prefix + "{" + accountID.String() + "}"
}

func (c *BalanceCache) genKey(accountID uuid.UUID) string {
	return c.prefix + "gen:{" + accountID.String() + "}"
}

// Get returns ok=false on a miss.
func (c *BalanceCache) Get(ctx context.Context, accountID uuid.UUID, asset string) (*storage.Balance, bool, error) {
	raw, err := c.client.HGet(ctx, c.key(accountID), asset).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var cb cachedBalance
	if err := json.Unmarshal(raw, &cb); err != nil {
		// Unreadable entries are treated as misses and overwritten on Set.
		return nil, false, nil
	}
	if cb.ExpiresAt <= c.now().UnixMilli() {
		return nil, false, nil
	}
	return &storage.Balance{
		AccountID:     accountID,
		AssetCode:     asset,
		Available:     cb.Available,
		Frozen:        cb.Frozen,
		TotalEarned:   cb.TotalEarned,
		TotalConsumed: cb.TotalConsumed,
		UpdatedAt:     cb.UpdatedAt,
	}, true, nil
}

// Generation returns the account's current generation. Take it before
// reading the balance that will be passed to Set.
func (c *BalanceCache) Generation(ctx context.Context, accountID uuid.UUID) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache generation: %w", err)
	}
	return gen, nil
}

// Set caches b if no invalidation happened since gen was taken. It reports
// whether the value was written.
func (c *BalanceCache) Set(ctx context.Context, b storage.Balance, gen int64) (bool, error) {
	raw, err := json.Marshal(cachedBalance{
		Available:     b.Available,
		Frozen:        b.Frozen,
		TotalEarned:   b.TotalEarned,
		TotalConsumed: b.TotalConsumed,
		UpdatedAt:     b.UpdatedAt,
		ExpiresAt:     c.now().Add(c.ttl).UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	written, err := setIfCurrent.Run(ctx, c.client,
		[]string{c.key(b.AccountID), c.genKey(b.AccountID)},
		strconv.FormatInt(gen, 10), b.AssetCode, raw, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cache set: %w", err)
	}
	return written == 1, nil
}

// Invalidate drops the given assets, or the whole account when none are
// named, and bumps the account generation so in-flight reads are not cached.
func (c *BalanceCache) Invalidate(ctx context.Context, accountID uuid.UUID, assets ...string) error {
	key, genKey := c.key(accountID), c.genKey(accountID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		if len(assets) == 0 {
			pipe.Del(ctx, key)
		} else {
			pipe.HDel(ctx, key, assets...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

const (
	KeyFeeRate          = "trade.fee_rate"
	KeyAssetFeeRates    = "trade.asset_fee_rates"
	KeyMinFee           = "trade.min_fee"
	KeySettlementAssets = "trade.settlement_assets"
)

type Store interface {
	LoadSettings(ctx context.Context) (map[string][]byte, error)
}

type RefreshMetrics interface {
	ObserveRefresh(duration time.Duration)
	IncRefreshError()
}

// Snapshot is immutable once published; readers may share it freely.
type Snapshot struct {
	FeeRate          decimal.Decimal
	AssetFeeRates    map[string]decimal.Decimal
	MinFee           int64
	SettlementAssets map[string]struct{}
	LoadedAt         time.Time
}

func (s Snapshot) IsSettlementAsset(asset string) bool {
	_, ok := s.SettlementAssets[normalize(asset)]
	return ok
}

func (s Snapshot) FeeRateFor(asset string) decimal.Decimal {
	if rate, ok := s.AssetFeeRates[normalize(asset)]; ok {
		return rate
	}
	return s.FeeRate
}

func (s Snapshot) AssetList() []string {
	return lo.Keys(s.SettlementAssets)
}

// Defaults seeds a snapshot from static configuration.
func Defaults(feeRate decimal.Decimal, minFee int64, assets []string) Snapshot {
	return Snapshot{
		FeeRate:          feeRate,
		AssetFeeRates:    map[string]decimal.Decimal{},
		MinFee:           minFee,
		SettlementAssets: assetSet(assets),
	}
}

// Cache serves the current snapshot and swaps it on refresh.
type Cache struct {
	mu       sync.RWMutex
	current  Snapshot
	defaults Snapshot
}

func NewCache(defaults Snapshot) *Cache {
	return &Cache{current: defaults, defaults: defaults}
}

func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Load replaces the snapshot with stored settings layered over defaults.
// A malformed value fails the whole load and keeps the previous snapshot.
func (c *Cache) Load(ctx context.Context, store Store) error {
	raw, err := store.LoadSettings(ctx)
	if err != nil {
		return err
	}
	next, err := build(c.defaults, raw)
	if err != nil {
		return err
	}
	next.LoadedAt = time.Now()

	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
	return nil
}

func (c *Cache) Refresh(ctx context.Context, store Store) error {
	return c.Load(ctx, store)
}

func (c *Cache) StartAutoRefresh(ctx context.Context, store Store, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("settings refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := c.Refresh(refreshCtx, store)
				cancel()
				if err != nil {
					logger.Error("settings refresh failed", "error", err)
					if metrics != nil {
						metrics.IncRefreshError()
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(time.Since(start))
				}
				logger.Debug("settings refreshed", "settlement_assets", len(c.Snapshot().SettlementAssets))
			}
		}
	}()
}

func build(base Snapshot, raw map[string][]byte) (Snapshot, error) {
	next := Snapshot{
		FeeRate:          base.FeeRate,
		AssetFeeRates:    map[string]decimal.Decimal{},
		MinFee:           base.MinFee,
		SettlementAssets: base.SettlementAssets,
	}
	for k, v := range base.AssetFeeRates {
		next.AssetFeeRates[k] = v
	}

	if value, ok := raw[KeyFeeRate]; ok {
		rate, err := parseRate(value)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%s: %w", KeyFeeRate, err)
		}
		next.FeeRate = rate
	}

	if value, ok := raw[KeyAssetFeeRates]; ok {
		var rates map[string]json.RawMessage
		if err := json.Unmarshal(value, &rates); err != nil {
			return Snapshot{}, fmt.Errorf("%s: %w", KeyAssetFeeRates, err)
		}
		for asset, rawRate := range rates {
			rate, err := parseRate(rawRate)
			if err != nil {
				return Snapshot{}, fmt.Errorf("%s[%s]: %w", KeyAssetFeeRates, asset, err)
			}
			next.AssetFeeRates[normalize(asset)] = rate
		}
	}

	if value, ok := raw[KeyMinFee]; ok {
		var minFee int64
		if err := json.Unmarshal(value, &minFee); err != nil || minFee < 0 {
			return Snapshot{}, fmt.Errorf("%s: invalid value %s", KeyMinFee, string(value))
		}
		next.MinFee = minFee
	}

	if value, ok := raw[KeySettlementAssets]; ok {
		var assets []string
		if err := json.Unmarshal(value, &assets); err != nil {
			return Snapshot{}, fmt.Errorf("%s: %w", KeySettlementAssets, err)
		}
		next.SettlementAssets = assetSet(assets)
	}

	return next, nil
}

// parseRate accepts a JSON number or string fraction in [0, 1).
func parseRate(value []byte) (decimal.Decimal, error) {
	text := strings.Trim(strings.TrimSpace(string(value)), `"`)
	rate, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, err
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("rate %s out of range", rate)
	}
	return rate, nil
}

func assetSet(assets []string) map[string]struct{} {
	normalized := lo.Uniq(lo.Compact(lo.Map(assets, func(a string, _ int) string { return normalize(a) })))
	return lo.SliceToMap(normalized, func(a string) (string, struct{}) { return a, struct{}{} })
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

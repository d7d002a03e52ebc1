package settings

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (f *fakeStore) LoadSettings(ctx context.Context) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = []byte(value)
}

type errorStore struct{}

func (e *errorStore) LoadSettings(ctx context.Context) (map[string][]byte, error) {
	return nil, errors.New("boom")
}

type fakeMetrics struct {
	mu      sync.Mutex
	refresh int
	errors  int
}

func (m *fakeMetrics) ObserveRefresh(_ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh++
}

func (m *fakeMetrics) IncRefreshError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func (m *fakeMetrics) Snapshot() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh, m.errors
}

func defaults() Snapshot {
	return Defaults(decimal.RequireFromString("0.05"), 0, []string{"points", " DIAMONDS "})
}

func TestDefaultsServedBeforeLoad(t *testing.T) {
	cache := NewCache(defaults())
	snap := cache.Snapshot()

	if !snap.IsSettlementAsset("POINTS") || !snap.IsSettlementAsset("diamonds") {
		t.Fatalf("expected default whitelist, got %v", snap.AssetList())
	}
	if snap.IsSettlementAsset("SHARDS") {
		t.Fatalf("expected SHARDS to be rejected")
	}
	if !snap.FeeRateFor("POINTS").Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("unexpected fee rate %s", snap.FeeRateFor("POINTS"))
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	cache := NewCache(defaults())
	store := &fakeStore{values: map[string][]byte{
		KeyFeeRate:          []byte(`"0.1"`),
		KeyAssetFeeRates:    []byte(`{"diamonds": 0.02}`),
		KeyMinFee:           []byte(`1`),
		KeySettlementAssets: []byte(`["POINTS", "DIAMONDS", "SHARDS"]`),
	}}
	if err := cache.Load(context.Background(), store); err != nil {
		t.Fatalf("load: %v", err)
	}

	snap := cache.Snapshot()
	if !snap.FeeRateFor("POINTS").Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("expected default override, got %s", snap.FeeRateFor("POINTS"))
	}
	if !snap.FeeRateFor("DIAMONDS").Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("expected per-asset rate, got %s", snap.FeeRateFor("DIAMONDS"))
	}
	if snap.MinFee != 1 {
		t.Fatalf("expected min fee 1, got %d", snap.MinFee)
	}
	assets := snap.AssetList()
	sort.Strings(assets)
	if len(assets) != 3 || assets[2] != "SHARDS" {
		t.Fatalf("unexpected whitelist %v", assets)
	}
	if snap.LoadedAt.IsZero() {
		t.Fatalf("expected load time to be set")
	}
}

func TestLoadRejectsMalformedAndKeepsPrevious(t *testing.T) {
	cache := NewCache(defaults())
	cases := map[string]string{
		KeyFeeRate:          `"abc"`,
		KeyAssetFeeRates:    `{"POINTS": 2}`,
		KeyMinFee:           `-1`,
		KeySettlementAssets: `"POINTS"`,
	}
	for key, value := range cases {
		store := &fakeStore{values: map[string][]byte{key: []byte(value)}}
		if err := cache.Load(context.Background(), store); err == nil {
			t.Fatalf("%s: expected error", key)
		}
	}
	if !cache.Snapshot().FeeRate.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("expected previous snapshot to survive")
	}
}

func TestSnapshotIsStableAcrossRefresh(t *testing.T) {
	cache := NewCache(defaults())
	store := &fakeStore{values: map[string][]byte{}}

	before := cache.Snapshot()
	store.set(KeySettlementAssets, `["SHARDS"]`)
	if err := cache.Refresh(context.Background(), store); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if !before.IsSettlementAsset("POINTS") {
		t.Fatalf("held snapshot must not change after refresh")
	}
	if cache.Snapshot().IsSettlementAsset("POINTS") {
		t.Fatalf("expected new snapshot to drop POINTS")
	}
}

func TestAutoRefresh(t *testing.T) {
	cache := NewCache(defaults())
	store := &fakeStore{values: map[string][]byte{}}
	metrics := &fakeMetrics{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache.StartAutoRefresh(ctx, store, 10*time.Millisecond, metrics, slog.Default())
	store.set(KeySettlementAssets, `["SHARDS"]`)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cache.Snapshot().IsSettlementAsset("SHARDS") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !cache.Snapshot().IsSettlementAsset("SHARDS") {
		t.Fatalf("expected refreshed whitelist")
	}
	if refreshes, _ := metrics.Snapshot(); refreshes == 0 {
		t.Fatalf("expected refreshes to be recorded")
	}
}

func TestAutoRefreshErrors(t *testing.T) {
	cache := NewCache(defaults())
	metrics := &fakeMetrics{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache.StartAutoRefresh(ctx, &errorStore{}, 10*time.Millisecond, metrics, slog.Default())

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, errs := metrics.Snapshot(); errs > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected refresh errors to be recorded")
}

package storage

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemoryStore keeps the ledger in process memory. Transactions are fully
// serialized by a single mutex, which subsumes the row locks the Postgres
// backend takes. It backs local development and package tests.
type MemoryStore struct {
	mu      sync.Mutex
	state   *memState
	logger  *slog.Logger
	metrics HookMetrics
}

type balanceKey struct {
	account uuid.UUID
	asset   string
}

type memState struct {
	accounts    map[uuid.UUID]Account
	accountRefs map[string]uuid.UUID
	balances    map[balanceKey]Balance
	entries     []LedgerEntry
	entryKeys   map[string]int
	idempotency map[scopedKey]IdempotencyRecord
	orders      map[uuid.UUID]TradeOrder
	orderKeys   map[string]uuid.UUID
	listings    map[uuid.UUID]Listing
	listingKeys map[string]uuid.UUID
	items       map[uuid.UUID]Item
	settings    map[string][]byte
}

func NewMemory(logger *slog.Logger, metrics HookMetrics) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		state: &memState{
			accounts:    map[uuid.UUID]Account{},
			accountRefs: map[string]uuid.UUID{},
			balances:    map[balanceKey]Balance{},
			entryKeys:   map[string]int{},
			idempotency: map[scopedKey]IdempotencyRecord{},
			orders:      map[uuid.UUID]TradeOrder{},
			orderKeys:   map[string]uuid.UUID{},
			listings:    map[uuid.UUID]Listing{},
			listingKeys: map[string]uuid.UUID{},
			items:       map[uuid.UUID]Item{},
			settings:    map[string][]byte{},
		},
		logger:  logger,
		metrics: metrics,
	}
}

func (s *memState) clone() *memState {
	return &memState{
		accounts:    maps.Clone(s.accounts),
		accountRefs: maps.Clone(s.accountRefs),
		balances:    maps.Clone(s.balances),
		entries:     slices.Clone(s.entries),
		entryKeys:   maps.Clone(s.entryKeys),
		idempotency: maps.Clone(s.idempotency),
		orders:      maps.Clone(s.orders),
		orderKeys:   maps.Clone(s.orderKeys),
		listings:    maps.Clone(s.listings),
		listingKeys: maps.Clone(s.listingKeys),
		items:       maps.Clone(s.items),
		settings:    maps.Clone(s.settings),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	s.mu.Lock()
	working := s.state.clone()
	tx := newTx(&memBackend{st: working})
	if err := fn(ctx, tx); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = working
	s.mu.Unlock()

	runAfterCommit(ctx, tx, s.logger, func(ok bool) {
		if s.metrics != nil {
			s.metrics.ObserveSideEffect(ok)
		}
	})
	return nil
}

func (s *MemoryStore) read(fn func(st *memState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// PutSetting stores a raw JSON value under key.
func (s *MemoryStore) PutSetting(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.settings[key] = slices.Clone(value)
}

func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	var out *Account
	s.read(func(st *memState) {
		if a, ok := st.accounts[id]; ok {
			out = &a
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *MemoryStore) EnsureAccount(ctx context.Context, kind AccountKind, ref string) (*Account, error) {
	var out *Account
	err := s.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		a, err := tx.EnsureAccount(ctx, kind, ref)
		out = a
		return err
	})
	return out, err
}

func (s *MemoryStore) GetBalance(_ context.Context, accountID uuid.UUID, asset string) (*Balance, error) {
	out := &Balance{AccountID: accountID, AssetCode: asset}
	s.read(func(st *memState) {
		if b, ok := st.balances[balanceKey{accountID, asset}]; ok {
			out = &b
		}
	})
	return out, nil
}

func (s *MemoryStore) ListBalances(_ context.Context, accountID uuid.UUID) ([]Balance, error) {
	var out []Balance
	s.read(func(st *memState) {
		for k, b := range st.balances {
			if k.account == accountID {
				out = append(out, b)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AssetCode < out[j].AssetCode })
	return out, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []LedgerEntry
	s.read(func(st *memState) {
		for i := len(st.entries) - 1; i >= 0 && len(out) < limit; i-- {
			e := st.entries[i]
			if e.AccountID != filter.AccountID {
				continue
			}
			if filter.AssetCode != "" && e.AssetCode != filter.AssetCode {
				continue
			}
			if filter.BeforeID != nil && !entryBefore(st, i, *filter.BeforeID) {
				continue
			}
			out = append(out, e)
		}
	})
	return out, nil
}

// entryBefore reports whether entry i was appended before the entry with id.
func entryBefore(st *memState, i int, id uuid.UUID) bool {
	for j := i + 1; j < len(st.entries); j++ {
		if st.entries[j].ID == id {
			return true
		}
	}
	return false
}

func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*TradeOrder, error) {
	var out *TradeOrder
	s.read(func(st *memState) {
		if o, ok := st.orders[id]; ok {
			out = &o
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *MemoryStore) GetListing(_ context.Context, id uuid.UUID) (*Listing, error) {
	var out *Listing
	s.read(func(st *memState) {
		if l, ok := st.listings[id]; ok {
			out = &l
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *MemoryStore) ListListings(_ context.Context, filter ListingFilter) ([]Listing, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []Listing
	s.read(func(st *memState) {
		out = lo.Filter(lo.Values(st.listings), func(l Listing, _ int) bool {
			if filter.Status != "" && l.Status != filter.Status {
				return false
			}
			return filter.SellerID == nil || l.SellerID == *filter.SellerID
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LoadSettings(_ context.Context) (map[string][]byte, error) {
	var out map[string][]byte
	s.read(func(st *memState) {
		out = maps.Clone(st.settings)
	})
	return out, nil
}

func (s *MemoryStore) ListOrderMismatches(_ context.Context) ([]TradeOrder, error) {
	var out []TradeOrder
	s.read(func(st *memState) {
		out = lo.Filter(lo.Values(st.orders), func(o TradeOrder, _ int) bool {
			return o.Status == OrderStatusCompleted && o.GrossAmount != o.FeeAmount+o.NetAmount
		})
	})
	return out, nil
}

func (s *MemoryStore) ListNegativeBalances(_ context.Context) ([]Balance, error) {
	var out []Balance
	s.read(func(st *memState) {
		out = lo.Filter(lo.Values(st.balances), func(b Balance, _ int) bool {
			return b.Available < 0 || b.Frozen < 0
		})
	})
	return out, nil
}

func (s *MemoryStore) ListBalanceDrifts(_ context.Context) ([]BalanceDrift, error) {
	var out []BalanceDrift
	s.read(func(st *memState) {
		derived := map[balanceKey]*BalanceDrift{}
		for _, e := range st.entries {
			k := balanceKey{e.AccountID, e.AssetCode}
			d, ok := derived[k]
			if !ok {
				d = &BalanceDrift{AccountID: e.AccountID, AssetCode: e.AssetCode}
				derived[k] = d
			}
			switch e.Operation {
			case OperationChange:
				d.DerivedAvailable += e.Delta
			case OperationFreeze, OperationUnfreeze:
				d.DerivedAvailable += e.Delta
				d.DerivedFrozen -= e.Delta
			case OperationSettle:
				d.DerivedFrozen += e.Delta
			}
		}
		for k, b := range st.balances {
			d, ok := derived[k]
			if !ok {
				d = &BalanceDrift{AccountID: b.AccountID, AssetCode: b.AssetCode}
			}
			if b.Available != d.DerivedAvailable || b.Frozen != d.DerivedFrozen {
				d.StoredAvailable, d.StoredFrozen = b.Available, b.Frozen
				out = append(out, *d)
			}
		}
	})
	return out, nil
}

func (s *MemoryStore) ListOrphanLocks(_ context.Context) ([]Listing, error) {
	var out []Listing
	s.read(func(st *memState) {
		for _, l := range st.listings {
			if l.Status != ListingStatusLocked {
				continue
			}
			if l.LockedByOrderID == nil {
				out = append(out, l)
				continue
			}
			o, ok := st.orders[*l.LockedByOrderID]
			if !ok || (o.Status != OrderStatusCreated && o.Status != OrderStatusFrozen) {
				out = append(out, l)
			}
		}
	})
	return out, nil
}

type memBackend struct {
	st *memState
}

func refKey(kind AccountKind, ref string) string {
	return string(kind) + "|" + ref
}

func (b *memBackend) ensureAccount(_ context.Context, kind AccountKind, ref string) (*Account, error) {
	if id, ok := b.st.accountRefs[refKey(kind, ref)]; ok {
		a := b.st.accounts[id]
		return &a, nil
	}
	a := Account{ID: uuid.New(), Kind: kind, ExternalRef: ref, CreatedAt: time.Now().UTC()}
	b.st.accounts[a.ID] = a
	b.st.accountRefs[refKey(kind, ref)] = a.ID
	return &a, nil
}

func (b *memBackend) getAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	a, ok := b.st.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (b *memBackend) lockBalance(_ context.Context, accountID uuid.UUID, asset string) (*Balance, error) {
	k := balanceKey{accountID, asset}
	bal, ok := b.st.balances[k]
	if !ok {
		bal = Balance{AccountID: accountID, AssetCode: asset, UpdatedAt: time.Now().UTC()}
		b.st.balances[k] = bal
	}
	return &bal, nil
}

func (b *memBackend) saveBalance(_ context.Context, bal *Balance) error {
	k := balanceKey{bal.AccountID, bal.AssetCode}
	if _, ok := b.st.balances[k]; !ok {
		return ErrNotFound
	}
	bal.UpdatedAt = time.Now().UTC()
	b.st.balances[k] = *bal
	return nil
}

func (b *memBackend) insertEntry(_ context.Context, e *LedgerEntry) error {
	if _, ok := b.st.entryKeys[e.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	b.st.entries = append(b.st.entries, *e)
	b.st.entryKeys[e.IdempotencyKey] = len(b.st.entries) - 1
	return nil
}

func (b *memBackend) getEntry(_ context.Context, id uuid.UUID) (*LedgerEntry, error) {
	e, ok := lo.Find(b.st.entries, func(e LedgerEntry) bool { return e.ID == id })
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (b *memBackend) getEntryByKey(_ context.Context, key string) (*LedgerEntry, error) {
	i, ok := b.st.entryKeys[key]
	if !ok {
		return nil, ErrNotFound
	}
	e := b.st.entries[i]
	return &e, nil
}

type scopedKey struct {
	scope string
	key   string
}

func (b *memBackend) claimIdempotencyKey(_ context.Context, rec IdempotencyRecord) (*IdempotencyRecord, error) {
	k := scopedKey{scope: rec.Scope, key: rec.Key}
	if existing, ok := b.st.idempotency[k]; ok {
		return &existing, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b.st.idempotency[k] = rec
	return nil, nil
}

func (b *memBackend) getIdempotencyKey(_ context.Context, scope, key string) (*IdempotencyRecord, error) {
	rec, ok := b.st.idempotency[scopedKey{scope: scope, key: key}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (b *memBackend) insertOrder(_ context.Context, o *TradeOrder) error {
	if _, ok := b.st.orderKeys[o.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	if _, ok := b.st.orders[o.ID]; ok {
		return ErrDuplicateKey
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	b.st.orders[o.ID] = *o
	b.st.orderKeys[o.IdempotencyKey] = o.ID
	return nil
}

func (b *memBackend) getOrder(_ context.Context, id uuid.UUID) (*TradeOrder, error) {
	o, ok := b.st.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (b *memBackend) lockOrder(ctx context.Context, id uuid.UUID) (*TradeOrder, error) {
	return b.getOrder(ctx, id)
}

func (b *memBackend) updateOrder(_ context.Context, o *TradeOrder) error {
	existing, ok := b.st.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = o.Status
	existing.Meta = o.Meta
	existing.UpdatedAt = time.Now().UTC()
	o.UpdatedAt = existing.UpdatedAt
	b.st.orders[o.ID] = existing
	return nil
}

func (b *memBackend) insertListing(_ context.Context, l *Listing) error {
	if _, ok := b.st.listingKeys[l.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	b.st.listings[l.ID] = *l
	b.st.listingKeys[l.IdempotencyKey] = l.ID
	return nil
}

func (b *memBackend) lockListing(_ context.Context, id uuid.UUID) (*Listing, error) {
	l, ok := b.st.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (b *memBackend) updateListing(_ context.Context, l *Listing) error {
	existing, ok := b.st.listings[l.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = l.Status
	existing.LockedByOrderID = l.LockedByOrderID
	existing.LockedAt = l.LockedAt
	existing.UpdatedAt = time.Now().UTC()
	l.UpdatedAt = existing.UpdatedAt
	b.st.listings[l.ID] = existing
	return nil
}

func (b *memBackend) lockItem(_ context.Context, id uuid.UUID) (*Item, error) {
	it, ok := b.st.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &it, nil
}

func (b *memBackend) upsertItem(_ context.Context, it *Item) error {
	it.UpdatedAt = time.Now().UTC()
	b.st.items[it.ID] = *it
	return nil
}

package balance

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/ledgererr"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/google/uuid"
)

type fakeObserver struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeObserver) ObserveMutation(operation, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[operation+"/"+status]++
}

func newTestService() (*Service, *storage.MemoryStore, *fakeObserver) {
	store := storage.NewMemory(nil, nil)
	obs := &fakeObserver{}
	return New(store, nil, obs), store, obs
}

func credit(t *testing.T, svc *Service, store *storage.MemoryStore, account uuid.UUID, asset string, amount int64, key string) {
	t.Helper()
	err := store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		_, err := svc.ChangeBalance(ctx, tx, ChangeRequest{AccountID: account, AssetCode: asset, Delta: amount, IdempotencyKey: key})
		return err
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func mustBalance(t *testing.T, svc *Service, account uuid.UUID, asset string) storage.Balance {
	t.Helper()
	bal, err := svc.GetBalance(context.Background(), account, asset)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return *bal
}

func TestGetBalanceZeroForUnknownPair(t *testing.T) {
	svc, _, _ := newTestService()
	bal := mustBalance(t, svc, uuid.New(), "points")
	if bal.Available != 0 || bal.Frozen != 0 || bal.AssetCode != "POINTS" {
		t.Fatalf("expected zero POINTS balance, got %+v", bal)
	}
}

func TestFreezeUnfreezeSymmetry(t *testing.T) {
	amounts := []int64{1, 37, 100}
	for _, amount := range amounts {
		svc, store, _ := newTestService()
		account := uuid.New()
		credit(t, svc, store, account, "POINTS", 100, "seed")
		before := mustBalance(t, svc, account, "POINTS")

		err := store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
			if _, err := svc.Freeze(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: amount, IdempotencyKey: "f"}); err != nil {
				return err
			}
			_, err := svc.Unfreeze(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: amount, IdempotencyKey: "u"})
			return err
		})
		if err != nil {
			t.Fatalf("amount %d: %v", amount, err)
		}

		after := mustBalance(t, svc, account, "POINTS")
		if after.Available != before.Available || after.Frozen != before.Frozen {
			t.Fatalf("amount %d: expected %+v, got %+v", amount, before, after)
		}
	}
}

func TestFreezeInsufficientBalance(t *testing.T) {
	svc, store, obs := newTestService()
	account := uuid.New()
	credit(t, svc, store, account, "POINTS", 10, "seed")

	err := store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		_, err := svc.Freeze(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: 11, IdempotencyKey: "f"})
		return err
	})
	if !ledgererr.Is(err, ledgererr.KindInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	bal := mustBalance(t, svc, account, "POINTS")
	if bal.Available != 10 || bal.Frozen != 0 {
		t.Fatalf("expected untouched balance, got %+v", bal)
	}
	if obs.calls["freeze/insufficient_balance"] != 1 {
		t.Fatalf("expected observer to record failure, got %v", obs.calls)
	}
}

func TestSettleAndUnfreezeRequireFrozen(t *testing.T) {
	svc, store, _ := newTestService()
	account := uuid.New()
	credit(t, svc, store, account, "POINTS", 50, "seed")

	for name, op := range map[string]func(context.Context, *storage.Tx, Request) (*Result, error){
		"settle":   svc.SettleFromFrozen,
		"unfreeze": svc.Unfreeze,
	} {
		err := store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
			_, err := op(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: 1, IdempotencyKey: name})
			return err
		})
		if !ledgererr.Is(err, ledgererr.KindInsufficientBalance) {
			t.Fatalf("%s: expected insufficient balance, got %v", name, err)
		}
	}
}

func TestSettleFromFrozenConsumes(t *testing.T) {
	svc, store, _ := newTestService()
	account := uuid.New()
	credit(t, svc, store, account, "POINTS", 100, "seed")

	err := store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		if _, err := svc.Freeze(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: 60, IdempotencyKey: "f"}); err != nil {
			return err
		}
		res, err := svc.SettleFromFrozen(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: 60, IdempotencyKey: "s", BusinessType: "order_settle_buyer"})
		if err != nil {
			return err
		}
		if res.Entry.Delta != -60 || res.Entry.BusinessType != "order_settle_buyer" {
			t.Fatalf("unexpected settle entry %+v", res.Entry)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	bal := mustBalance(t, svc, account, "POINTS")
	if bal.Available != 40 || bal.Frozen != 0 || bal.TotalConsumed != 60 || bal.TotalEarned != 100 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestChangeBalanceReplayAndConflict(t *testing.T) {
	svc, store, _ := newTestService()
	account := uuid.New()
	ctx := context.Background()

	var first, second *Result
	err := store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		first, err = svc.ChangeBalance(ctx, tx, ChangeRequest{AccountID: account, AssetCode: "POINTS", Delta: 25, IdempotencyKey: "grant-1"})
		if err != nil {
			return err
		}
		second, err = svc.ChangeBalance(ctx, tx, ChangeRequest{AccountID: account, AssetCode: "POINTS", Delta: 25, IdempotencyKey: "grant-1"})
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if !second.Duplicate || second.Entry.ID != first.Entry.ID {
		t.Fatalf("expected replay to return first entry")
	}
	if bal := mustBalance(t, svc, account, "POINTS"); bal.Available != 25 {
		t.Fatalf("expected single credit, got %d", bal.Available)
	}

	err = store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		_, err := svc.ChangeBalance(ctx, tx, ChangeRequest{AccountID: account, AssetCode: "POINTS", Delta: 30, IdempotencyKey: "grant-1"})
		return err
	})
	if !ledgererr.Is(err, ledgererr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	entries, err := store.ListEntries(ctx, storage.EntryFilter{AccountID: account})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
}

func TestChangeBalanceDebit(t *testing.T) {
	svc, store, _ := newTestService()
	account := uuid.New()
	credit(t, svc, store, account, "DIAMONDS", 5, "seed")

	err := store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		_, err := svc.ChangeBalance(ctx, tx, ChangeRequest{AccountID: account, AssetCode: "DIAMONDS", Delta: -6, IdempotencyKey: "debit-1"})
		return err
	})
	if !ledgererr.Is(err, ledgererr.KindInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	err = store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		_, err := svc.ChangeBalance(ctx, tx, ChangeRequest{AccountID: account, AssetCode: "DIAMONDS", Delta: -5, IdempotencyKey: "debit-2"})
		return err
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	bal := mustBalance(t, svc, account, "DIAMONDS")
	if bal.Available != 0 || bal.TotalConsumed != 5 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestValidation(t *testing.T) {
	svc, store, _ := newTestService()
	account := uuid.New()

	cases := []struct {
		name string
		call func(ctx context.Context, tx *storage.Tx) error
	}{
		{"zero amount", func(ctx context.Context, tx *storage.Tx) error {
			_, err := svc.Freeze(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: 0, IdempotencyKey: "k"})
			return err
		}},
		{"negative amount", func(ctx context.Context, tx *storage.Tx) error {
			_, err := svc.Unfreeze(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: -1, IdempotencyKey: "k"})
			return err
		}},
		{"zero delta", func(ctx context.Context, tx *storage.Tx) error {
			_, err := svc.ChangeBalance(ctx, tx, ChangeRequest{AccountID: account, AssetCode: "POINTS", IdempotencyKey: "k"})
			return err
		}},
		{"missing key", func(ctx context.Context, tx *storage.Tx) error {
			_, err := svc.Freeze(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: 1})
			return err
		}},
		{"missing asset", func(ctx context.Context, tx *storage.Tx) error {
			_, err := svc.Freeze(ctx, tx, Request{AccountID: account, Amount: 1, IdempotencyKey: "k"})
			return err
		}},
		{"missing account", func(ctx context.Context, tx *storage.Tx) error {
			_, err := svc.Freeze(ctx, tx, Request{AssetCode: "POINTS", Amount: 1, IdempotencyKey: "k"})
			return err
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.InTx(context.Background(), tc.call)
			if !ledgererr.Is(err, ledgererr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestNonNegativeUnderConcurrency(t *testing.T) {
	svc, store, _ := newTestService()
	account := uuid.New()
	credit(t, svc, store, account, "POINTS", 10, "seed")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
				_, err := svc.Freeze(ctx, tx, Request{AccountID: account, AssetCode: "POINTS", Amount: 3, IdempotencyKey: uuid.NewString()})
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 3 {
		t.Fatalf("expected 3 freezes to fit, got %d", succeeded)
	}
	bal := mustBalance(t, svc, account, "POINTS")
	if bal.Available != 1 || bal.Frozen != 9 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestGetOrCreateAccount(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.GetOrCreateAccount(ctx, "robot", "x"); !ledgererr.Is(err, ledgererr.KindValidation) {
		t.Fatalf("expected validation error for unknown kind")
	}
	a, err := svc.GetOrCreateAccount(ctx, storage.AccountKindUser, " user-1 ")
	if err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}
	b, err := svc.GetOrCreateAccount(ctx, storage.AccountKindUser, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateAccount: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("expected stable account id")
	}
}

func TestChangeBalanceRejectsOverflow(t *testing.T) {
	svc, store, obs := newTestService()
	account := uuid.New()
	credit(t, svc, store, account, "POINTS", math.MaxInt64, "max")

	change := func(delta int64, key string) error {
		return store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
			_, err := svc.ChangeBalance(ctx, tx, ChangeRequest{AccountID: account, AssetCode: "POINTS", Delta: delta, IdempotencyKey: key})
			return err
		})
	}

	if err := change(1, "past-available"); !ledgererr.Is(err, ledgererr.KindValidation) {
		t.Fatalf("expected validation for available overflow, got %v", err)
	}
	if err := change(-math.MaxInt64, "drain"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	// Available is zero again but total_earned is saturated.
	if err := change(1, "past-earned"); !ledgererr.Is(err, ledgererr.KindValidation) {
		t.Fatalf("expected validation for total_earned overflow, got %v", err)
	}

	bal := mustBalance(t, svc, account, "POINTS")
	if bal.Available != 0 || bal.TotalEarned != math.MaxInt64 || bal.TotalConsumed != math.MaxInt64 {
		t.Fatalf("rejected credits must not change the balance: %+v", bal)
	}
	if obs.calls["change/validation"] != 2 {
		t.Fatalf("expected two rejected changes, got %v", obs.calls)
	}
}

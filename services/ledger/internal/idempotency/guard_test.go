package idempotency

import (
	"context"
	"strings"
	"testing"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/ledgererr"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/google/uuid"
)

func TestFingerprintIsOrderIndependent(t *testing.T) {
	account := uuid.New()
	a := Fingerprint(Fields{"account": account, "asset": "POINTS", "amount": int64(10)})
	b := Fingerprint(Fields{"amount": int64(10), "asset": "POINTS", "account": account})
	if a != b {
		t.Fatalf("expected identical fingerprints")
	}
	c := Fingerprint(Fields{"account": account, "asset": "POINTS", "amount": int64(11)})
	if a == c {
		t.Fatalf("expected amount to change fingerprint")
	}
}

func TestFingerprintNilCounterpart(t *testing.T) {
	var none *uuid.UUID
	id := uuid.New()
	if Fingerprint(Fields{"counterpart": none}) == Fingerprint(Fields{"counterpart": &id}) {
		t.Fatalf("expected counterpart to change fingerprint")
	}
}

func TestDeriveKey(t *testing.T) {
	if got := DeriveKey(Root(ScopeOrder, "order-1"), "freeze_buyer"); got != "order/order-1:freeze_buyer" {
		t.Fatalf("unexpected derived key %s", got)
	}
	// A caller key shaped like another scope's root stays inside its own scope.
	if Root(ScopeOrder, "grant/evt-1") == Root(ScopeGrant, "evt-1") {
		t.Fatalf("scoped roots must not collide")
	}
}

func TestCheckOrInsert(t *testing.T) {
	store := storage.NewMemory(nil, nil)
	ctx := context.Background()
	first := uuid.New()

	cases := []struct {
		name        string
		scope       string
		key         string
		fingerprint string
		wantDup     bool
		wantKind    ledgererr.Kind
		wantErr     bool
	}{
		{name: "first use", scope: ScopeLedger, key: "k1", fingerprint: "fp1"},
		{name: "replay", scope: ScopeLedger, key: "k1", fingerprint: "fp1", wantDup: true},
		{name: "mismatch", scope: ScopeLedger, key: "k1", fingerprint: "fp2", wantErr: true, wantKind: ledgererr.KindConflict},
		{name: "same key in another scope", scope: ScopeOrder, key: "k1", fingerprint: "fp9"},
		{name: "empty key", scope: ScopeLedger, key: " ", fingerprint: "fp1", wantErr: true, wantKind: ledgererr.KindValidation},
		{name: "long key", scope: ScopeLedger, key: strings.Repeat("k", MaxKeyLength+1), fingerprint: "fp1", wantErr: true, wantKind: ledgererr.KindValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var res Result
			err := store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
				var err error
				res, err = CheckOrInsert(ctx, tx, tc.scope, tc.key, tc.fingerprint, first)
				return err
			})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if ledgererr.KindOf(err) != tc.wantKind {
					t.Fatalf("expected kind %s, got %s", tc.wantKind, ledgererr.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Duplicate != tc.wantDup {
				t.Fatalf("expected duplicate=%v, got %v", tc.wantDup, res.Duplicate)
			}
			if res.ResultID != first {
				t.Fatalf("expected result id %s, got %s", first, res.ResultID)
			}
		})
	}
}

func TestCheckOrInsertReleasedOnRollback(t *testing.T) {
	store := storage.NewMemory(nil, nil)
	ctx := context.Background()

	_ = store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if _, err := CheckOrInsert(ctx, tx, ScopeLedger, "k1", "fp1", uuid.New()); err != nil {
			return err
		}
		return ledgererr.InsufficientBalance("short")
	})

	err := store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		res, err := CheckOrInsert(ctx, tx, ScopeLedger, "k1", "fp2", uuid.New())
		if err != nil {
			return err
		}
		if res.Duplicate {
			t.Fatalf("expected rolled back key to be free")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected reuse after rollback, got %v", err)
	}
}

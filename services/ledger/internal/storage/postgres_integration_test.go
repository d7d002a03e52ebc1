package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AfshinJalili/rewardledger/libs/logging"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/balance"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/fee"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/ledgererr"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/listing"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/reconcile"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/settings"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/trade"
	"github.com/AfshinJalili/rewardledger/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type pgFixture struct {
	pool     *pgxpool.Pool
	store    *storage.PostgresStore
	balances *balance.Service
	listings *listing.Manager
	orch     *trade.Orchestrator
}

func setupPostgres(t *testing.T) *pgFixture {
	t.Helper()
	if !testutil.IntegrationEnabled() {
		t.Skip("set RUN_DB_INTEGRATION=1 to run Postgres tests")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Fatalf("setup db: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := testutil.CleanupTestData(context.Background(), pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	logger := logging.Discard()
	store := storage.NewPostgres(pool, logger, nil)
	cache := settings.NewCache(settings.Defaults(decimal.RequireFromString("0.05"), 0, []string{"POINTS", "DIAMONDS"}))
	balances := balance.New(store, logger, nil)
	listings := listing.NewManager(balances, cache, logger)
	orch := trade.NewOrchestrator(trade.Deps{
		Balances: balances,
		Listings: listings,
		Fees:     fee.NewCalculator(cache),
		Settings: cache,
		Logger:   logger,
	})
	return &pgFixture{pool: pool, store: store, balances: balances, listings: listings, orch: orch}
}

func (f *pgFixture) user(t *testing.T, ref string, points int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	account, err := f.balances.GetOrCreateAccount(ctx, storage.AccountKindUser, ref)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if points > 0 {
		err = f.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
			_, err := f.balances.ChangeBalance(ctx, tx, balance.ChangeRequest{
				AccountID:      account.ID,
				AssetCode:      "POINTS",
				Delta:          points,
				IdempotencyKey: "fund:" + ref,
				BusinessType:   "points_grant",
			})
			return err
		})
		if err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
	return account.ID
}

func (f *pgFixture) itemListing(t *testing.T, seller uuid.UUID, price int64) storage.Listing {
	t.Helper()
	itemID := uuid.New()
	var out storage.Listing
	err := f.store.InTx(context.Background(), func(ctx context.Context, tx *storage.Tx) error {
		if err := tx.UpsertItem(ctx, &storage.Item{
			ID: itemID, OwnerID: seller, ItemType: "voucher", Name: "latte", Status: storage.ItemStatusHeld,
		}); err != nil {
			return err
		}
		res, err := f.listings.Create(ctx, tx, listing.CreateRequest{
			IdempotencyKey: "listing:" + itemID.String(),
			SellerID:       seller,
			OfferKind:      storage.OfferKindItem,
			OfferItemID:    &itemID,
			PriceAmount:    price,
			PriceAssetCode: "POINTS",
		})
		if err != nil {
			return err
		}
		out = res.Listing
		return nil
	})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	return out
}

func TestPostgresTradeLifecycle(t *testing.T) {
	f := setupPostgres(t)
	ctx := context.Background()

	buyer := f.user(t, "pg-buyer", 1000)
	seller := f.user(t, "pg-seller", 0)
	l := f.itemListing(t, seller, 100)

	var created *trade.CreateResult
	err := f.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		created, err = f.orch.CreateOrder(ctx, tx, trade.CreateRequest{IdempotencyKey: "pg-order-1", ListingID: l.ID, BuyerID: buyer})
		return err
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	var completed *trade.CompleteResult
	err = f.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		completed, err = f.orch.CompleteOrder(ctx, tx, trade.CompleteRequest{OrderID: created.OrderID})
		return err
	})
	if err != nil {
		t.Fatalf("complete order: %v", err)
	}
	if completed.FeeAmount != 5 || completed.NetAmount != 95 {
		t.Fatalf("expected fee 5 net 95, got %d/%d", completed.FeeAmount, completed.NetAmount)
	}

	buyerBal, err := f.store.GetBalance(ctx, buyer, "POINTS")
	if err != nil {
		t.Fatalf("buyer balance: %v", err)
	}
	if buyerBal.Available != 900 || buyerBal.Frozen != 0 {
		t.Fatalf("unexpected buyer balance %+v", buyerBal)
	}
	sellerBal, err := f.store.GetBalance(ctx, seller, "POINTS")
	if err != nil {
		t.Fatalf("seller balance: %v", err)
	}
	if sellerBal.Available != 95 {
		t.Fatalf("expected seller available 95, got %d", sellerBal.Available)
	}

	report, err := reconcile.NewAuditor(f.store, nil, logging.Discard()).Run(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("expected clean audit, got %+v", report.Violations)
	}
}

func TestPostgresConcurrentOrdersOnOneListing(t *testing.T) {
	f := setupPostgres(t)
	ctx := context.Background()

	seller := f.user(t, "pg-seller-2", 0)
	l := f.itemListing(t, seller, 50)
	buyers := []uuid.UUID{f.user(t, "pg-buyer-a", 100), f.user(t, "pg-buyer-b", 100)}

	var wg sync.WaitGroup
	errs := make([]error, len(buyers))
	for i, buyer := range buyers {
		wg.Add(1)
		go func(i int, buyer uuid.UUID) {
			defer wg.Done()
			errs[i] = f.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
				_, err := f.orch.CreateOrder(ctx, tx, trade.CreateRequest{
					IdempotencyKey: "pg-race-" + buyer.String(),
					ListingID:      l.ID,
					BuyerID:        buyer,
				})
				return err
			})
		}(i, buyer)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case ledgererr.Is(err, ledgererr.KindInvalidState) || ledgererr.Is(err, ledgererr.KindConflict):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one winner, got won=%d lost=%d", won, lost)
	}
}

func TestPostgresEntryKeyIsUnique(t *testing.T) {
	f := setupPostgres(t)
	ctx := context.Background()
	account := f.user(t, "pg-dup", 10)

	err := f.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return tx.InsertEntry(ctx, &storage.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      account,
			AssetCode:      "POINTS",
			Delta:          1,
			Operation:      storage.OperationChange,
			IdempotencyKey: "fund:pg-dup",
		})
	})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestPostgresBalancesCannotGoNegative(t *testing.T) {
	f := setupPostgres(t)
	ctx := context.Background()
	account := f.user(t, "pg-negative", 10)

	_, err := f.pool.Exec(ctx, `UPDATE balances SET available_amount = -1 WHERE account_id = $1`, account)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23514" || pgErr.ConstraintName != "balances_non_negative" {
		t.Fatalf("expected balances_non_negative violation, got %v", err)
	}
}

func TestPostgresIdempotencyKeysArePerScope(t *testing.T) {
	f := setupPostgres(t)
	ctx := context.Background()

	err := f.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		for _, scope := range []string{"order", "listing"} {
			existing, err := tx.ClaimIdempotencyKey(ctx, storage.IdempotencyRecord{Key: "pg-shared", Scope: scope, Fingerprint: scope, ResultID: uuid.New()})
			if err != nil {
				return err
			}
			if existing != nil {
				t.Fatalf("scope %s: expected fresh claim, got %+v", scope, existing)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
}

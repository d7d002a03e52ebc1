package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/balance"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/config"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/listing"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/settings"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

const (
	demoBuyerRef  = "user-demo-buyer"
	demoSellerRef = "user-demo-seller"
)

var demoVoucherID = uuid.MustParse("00000000-0000-0000-0000-00000000c0fe")

type demoGrant struct {
	ref    string
	asset  string
	amount int64
}

var demoGrants = []demoGrant{
	{demoBuyerRef, "POINTS", 1000},
	{demoBuyerRef, "DIAMONDS", 50},
	{demoSellerRef, "POINTS", 500},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load demo accounts, balances, items and listings (dev and test only).",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireNonProd(cfg.App.Env); err != nil {
			return err
		}
		logger := newLogger(cfg)
		ctx := cmd.Context()

		pool, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Seeding database...")

		if err := seedSettings(ctx, pool, cfg); err != nil {
			return fmt.Errorf("seed settings: %w", err)
		}
		fmt.Fprintln(out, "✓ Settings seeded")

		store := storage.NewPostgres(pool, logger, nil)
		cache := settings.NewCache(settings.Defaults(cfg.Settings.DefaultFeeRate, cfg.Settings.MinFee, cfg.Settings.SettlementAssets))
		if err := cache.Load(ctx, store); err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		balances := balance.New(store, logger, nil)
		listings := listing.NewManager(balances, cache, logger)

		if err := seedBalances(ctx, store, balances); err != nil {
			return fmt.Errorf("seed balances: %w", err)
		}
		fmt.Fprintln(out, "✓ Accounts and balances seeded")

		if err := seedMarket(ctx, store, balances, listings); err != nil {
			return fmt.Errorf("seed market: %w", err)
		}
		fmt.Fprintln(out, "✓ Items and listings seeded")
		return nil
	},
}

// seedSettings writes defaults only where no row exists yet.
func seedSettings(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
	assets, err := json.Marshal(cfg.Settings.SettlementAssets)
	if err != nil {
		return err
	}
	rows := map[string]string{
		settings.KeyFeeRate:          fmt.Sprintf("%q", cfg.Settings.DefaultFeeRate.String()),
		settings.KeyMinFee:           fmt.Sprintf("%d", cfg.Settings.MinFee),
		settings.KeySettlementAssets: string(assets),
	}
	for key, value := range rows {
		_, err := pool.Exec(ctx, `
			INSERT INTO system_settings (key, value)
			VALUES ($1, $2::jsonb)
			ON CONFLICT (key) DO NOTHING
		`, key, value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func seedBalances(ctx context.Context, store storage.Store, balances *balance.Service) error {
	return store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if _, err := balances.GetOrCreateAccountTx(ctx, tx, storage.AccountKindSystem, storage.PlatformFeeRef); err != nil {
			return err
		}
		for _, g := range demoGrants {
			account, err := balances.GetOrCreateAccountTx(ctx, tx, storage.AccountKindUser, g.ref)
			if err != nil {
				return err
			}
			_, err = balances.ChangeBalance(ctx, tx, balance.ChangeRequest{
				AccountID:      account.ID,
				AssetCode:      g.asset,
				Delta:          g.amount,
				IdempotencyKey: fmt.Sprintf("seed:%s:%s", g.ref, g.asset),
				BusinessType:   "seed",
			})
			if err != nil {
				return fmt.Errorf("%s %s: %w", g.ref, g.asset, err)
			}
		}
		return nil
	})
}

func seedMarket(ctx context.Context, store storage.Store, balances *balance.Service, listings *listing.Manager) error {
	return store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		seller, err := balances.GetOrCreateAccountTx(ctx, tx, storage.AccountKindUser, demoSellerRef)
		if err != nil {
			return err
		}

		_, err = tx.LockItem(ctx, demoVoucherID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			voucher := &storage.Item{
				ID:       demoVoucherID,
				OwnerID:  seller.ID,
				ItemType: "voucher",
				Name:     "Free Coffee Voucher",
				Status:   storage.ItemStatusHeld,
			}
			if err := tx.UpsertItem(ctx, voucher); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		requests := []listing.CreateRequest{
			{
				IdempotencyKey: "seed:listing:voucher",
				SellerID:       seller.ID,
				OfferKind:      storage.OfferKindItem,
				OfferItemID:    &demoVoucherID,
				PriceAmount:    200,
				PriceAssetCode: "POINTS",
			},
			{
				IdempotencyKey: "seed:listing:points",
				SellerID:       seller.ID,
				OfferKind:      storage.OfferKindAsset,
				OfferAssetCode: "POINTS",
				OfferAmount:    100,
				PriceAmount:    5,
				PriceAssetCode: "DIAMONDS",
			},
		}
		for _, req := range requests {
			if _, err := listings.Create(ctx, tx, req); err != nil {
				return fmt.Errorf("%s: %w", req.IdempotencyKey, err)
			}
		}
		return nil
	})
}

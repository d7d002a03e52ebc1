// Package service is the transaction boundary of the ledger. Every public
// method opens exactly one transaction and hands it to the domain packages,
// which never open or commit one themselves.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/balance"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/idempotency"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/ledgererr"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/listing"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/rate"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/trade"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	BusinessTypeAdminAdjust = "admin_adjust"
	BusinessTypePointsGrant = "points_grant"
)

// ErrRateLimited is returned when a buyer creates orders too quickly.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// BalanceCache is a read-through cache. Set must only write when no
// Invalidate for the account happened since Generation returned gen.
type BalanceCache interface {
	Get(ctx context.Context, accountID uuid.UUID, asset string) (*storage.Balance, bool, error)
	Generation(ctx context.Context, accountID uuid.UUID) (int64, error)
	Set(ctx context.Context, b storage.Balance, gen int64) (bool, error)
	Invalidate(ctx context.Context, accountID uuid.UUID, assets ...string) error
}

type Deps struct {
	Store    storage.Store
	Balances *balance.Service
	Listings *listing.Manager
	Orders   *trade.Orchestrator
	Cache    BalanceCache
	Limiter  rate.Limiter
	Metrics  *Metrics
	Logger   *slog.Logger
}

type LedgerService struct {
	store    storage.Store
	balances *balance.Service
	listings *listing.Manager
	orders   *trade.Orchestrator
	cache    BalanceCache
	limiter  rate.Limiter
	metrics  *Metrics
	logger   *slog.Logger
}

func NewLedgerService(deps Deps) *LedgerService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = rate.Noop{}
	}
	return &LedgerService{
		store:    deps.Store,
		balances: deps.Balances,
		listings: deps.Listings,
		orders:   deps.Orders,
		cache:    deps.Cache,
		limiter:  limiter,
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

// AccountForUser resolves the ledger account of an authenticated user.
func (s *LedgerService) AccountForUser(ctx context.Context, userRef string) (*storage.Account, error) {
	return s.balances.GetOrCreateAccount(ctx, storage.AccountKindUser, userRef)
}

func (s *LedgerService) CreateOrder(ctx context.Context, req trade.CreateRequest) (*trade.CreateResult, error) {
	if req.BuyerID != uuid.Nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, "order:"+req.BuyerID.String(), time.Now())
		if err != nil {
			// Limiter outages must not block purchases.
			s.logger.Warn("rate limiter unavailable", "error", err)
		} else if !allowed {
			s.metrics.IncRateLimited()
			return nil, &ErrRateLimited{RetryAfter: retryAfter}
		}
	}

	var res *trade.CreateResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		res, err = s.orders.CreateOrder(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *LedgerService) CompleteOrder(ctx context.Context, orderID uuid.UUID) (*trade.CompleteResult, error) {
	var res *trade.CompleteResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		res, err = s.orders.CompleteOrder(ctx, tx, trade.CompleteRequest{OrderID: orderID})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelOrder cancels orderID. A non-nil buyerID restricts cancellation to
// that buyer; internal callers pass nil.
func (s *LedgerService) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string, buyerID *uuid.UUID) (*trade.CancelResult, error) {
	if buyerID != nil {
		if _, err := s.GetOrder(ctx, orderID, buyerID); err != nil {
			return nil, err
		}
	}
	var res *trade.CancelResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		res, err = s.orders.CancelOrder(ctx, tx, trade.CancelRequest{OrderID: orderID, Reason: reason})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetOrder returns an order. A non-nil viewer must be its buyer or seller;
// other viewers see NotFound so order ids cannot be enumerated.
func (s *LedgerService) GetOrder(ctx context.Context, orderID uuid.UUID, viewer *uuid.UUID) (*storage.TradeOrder, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ledgererr.NotFound("trade order not found").WithDetail("order_id", orderID.String())
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	if viewer != nil && *viewer != order.BuyerID && *viewer != order.SellerID {
		return nil, ledgererr.NotFound("trade order not found").WithDetail("order_id", orderID.String())
	}
	return order, nil
}

// GetBalance reads through the cache when one is configured.
func (s *LedgerService) GetBalance(ctx context.Context, accountID uuid.UUID, asset string) (*storage.Balance, error) {
	asset = balance.NormalizeAsset(asset)
	var (
		gen       int64
		cacheable bool
	)
	if s.cache != nil && asset != "" {
		cached, ok, err := s.cache.Get(ctx, accountID, asset)
		switch {
		case err != nil:
			s.logger.Warn("balance cache read failed", "error", err)
		case ok:
			s.metrics.ObserveCache("hit")
			return cached, nil
		default:
			s.metrics.ObserveCache("miss")
		}
		if gen, err = s.cache.Generation(ctx, accountID); err != nil {
			s.logger.Warn("balance cache generation failed", "error", err)
		} else {
			cacheable = true
		}
	}

	b, err := s.balances.GetBalance(ctx, accountID, asset)
	if err != nil {
		return nil, err
	}
	if cacheable {
		written, err := s.cache.Set(ctx, *b, gen)
		switch {
		case err != nil:
			s.logger.Warn("balance cache write failed", "error", err)
		case !written:
			s.metrics.ObserveCache("stale")
		}
	}
	return b, nil
}

func (s *LedgerService) ListBalances(ctx context.Context, accountID uuid.UUID) ([]storage.Balance, error) {
	balances, err := s.store.ListBalances(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return balances, nil
}

func (s *LedgerService) ListEntries(ctx context.Context, filter storage.EntryFilter) ([]storage.LedgerEntry, error) {
	if filter.AccountID == uuid.Nil {
		return nil, ledgererr.Validation("account_id is required")
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	filter.AssetCode = balance.NormalizeAsset(filter.AssetCode)
	entries, err := s.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

func (s *LedgerService) CreateListing(ctx context.Context, req listing.CreateRequest) (*listing.CreateResult, error) {
	var res *listing.CreateResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		res, err = s.listings.Create(ctx, tx, req)
		if err == nil && req.OfferKind == storage.OfferKindAsset {
			s.invalidateAfterCommit(tx, req.SellerID, req.OfferAssetCode)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *LedgerService) WithdrawListing(ctx context.Context, listingID, sellerID uuid.UUID) (*storage.Listing, error) {
	var res *storage.Listing
	err := s.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		var err error
		res, err = s.listings.Withdraw(ctx, tx, listingID, sellerID)
		if err == nil && res.OfferKind == storage.OfferKindAsset {
			s.invalidateAfterCommit(tx, sellerID, res.OfferAssetCode)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *LedgerService) ListListings(ctx context.Context, filter storage.ListingFilter) ([]storage.Listing, error) {
	listings, err := s.store.ListListings(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return listings, nil
}

type AdjustRequest struct {
	AccountID      uuid.UUID
	AssetCode      string
	Delta          int64
	IdempotencyKey string
	Reason         string
	Operator       string
}

// AdjustBalance applies an operator correction. Debits cannot overdraw.
func (s *LedgerService) AdjustBalance(ctx context.Context, req AdjustRequest) (*balance.Result, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, ledgererr.Validation("reason is required")
	}
	if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	var res *balance.Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		if _, err := tx.GetAccount(ctx, req.AccountID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ledgererr.NotFound("account not found").WithDetail("account_id", req.AccountID.String())
			}
			return err
		}
		var err error
		res, err = s.balances.ChangeBalance(ctx, tx, balance.ChangeRequest{
			AccountID:      req.AccountID,
			AssetCode:      req.AssetCode,
			Delta:          req.Delta,
			IdempotencyKey: idempotency.Root(idempotency.ScopeAdjust, strings.TrimSpace(req.IdempotencyKey)),
			BusinessType:   BusinessTypeAdminAdjust,
			Meta: lo.OmitByValues(map[string]any{
				"reason":   req.Reason,
				"operator": req.Operator,
			}, []any{""}),
		})
		if err == nil && !res.Duplicate {
			s.invalidateAfterCommit(tx, req.AccountID, res.Entry.AssetCode)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("balance adjusted", "account_id", req.AccountID, "asset", res.Entry.AssetCode, "delta", req.Delta, "duplicate", res.Duplicate)
	return res, nil
}

type GrantRequest struct {
	EventID   string
	UserRef   string
	AssetCode string
	Amount    int64
	Source    string
	Reason    string
}

// GrantPoints credits a user from an upstream event, keyed by the event id
// so redelivered events are applied once.
func (s *LedgerService) GrantPoints(ctx context.Context, req GrantRequest) (*balance.Result, error) {
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		return nil, ledgererr.Validation("event_id is required")
	}
	if req.Amount <= 0 {
		return nil, ledgererr.Validation("amount must be positive")
	}
	var res *balance.Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx *storage.Tx) error {
		account, err := s.balances.GetOrCreateAccountTx(ctx, tx, storage.AccountKindUser, req.UserRef)
		if err != nil {
			return err
		}
		res, err = s.balances.ChangeBalance(ctx, tx, balance.ChangeRequest{
			AccountID:      account.ID,
			AssetCode:      req.AssetCode,
			Delta:          req.Amount,
			IdempotencyKey: idempotency.Root(idempotency.ScopeGrant, eventID),
			BusinessType:   BusinessTypePointsGrant,
			Meta: map[string]any{
				"source": req.Source,
				"reason": req.Reason,
			},
		})
		if err == nil && !res.Duplicate {
			s.invalidateAfterCommit(tx, account.ID, res.Entry.AssetCode)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *LedgerService) invalidateAfterCommit(tx *storage.Tx, accountID uuid.UUID, assets ...string) {
	if s.cache == nil {
		return
	}
	assets = lo.Map(assets, func(a string, _ int) string { return balance.NormalizeAsset(a) })
	tx.AfterCommit(func(ctx context.Context) error {
		return s.cache.Invalidate(ctx, accountID, assets...)
	})
}

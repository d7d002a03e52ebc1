// Package listing owns the marketplace listing lifecycle and its exclusive
// lock: on_sale -> locked (bound to one order) -> sold, or back to on_sale.
package listing

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
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/settings"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/google/uuid"
)

const (
	BusinessTypeListingFreeze   = "listing_freeze_seller"
	BusinessTypeListingUnfreeze = "listing_unfreeze_seller"
)

type SettingsProvider interface {
	Snapshot() settings.Snapshot
}

type Manager struct {
	balances *balance.Service
	settings SettingsProvider
	logger   *slog.Logger
}

func NewManager(balances *balance.Service, settings SettingsProvider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{balances: balances, settings: settings, logger: logger}
}

// LockRow takes the listing row lock without checking its state.
func (m *Manager) LockRow(ctx context.Context, tx *storage.Tx, listingID uuid.UUID) (*storage.Listing, error) {
	if listingID == uuid.Nil {
		return nil, ledgererr.Validation("listing_id is required")
	}
	l, err := tx.LockListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ledgererr.NotFound("listing not found").WithDetail("listing_id", listingID.String())
		}
		return nil, fmt.Errorf("lock listing: %w", err)
	}
	return l, nil
}

// EnsureOnSale fails fast when another order already claimed l.
func (m *Manager) EnsureOnSale(l *storage.Listing) error {
	if l.Status != storage.ListingStatusOnSale {
		return stateAbnormal(l)
	}
	return nil
}

// Acquire moves a row-locked listing from on_sale to locked. The owning
// order is attached later with Bind once it exists.
func (m *Manager) Acquire(ctx context.Context, tx *storage.Tx, l *storage.Listing) error {
	if err := m.EnsureOnSale(l); err != nil {
		return err
	}
	now := time.Now().UTC()
	l.Status = storage.ListingStatusLocked
	l.LockedAt = &now
	l.LockedByOrderID = nil
	return tx.UpdateListing(ctx, l)
}

func (m *Manager) Bind(ctx context.Context, tx *storage.Tx, l *storage.Listing, orderID uuid.UUID) error {
	if l.Status != storage.ListingStatusLocked {
		return stateAbnormal(l)
	}
	if l.LockedByOrderID != nil && *l.LockedByOrderID != orderID {
		return ownerMismatch(l, orderID)
	}
	id := orderID
	l.LockedByOrderID = &id
	return tx.UpdateListing(ctx, l)
}

// VerifyOwner reports an invariant violation unless orderID holds the lock.
func (m *Manager) VerifyOwner(l *storage.Listing, orderID uuid.UUID) error {
	if l.Status != storage.ListingStatusLocked || l.LockedByOrderID == nil || *l.LockedByOrderID != orderID {
		return ownerMismatch(l, orderID)
	}
	return nil
}

// Release returns a listing locked by orderID to on_sale.
func (m *Manager) Release(ctx context.Context, tx *storage.Tx, l *storage.Listing, orderID uuid.UUID) error {
	if err := m.VerifyOwner(l, orderID); err != nil {
		return err
	}
	l.Status = storage.ListingStatusOnSale
	l.LockedByOrderID = nil
	l.LockedAt = nil
	return tx.UpdateListing(ctx, l)
}

func (m *Manager) MarkSold(ctx context.Context, tx *storage.Tx, l *storage.Listing, orderID uuid.UUID) error {
	if err := m.VerifyOwner(l, orderID); err != nil {
		return err
	}
	l.Status = storage.ListingStatusSold
	l.LockedByOrderID = nil
	l.LockedAt = nil
	return tx.UpdateListing(ctx, l)
}

// TransferItem hands a sold item listing's item to buyerID.
func (m *Manager) TransferItem(ctx context.Context, tx *storage.Tx, l *storage.Listing, buyerID uuid.UUID) error {
	if l.OfferKind != storage.OfferKindItem || l.OfferItemID == nil {
		return ledgererr.InvariantViolation("listing has no item offer").WithDetail("listing_id", l.ID.String())
	}
	it, err := tx.LockItem(ctx, *l.OfferItemID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ledgererr.InvariantViolation("listed item missing").WithDetail("item_id", l.OfferItemID.String())
		}
		return fmt.Errorf("lock item: %w", err)
	}
	if it.OwnerID != l.SellerID {
		return ledgererr.InvariantViolation("listed item not owned by seller").WithDetail("item_id", it.ID.String())
	}
	it.OwnerID = buyerID
	it.Status = storage.ItemStatusHeld
	return tx.UpsertItem(ctx, it)
}

type CreateRequest struct {
	IdempotencyKey string
	SellerID       uuid.UUID
	OfferKind      storage.OfferKind
	OfferItemID    *uuid.UUID
	OfferAssetCode string
	OfferAmount    int64
	PriceAmount    int64
	PriceAssetCode string
}

type CreateResult struct {
	Listing   storage.Listing
	Duplicate bool
}

// Create publishes a listing. Item offers mark the item listed; asset offers
// freeze the seller's offered amount until the listing sells or is withdrawn.
func (m *Manager) Create(ctx context.Context, tx *storage.Tx, req CreateRequest) (*CreateResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.OfferAssetCode = balance.NormalizeAsset(req.OfferAssetCode)
	req.PriceAssetCode = balance.NormalizeAsset(req.PriceAssetCode)
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	if !m.settings.Snapshot().IsSettlementAsset(req.PriceAssetCode) {
		return nil, ledgererr.Validation("price asset is not a settlement asset").
			WithCode(ledgererr.CodeInvalidAssetCode).
			WithDetail("asset_code", req.PriceAssetCode)
	}

	listingID := uuid.New()
	fingerprint := idempotency.Fingerprint(idempotency.Fields{
		"seller":      req.SellerID,
		"offer_kind":  string(req.OfferKind),
		"offer_item":  req.OfferItemID,
		"offer_asset": req.OfferAssetCode,
		"offer_amt":   req.OfferAmount,
		"price":       req.PriceAmount,
		"price_asset": req.PriceAssetCode,
	})
	guard, err := idempotency.CheckOrInsert(ctx, tx, idempotency.ScopeListing, req.IdempotencyKey, fingerprint, listingID)
	if err != nil {
		return nil, err
	}
	if guard.Duplicate {
		l, err := tx.LockListing(ctx, guard.ResultID)
		if err != nil {
			return nil, fmt.Errorf("load replayed listing: %w", err)
		}
		return &CreateResult{Listing: *l, Duplicate: true}, nil
	}

	l := storage.Listing{
		ID:             listingID,
		SellerID:       req.SellerID,
		Status:         storage.ListingStatusOnSale,
		OfferKind:      req.OfferKind,
		OfferItemID:    req.OfferItemID,
		OfferAssetCode: req.OfferAssetCode,
		OfferAmount:    req.OfferAmount,
		PriceAmount:    req.PriceAmount,
		PriceAssetCode: req.PriceAssetCode,
		IdempotencyKey: req.IdempotencyKey,
	}

	switch req.OfferKind {
	case storage.OfferKindItem:
		it, err := tx.LockItem(ctx, *req.OfferItemID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ledgererr.NotFound("item not found").WithDetail("item_id", req.OfferItemID.String())
			}
			return nil, fmt.Errorf("lock item: %w", err)
		}
		if it.OwnerID != req.SellerID {
			return nil, ledgererr.Validation("item is not owned by seller")
		}
		if it.Status != storage.ItemStatusHeld {
			return nil, ledgererr.InvalidState("item is already listed")
		}
		it.Status = storage.ItemStatusListed
		if err := tx.UpsertItem(ctx, it); err != nil {
			return nil, fmt.Errorf("mark item listed: %w", err)
		}
	case storage.OfferKindAsset:
		if _, err := m.balances.Freeze(ctx, tx, balance.Request{
			AccountID:      req.SellerID,
			AssetCode:      req.OfferAssetCode,
			Amount:         req.OfferAmount,
			IdempotencyKey: offerKey(req.IdempotencyKey, "freeze_seller"),
			BusinessType:   BusinessTypeListingFreeze,
			Meta:           map[string]any{"listing_id": listingID.String()},
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.InsertListing(ctx, &l); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, ledgererr.Conflict("listing already exists").WithDetail("idempotency_key", req.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert listing: %w", err)
	}
	return &CreateResult{Listing: l}, nil
}

// Withdraw takes an on_sale listing off the market and returns its offer.
func (m *Manager) Withdraw(ctx context.Context, tx *storage.Tx, listingID, sellerID uuid.UUID) (*storage.Listing, error) {
	l, err := m.LockRow(ctx, tx, listingID)
	if err != nil {
		return nil, err
	}
	if l.SellerID != sellerID {
		return nil, ledgererr.NotFound("listing not found").WithDetail("listing_id", listingID.String())
	}
	if l.Status == storage.ListingStatusWithdrawn {
		return l, nil
	}
	if err := m.EnsureOnSale(l); err != nil {
		return nil, err
	}

	switch l.OfferKind {
	case storage.OfferKindItem:
		it, err := tx.LockItem(ctx, *l.OfferItemID)
		if err != nil {
			return nil, fmt.Errorf("lock item: %w", err)
		}
		it.Status = storage.ItemStatusHeld
		if err := tx.UpsertItem(ctx, it); err != nil {
			return nil, fmt.Errorf("release item: %w", err)
		}
	case storage.OfferKindAsset:
		if _, err := m.balances.Unfreeze(ctx, tx, balance.Request{
			AccountID:      l.SellerID,
			AssetCode:      l.OfferAssetCode,
			Amount:         l.OfferAmount,
			IdempotencyKey: offerKey(l.IdempotencyKey, "unfreeze_seller"),
			BusinessType:   BusinessTypeListingUnfreeze,
			Meta:           map[string]any{"listing_id": l.ID.String()},
		}); err != nil {
			return nil, err
		}
	}

	l.Status = storage.ListingStatusWithdrawn
	l.LockedByOrderID = nil
	l.LockedAt = nil
	if err := tx.UpdateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("withdraw listing: %w", err)
	}
	return l, nil
}

func validateCreate(req CreateRequest) error {
	if req.SellerID == uuid.Nil {
		return ledgererr.Validation("seller_id is required")
	}
	if req.PriceAmount <= 0 {
		return ledgererr.Validation("price_amount must be positive")
	}
	if req.PriceAssetCode == "" {
		return ledgererr.Validation("price_asset_code is required")
	}
	switch req.OfferKind {
	case storage.OfferKindItem:
		if req.OfferItemID == nil || *req.OfferItemID == uuid.Nil {
			return ledgererr.Validation("offer_item_id is required for item listings")
		}
	case storage.OfferKindAsset:
		if req.OfferAssetCode == "" || req.OfferAmount <= 0 {
			return ledgererr.Validation("offer asset and positive amount are required for asset listings")
		}
	default:
		return ledgererr.Validation("unknown offer kind %q", req.OfferKind)
	}
	return idempotency.ValidateKey(req.IdempotencyKey)
}

// offerKey names a seller offer movement under the listing scope.
func offerKey(root, step string) string {
	return idempotency.DeriveKey(idempotency.Root(idempotency.ScopeListing, root), step)
}

func stateAbnormal(l *storage.Listing) error {
	return ledgererr.InvalidState("listing state abnormal").
		WithDetail("listing_id", l.ID.String()).
		WithDetail("status", string(l.Status))
}

func ownerMismatch(l *storage.Listing, orderID uuid.UUID) error {
	return ledgererr.InvariantViolation("listing lock not held by order").
		WithDetail("listing_id", l.ID.String()).
		WithDetail("order_id", orderID.String())
}

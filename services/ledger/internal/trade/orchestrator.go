// Package trade sequences balance movements, listing locks and ownership
// transfer into the purchase lifecycle:
//
//	created -> frozen -> completed | cancelled
//
// Every step runs inside the caller's transaction. A failure anywhere rolls
// the whole step back, so an order is never observed half settled.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/balance"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/fee"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/idempotency"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/ledgererr"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/listing"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/settings"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	BusinessTypeFreezeBuyer        = "order_freeze_buyer"
	BusinessTypeSettleBuyer        = "order_settle_buyer"
	BusinessTypeSettleSellerCredit = "order_settle_seller_credit"
	BusinessTypeSettleFeeCredit    = "order_settle_fee_credit"
	BusinessTypeUnfreezeBuyer      = "order_unfreeze_buyer"
	BusinessTypeSettleSellerOffer  = "order_settle_seller_offer"
	BusinessTypeCreditBuyerOffer   = "order_credit_buyer_offer"
)

// Child key steps derived from an order's root idempotency key.
const (
	StepFreezeBuyer        = "freeze_buyer"
	StepSettleBuyer        = "settle_buyer"
	StepSettleSellerCredit = "settle_seller_credit"
	StepSettleFeeCredit    = "settle_fee_credit"
	StepUnfreezeBuyer      = "unfreeze_buyer"
	StepSettleSellerOffer  = "settle_seller_offer"
	StepCreditBuyerOffer   = "credit_buyer_offer"
)

// businessNamespace scopes deterministic business ids derived from order keys.
var businessNamespace = uuid.MustParse("4f1c2a8e-6a53-4c0e-9a1d-3b7e5d2f9c61")

type FeeCalculator interface {
	Calculate(gross int64, asset string) (fee.Quote, error)
}

type SettingsProvider interface {
	Snapshot() settings.Snapshot
}

// Notifier publishes order state changes once they are committed.
type Notifier interface {
	OrderChanged(ctx context.Context, order storage.TradeOrder) error
}

type BalanceInvalidator interface {
	Invalidate(ctx context.Context, accountID uuid.UUID, assets ...string) error
}

type Observer interface {
	ObserveOrder(operation, status string)
}

type Deps struct {
	Balances    *balance.Service
	Listings    *listing.Manager
	Fees        FeeCalculator
	Settings    SettingsProvider
	Notifier    Notifier
	Invalidator BalanceInvalidator
	Observer    Observer
	Logger      *slog.Logger
}

type Orchestrator struct {
	balances    *balance.Service
	listings    *listing.Manager
	fees        FeeCalculator
	settings    SettingsProvider
	notifier    Notifier
	invalidator BalanceInvalidator
	observer    Observer
	logger      *slog.Logger
	tracer      oteltrace.Tracer
}

func NewOrchestrator(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		balances:    deps.Balances,
		listings:    deps.Listings,
		fees:        deps.Fees,
		settings:    deps.Settings,
		notifier:    deps.Notifier,
		invalidator: deps.Invalidator,
		observer:    deps.Observer,
		logger:      logger,
		tracer:      otel.Tracer("ledger/trade"),
	}
}

type CreateRequest struct {
	IdempotencyKey string
	ListingID      uuid.UUID
	BuyerID        uuid.UUID
	Meta           map[string]any
}

type CreateResult struct {
	OrderID   uuid.UUID
	Duplicate bool
	Order     storage.TradeOrder
}

type CompleteRequest struct {
	OrderID uuid.UUID
}

type CompleteResult struct {
	Order     storage.TradeOrder
	FeeAmount int64
	NetAmount int64
	Replayed  bool
}

type CancelRequest struct {
	OrderID uuid.UUID
	Reason  string
}

// CancelResult carries the buyer unfreeze entry, nil when nothing was frozen.
type CancelResult struct {
	Order    storage.TradeOrder
	Unfreeze *storage.LedgerEntry
	Replayed bool
}

func (o *Orchestrator) CreateOrder(ctx context.Context, tx *storage.Tx, req CreateRequest) (*CreateResult, error) {
	ctx, span := o.tracer.Start(ctx, "trade.CreateOrder", oteltrace.WithAttributes(
		attribute.String("listing_id", req.ListingID.String()),
	))
	defer span.End()

	res, err := o.createOrder(ctx, tx, req)
	status := "ok"
	if err == nil && res.Duplicate {
		status = "duplicate"
	}
	o.finish(span, "create", status, err)
	return res, err
}

func (o *Orchestrator) CompleteOrder(ctx context.Context, tx *storage.Tx, req CompleteRequest) (*CompleteResult, error) {
	ctx, span := o.tracer.Start(ctx, "trade.CompleteOrder", oteltrace.WithAttributes(
		attribute.String("order_id", req.OrderID.String()),
	))
	defer span.End()

	res, err := o.completeOrder(ctx, tx, req)
	status := "ok"
	if err == nil && res.Replayed {
		status = "replayed"
	}
	o.finish(span, "complete", status, err)
	return res, err
}

func (o *Orchestrator) CancelOrder(ctx context.Context, tx *storage.Tx, req CancelRequest) (*CancelResult, error) {
	ctx, span := o.tracer.Start(ctx, "trade.CancelOrder", oteltrace.WithAttributes(
		attribute.String("order_id", req.OrderID.String()),
	))
	defer span.End()

	res, err := o.cancelOrder(ctx, tx, req)
	status := "ok"
	if err == nil && res.Replayed {
		status = "replayed"
	}
	o.finish(span, "cancel", status, err)
	return res, err
}

func (o *Orchestrator) createOrder(ctx context.Context, tx *storage.Tx, req CreateRequest) (*CreateResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if req.ListingID == uuid.Nil {
		return nil, ledgererr.Validation("listing_id is required")
	}
	if req.BuyerID == uuid.Nil {
		return nil, ledgererr.Validation("buyer_id is required")
	}
	snap := o.settings.Snapshot()

	// A reused key is judged against its first order before the listing is
	// read, so naming another (even unknown) listing reports Conflict.
	prior, err := idempotency.Lookup(ctx, tx, idempotency.ScopeOrder, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		first, err := tx.GetOrder(ctx, prior.ResultID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load first order: %w", err)
		}
		if first != nil && (first.ListingID != req.ListingID || first.BuyerID != req.BuyerID) {
			return nil, idempotency.Conflict(req.IdempotencyKey)
		}
	}

	l, err := o.listings.LockRow(ctx, tx, req.ListingID)
	if err != nil {
		return nil, err
	}

	orderID := uuid.New()
	fingerprint := idempotency.Fingerprint(idempotency.Fields{
		"listing": req.ListingID,
		"buyer":   req.BuyerID,
		"amount":  l.PriceAmount,
		"asset":   l.PriceAssetCode,
	})
	guard, err := idempotency.CheckOrInsert(ctx, tx, idempotency.ScopeOrder, req.IdempotencyKey, fingerprint, orderID)
	if err != nil {
		return nil, err
	}
	if guard.Duplicate {
		order, err := tx.GetOrder(ctx, guard.ResultID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ledgererr.InvariantViolation("idempotency record points at missing order").
					WithDetail("order_id", guard.ResultID.String())
			}
			return nil, fmt.Errorf("load replayed order: %w", err)
		}
		if err := checkIntegrity(snap, order); err != nil {
			return nil, err
		}
		return &CreateResult{OrderID: order.ID, Duplicate: true, Order: *order}, nil
	}

	if err := o.listings.EnsureOnSale(l); err != nil {
		return nil, err
	}
	if l.SellerID == req.BuyerID {
		return nil, ledgererr.Validation("buyer cannot purchase own listing").WithCode(ledgererr.CodeSelfPurchase)
	}
	asset := balance.NormalizeAsset(l.PriceAssetCode)
	if !snap.IsSettlementAsset(asset) {
		return nil, ledgererr.Validation("listing price asset is not a settlement asset").
			WithCode(ledgererr.CodeInvalidAssetCode).
			WithDetail("asset_code", asset)
	}
	quote, err := o.fees.Calculate(l.PriceAmount, asset)
	if err != nil {
		return nil, ledgererr.Internal(err, "fee calculation failed")
	}
	if err := reconcile(quote.Gross, quote.Fee, quote.Net); err != nil {
		return nil, err
	}

	if err := o.listings.Acquire(ctx, tx, l); err != nil {
		return nil, err
	}

	meta := cloneMeta(req.Meta)
	meta["fee_rate"] = quote.Rate.String()
	order := storage.TradeOrder{
		ID:             orderID,
		BusinessID:     uuid.NewSHA1(businessNamespace, []byte(req.IdempotencyKey)),
		IdempotencyKey: req.IdempotencyKey,
		Fingerprint:    fingerprint,
		ListingID:      l.ID,
		BuyerID:        req.BuyerID,
		SellerID:       l.SellerID,
		AssetCode:      asset,
		GrossAmount:    quote.Gross,
		FeeAmount:      quote.Fee,
		NetAmount:      quote.Net,
		Status:         storage.OrderStatusCreated,
		Meta:           meta,
	}
	if err := tx.InsertOrder(ctx, &order); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, ledgererr.Conflict("trade order already exists").WithDetail("idempotency_key", req.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if err := o.listings.Bind(ctx, tx, l, order.ID); err != nil {
		return nil, err
	}

	seller := order.SellerID
	if _, err := o.balances.Freeze(ctx, tx, balance.Request{
		AccountID:      order.BuyerID,
		AssetCode:      asset,
		Amount:         order.GrossAmount,
		IdempotencyKey: idempotency.DeriveKey(orderRoot(order), StepFreezeBuyer),
		BusinessType:   BusinessTypeFreezeBuyer,
		CounterpartID:  &seller,
		Meta:           orderRef(order),
	}); err != nil {
		return nil, err
	}

	order.Status = storage.OrderStatusFrozen
	if err := tx.UpdateOrder(ctx, &order); err != nil {
		return nil, fmt.Errorf("mark order frozen: %w", err)
	}

	o.afterCommit(tx, order, touched{order.BuyerID, []string{asset}})
	o.logger.Info("trade order created", "order_id", order.ID, "listing_id", l.ID, "gross", order.GrossAmount)
	return &CreateResult{OrderID: order.ID, Order: order}, nil
}

func (o *Orchestrator) completeOrder(ctx context.Context, tx *storage.Tx, req CompleteRequest) (*CompleteResult, error) {
	order, err := o.lockOrder(ctx, tx, req.OrderID)
	if err != nil {
		return nil, err
	}
	snap := o.settings.Snapshot()

	if order.Status == storage.OrderStatusCompleted {
		if err := checkIntegrity(snap, order); err != nil {
			return nil, err
		}
		return &CompleteResult{Order: *order, FeeAmount: order.FeeAmount, NetAmount: order.NetAmount, Replayed: true}, nil
	}
	if order.Status != storage.OrderStatusFrozen {
		return nil, ledgererr.InvalidState("order cannot be completed from status %s", order.Status).
			WithDetail("order_id", order.ID.String())
	}
	if err := checkIntegrity(snap, order); err != nil {
		return nil, err
	}

	l, err := o.listings.LockRow(ctx, tx, order.ListingID)
	if err != nil {
		return nil, err
	}
	if err := o.listings.VerifyOwner(l, order.ID); err != nil {
		return nil, err
	}

	root := orderRoot(*order)
	buyer, seller := order.BuyerID, order.SellerID
	ref := orderRef(*order)

	if _, err := o.balances.SettleFromFrozen(ctx, tx, balance.Request{
		AccountID:      buyer,
		AssetCode:      order.AssetCode,
		Amount:         order.GrossAmount,
		IdempotencyKey: idempotency.DeriveKey(root, StepSettleBuyer),
		BusinessType:   BusinessTypeSettleBuyer,
		CounterpartID:  &seller,
		Meta:           ref,
	}); err != nil {
		return nil, err
	}
	if order.NetAmount > 0 {
		if _, err := o.balances.ChangeBalance(ctx, tx, balance.ChangeRequest{
			AccountID:      seller,
			AssetCode:      order.AssetCode,
			Delta:          order.NetAmount,
			IdempotencyKey: idempotency.DeriveKey(root, StepSettleSellerCredit),
			BusinessType:   BusinessTypeSettleSellerCredit,
			CounterpartID:  &buyer,
			Meta:           ref,
		}); err != nil {
			return nil, err
		}
	}

	touchedAccounts := []touched{
		{buyer, []string{order.AssetCode}},
		{seller, []string{order.AssetCode}},
	}
	if order.FeeAmount > 0 {
		feeAccount, err := o.balances.GetOrCreateAccountTx(ctx, tx, storage.AccountKindSystem, storage.PlatformFeeRef)
		if err != nil {
			return nil, fmt.Errorf("resolve fee account: %w", err)
		}
		if _, err := o.balances.ChangeBalance(ctx, tx, balance.ChangeRequest{
			AccountID:      feeAccount.ID,
			AssetCode:      order.AssetCode,
			Delta:          order.FeeAmount,
			IdempotencyKey: idempotency.DeriveKey(root, StepSettleFeeCredit),
			BusinessType:   BusinessTypeSettleFeeCredit,
			CounterpartID:  &buyer,
			Meta:           ref,
		}); err != nil {
			return nil, err
		}
		touchedAccounts = append(touchedAccounts, touched{feeAccount.ID, []string{order.AssetCode}})
	}

	switch l.OfferKind {
	case storage.OfferKindItem:
		if err := o.listings.TransferItem(ctx, tx, l, buyer); err != nil {
			return nil, err
		}
	case storage.OfferKindAsset:
		if err := o.deliverAsset(ctx, tx, order, l, ref); err != nil {
			return nil, err
		}
		touchedAccounts[0].assets = append(touchedAccounts[0].assets, l.OfferAssetCode)
		touchedAccounts[1].assets = append(touchedAccounts[1].assets, l.OfferAssetCode)
	default:
		return nil, ledgererr.InvariantViolation("listing has unknown offer kind").WithDetail("listing_id", l.ID.String())
	}

	order.Meta = cloneMeta(order.Meta)
	order.Meta["completed_at"] = time.Now().UTC().Format(time.RFC3339)
	order.Status = storage.OrderStatusCompleted
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("mark order completed: %w", err)
	}
	if err := o.listings.MarkSold(ctx, tx, l, order.ID); err != nil {
		return nil, err
	}

	o.afterCommit(tx, *order, touchedAccounts...)
	o.logger.Info("trade order completed", "order_id", order.ID, "fee", order.FeeAmount, "net", order.NetAmount)
	return &CompleteResult{Order: *order, FeeAmount: order.FeeAmount, NetAmount: order.NetAmount}, nil
}

// deliverAsset pays out a fungible offer: the seller's frozen offer is
// consumed and the same amount is credited to the buyer.
func (o *Orchestrator) deliverAsset(ctx context.Context, tx *storage.Tx, order *storage.TradeOrder, l *storage.Listing, ref map[string]any) error {
	root := orderRoot(*order)
	buyer, seller := order.BuyerID, order.SellerID
	if _, err := o.balances.SettleFromFrozen(ctx, tx, balance.Request{
		AccountID:      seller,
		AssetCode:      l.OfferAssetCode,
		Amount:         l.OfferAmount,
		IdempotencyKey: idempotency.DeriveKey(root, StepSettleSellerOffer),
		BusinessType:   BusinessTypeSettleSellerOffer,
		CounterpartID:  &buyer,
		Meta:           ref,
	}); err != nil {
		return err
	}
	_, err := o.balances.ChangeBalance(ctx, tx, balance.ChangeRequest{
		AccountID:      buyer,
		AssetCode:      l.OfferAssetCode,
		Delta:          l.OfferAmount,
		IdempotencyKey: idempotency.DeriveKey(root, StepCreditBuyerOffer),
		BusinessType:   BusinessTypeCreditBuyerOffer,
		CounterpartID:  &seller,
		Meta:           ref,
	})
	return err
}

func (o *Orchestrator) cancelOrder(ctx context.Context, tx *storage.Tx, req CancelRequest) (*CancelResult, error) {
	order, err := o.lockOrder(ctx, tx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := checkIntegrity(o.settings.Snapshot(), order); err != nil {
		return nil, err
	}
	root := orderRoot(*order)
	unfreezeKey := idempotency.DeriveKey(root, StepUnfreezeBuyer)

	if order.Status == storage.OrderStatusCancelled {
		entry, err := tx.GetEntryByKey(ctx, unfreezeKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load unfreeze entry: %w", err)
		}
		return &CancelResult{Order: *order, Unfreeze: entry, Replayed: true}, nil
	}
	if order.Status != storage.OrderStatusCreated && order.Status != storage.OrderStatusFrozen {
		return nil, ledgererr.InvalidState("order cannot be cancelled from status %s", order.Status).
			WithDetail("order_id", order.ID.String())
	}

	l, err := o.listings.LockRow(ctx, tx, order.ListingID)
	if err != nil {
		return nil, err
	}
	if o.listings.VerifyOwner(l, order.ID) == nil {
		if err := o.listings.Release(ctx, tx, l, order.ID); err != nil {
			return nil, err
		}
	} else {
		o.logger.Warn("cancelled order does not hold its listing", "order_id", order.ID, "listing_id", l.ID, "listing_status", l.Status)
	}

	frozen := order.Status == storage.OrderStatusFrozen
	if !frozen {
		// A created order only holds funds if its freeze step was recorded.
		_, err := tx.GetEntryByKey(ctx, idempotency.DeriveKey(root, StepFreezeBuyer))
		switch {
		case err == nil:
			frozen = true
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("load freeze entry: %w", err)
		}
	}

	var unfreeze *storage.LedgerEntry
	if frozen {
		seller := order.SellerID
		res, err := o.balances.Unfreeze(ctx, tx, balance.Request{
			AccountID:      order.BuyerID,
			AssetCode:      order.AssetCode,
			Amount:         order.GrossAmount,
			IdempotencyKey: unfreezeKey,
			BusinessType:   BusinessTypeUnfreezeBuyer,
			CounterpartID:  &seller,
			Meta:           orderRef(*order),
		})
		if err != nil {
			return nil, err
		}
		unfreeze = &res.Entry
	}

	order.Meta = cloneMeta(order.Meta)
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		order.Meta["cancel_reason"] = reason
	}
	order.Meta["cancelled_at"] = time.Now().UTC().Format(time.RFC3339)
	order.Status = storage.OrderStatusCancelled
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("mark order cancelled: %w", err)
	}

	o.afterCommit(tx, *order, touched{order.BuyerID, []string{order.AssetCode}})
	o.logger.Info("trade order cancelled", "order_id", order.ID, "reason", req.Reason)
	return &CancelResult{Order: *order, Unfreeze: unfreeze}, nil
}

func (o *Orchestrator) lockOrder(ctx context.Context, tx *storage.Tx, id uuid.UUID) (*storage.TradeOrder, error) {
	if id == uuid.Nil {
		return nil, ledgererr.Validation("order_id is required")
	}
	order, err := tx.LockOrder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ledgererr.NotFound("trade order not found").WithDetail("order_id", id.String())
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}
	return order, nil
}

type touched struct {
	account uuid.UUID
	assets  []string
}

// afterCommit registers best-effort side effects. They run only once the
// transaction commits and their failures never reach the caller.
func (o *Orchestrator) afterCommit(tx *storage.Tx, order storage.TradeOrder, accounts ...touched) {
	if o.invalidator != nil {
		tx.AfterCommit(func(ctx context.Context) error {
			var errs []error
			for _, a := range accounts {
				if err := o.invalidator.Invalidate(ctx, a.account, a.assets...); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
	}
	if o.notifier != nil {
		tx.AfterCommit(func(ctx context.Context) error {
			return o.notifier.OrderChanged(ctx, order)
		})
	}
}

func (o *Orchestrator) finish(span oteltrace.Span, operation, status string, err error) {
	if err != nil {
		status = ledgererr.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	if o.observer != nil {
		o.observer.ObserveOrder(operation, status)
	}
}

// checkIntegrity re-validates a persisted order. Failures mean stored data
// disagrees with current configuration or arithmetic and are never repaired.
func checkIntegrity(snap settings.Snapshot, order *storage.TradeOrder) error {
	if !snap.IsSettlementAsset(order.AssetCode) {
		return ledgererr.InvariantViolation("persisted order uses a non-settlement asset").
			WithCode(ledgererr.CodeInvalidAssetCode).
			WithDetail("order_id", order.ID.String()).
			WithDetail("asset_code", order.AssetCode)
	}
	if err := reconcile(order.GrossAmount, order.FeeAmount, order.NetAmount); err != nil {
		return err.WithDetail("order_id", order.ID.String())
	}
	return nil
}

// reconcile enforces gross == fee + net exactly; amounts are minor units.
func reconcile(gross, fee, net int64) *ledgererr.Error {
	if gross <= 0 || fee < 0 || net < 0 || gross != fee+net {
		return ledgererr.InvariantViolation("order amounts do not reconcile").
			WithDetail("gross", fmt.Sprint(gross)).
			WithDetail("fee", fmt.Sprint(fee)).
			WithDetail("net", fmt.Sprint(net))
	}
	return nil
}

// orderRoot is the key every ledger step of order derives from.
func orderRoot(order storage.TradeOrder) string {
	return idempotency.Root(idempotency.ScopeOrder, order.IdempotencyKey)
}

func orderRef(order storage.TradeOrder) map[string]any {
	return map[string]any{
		"order_id":   order.ID.String(),
		"listing_id": order.ListingID.String(),
	}
}

func cloneMeta(meta map[string]any) map[string]any {
	out := maps.Clone(meta)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

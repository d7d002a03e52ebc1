package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/rewardledger/libs/apikey"
	"github.com/AfshinJalili/rewardledger/libs/auth"
	"github.com/AfshinJalili/rewardledger/libs/httpmiddleware"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/balance"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/ledgererr"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/listing"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/service"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/trade"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type LedgerService interface {
	AccountForUser(ctx context.Context, userRef string) (*storage.Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID, asset string) (*storage.Balance, error)
	ListBalances(ctx context.Context, accountID uuid.UUID) ([]storage.Balance, error)
	ListEntries(ctx context.Context, filter storage.EntryFilter) ([]storage.LedgerEntry, error)
	CreateListing(ctx context.Context, req listing.CreateRequest) (*listing.CreateResult, error)
	WithdrawListing(ctx context.Context, listingID, sellerID uuid.UUID) (*storage.Listing, error)
	ListListings(ctx context.Context, filter storage.ListingFilter) ([]storage.Listing, error)
	CreateOrder(ctx context.Context, req trade.CreateRequest) (*trade.CreateResult, error)
	GetOrder(ctx context.Context, orderID uuid.UUID, viewer *uuid.UUID) (*storage.TradeOrder, error)
	CompleteOrder(ctx context.Context, orderID uuid.UUID) (*trade.CompleteResult, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, reason string, buyerID *uuid.UUID) (*trade.CancelResult, error)
	AdjustBalance(ctx context.Context, req service.AdjustRequest) (*balance.Result, error)
}

type Handler struct {
	Service LedgerService
	Logger  *slog.Logger
}

func New(svc LedgerService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

// Register mounts user routes behind JWT auth and operator routes behind
// internalAuth.
func (h *Handler) Register(r *gin.Engine, jwtSecret []byte, internalAuth gin.HandlerFunc) {
	v1 := r.Group("/v1", auth.Middleware(jwtSecret))
	v1.GET("/accounts/me/balances", h.ListBalances)
	v1.GET("/accounts/me/balances/:asset", h.GetBalance)
	v1.GET("/accounts/me/entries", h.ListEntries)
	v1.GET("/market/listings", h.ListListings)
	v1.POST("/market/listings", h.CreateListing)
	v1.DELETE("/market/listings/:id", h.WithdrawListing)
	v1.POST("/trade-orders", h.CreateOrder)
	v1.GET("/trade-orders/:id", h.GetOrder)
	v1.POST("/trade-orders/:id/cancel", h.CancelOrder)

	internal := r.Group("/internal", internalAuth)
	internal.POST("/trade-orders/:id/complete", h.CompleteOrderInternal)
	internal.POST("/trade-orders/:id/cancel", h.CancelOrderInternal)
	internal.POST("/balances/adjust", h.AdjustBalance)
}

type balanceItem struct {
	AssetCode     string `json:"asset_code"`
	Available     int64  `json:"available"`
	Frozen        int64  `json:"frozen"`
	TotalEarned   int64  `json:"total_earned"`
	TotalConsumed int64  `json:"total_consumed"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type entryItem struct {
	EntryID      string         `json:"entry_id"`
	AssetCode    string         `json:"asset_code"`
	Delta        int64          `json:"delta"`
	Operation    string         `json:"operation"`
	BusinessType string         `json:"business_type"`
	Counterpart  string         `json:"counterpart_id,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

type listingItem struct {
	ListingID      string `json:"listing_id"`
	SellerID       string `json:"seller_id"`
	Status         string `json:"status"`
	OfferKind      string `json:"offer_kind"`
	OfferItemID    string `json:"offer_item_id,omitempty"`
	OfferAssetCode string `json:"offer_asset_code,omitempty"`
	OfferAmount    int64  `json:"offer_amount,omitempty"`
	PriceAmount    int64  `json:"price_amount"`
	PriceAssetCode string `json:"price_asset_code"`
	CreatedAt      string `json:"created_at"`
}

type orderItem struct {
	OrderID     string `json:"order_id"`
	BusinessID  string `json:"business_id"`
	ListingID   string `json:"listing_id"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	AssetCode   string `json:"asset_code"`
	GrossAmount int64  `json:"gross_amount"`
	FeeAmount   int64  `json:"fee_amount"`
	NetAmount   int64  `json:"net_amount"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type createListingRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	OfferKind      string `json:"offer_kind"`
	OfferItemID    string `json:"offer_item_id"`
	OfferAssetCode string `json:"offer_asset_code"`
	OfferAmount    int64  `json:"offer_amount"`
	PriceAmount    int64  `json:"price_amount"`
	PriceAssetCode string `json:"price_asset_code"`
}

type createOrderRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	ListingID      string `json:"listing_id"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type adjustRequest struct {
	AccountID      string `json:"account_id"`
	AssetCode      string `json:"asset_code"`
	Delta          int64  `json:"delta"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (h *Handler) ListBalances(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}
	balances, err := h.Service.ListBalances(c.Request.Context(), account.ID)
	if err != nil {
		h.writeServiceError(c, "list balances failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": account.ID.String(),
		"balances":   lo.Map(balances, func(b storage.Balance, _ int) balanceItem { return balanceToItem(b) }),
	})
}

func (h *Handler) GetBalance(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}
	b, err := h.Service.GetBalance(c.Request.Context(), account.ID, c.Param("asset"))
	if err != nil {
		h.writeServiceError(c, "get balance failed", err)
		return
	}
	c.JSON(http.StatusOK, balanceToItem(*b))
}

func (h *Handler) ListEntries(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}
	filter := storage.EntryFilter{
		AccountID: account.ID,
		AssetCode: c.Query("asset"),
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	filter.Limit = limit
	if cursor := strings.TrimSpace(c.Query("cursor")); cursor != "" {
		ts, id, err := decodeCursor(cursor)
		if err != nil {
			writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid cursor", nil)
			return
		}
		filter.BeforeTime, filter.BeforeID = &ts, &id
	}

	entries, err := h.Service.ListEntries(c.Request.Context(), filter)
	if err != nil {
		h.writeServiceError(c, "list entries failed", err)
		return
	}
	var next string
	if limit > 0 && len(entries) == limit {
		last := entries[len(entries)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":     lo.Map(entries, func(e storage.LedgerEntry, _ int) entryItem { return entryToItem(e) }),
		"next_cursor": next,
	})
}

func (h *Handler) ListListings(c *gin.Context) {
	filter := storage.ListingFilter{Status: storage.ListingStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))}
	if filter.Status == "" {
		filter.Status = storage.ListingStatusOnSale
	}
	if seller := strings.TrimSpace(c.Query("seller_id")); seller != "" {
		id, err := uuid.Parse(seller)
		if err != nil {
			writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid seller_id", nil)
			return
		}
		filter.SellerID = &id
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	filter.Limit = limit
	if filter.Limit == 0 {
		filter.Limit = 50
	}
	listings, err := h.Service.ListListings(c.Request.Context(), filter)
	if err != nil {
		h.writeServiceError(c, "list listings failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listings": lo.Map(listings, func(l storage.Listing, _ int) listingItem { return listingToItem(l) }),
	})
}

func (h *Handler) CreateListing(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid payload", nil)
		return
	}
	in := listing.CreateRequest{
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		SellerID:       account.ID,
		OfferKind:      storage.OfferKind(strings.ToLower(strings.TrimSpace(req.OfferKind))),
		OfferAssetCode: req.OfferAssetCode,
		OfferAmount:    req.OfferAmount,
		PriceAmount:    req.PriceAmount,
		PriceAssetCode: req.PriceAssetCode,
	}
	if strings.TrimSpace(req.OfferItemID) != "" {
		itemID, err := uuid.Parse(strings.TrimSpace(req.OfferItemID))
		if err != nil {
			writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid offer_item_id", nil)
			return
		}
		in.OfferItemID = &itemID
	}

	res, err := h.Service.CreateListing(c.Request.Context(), in)
	if err != nil {
		h.writeServiceError(c, "create listing failed", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, listingToItem(res.Listing))
}

func (h *Handler) WithdrawListing(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}
	listingID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid listing_id", nil)
		return
	}
	l, err := h.Service.WithdrawListing(c.Request.Context(), listingID, account.ID)
	if err != nil {
		h.writeServiceError(c, "withdraw listing failed", err)
		return
	}
	c.JSON(http.StatusOK, listingToItem(*l))
}

func (h *Handler) CreateOrder(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid payload", nil)
		return
	}
	listingID, err := parseUUIDParam(req.ListingID)
	if err != nil {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid listing_id", nil)
		return
	}

	meta := map[string]any{}
	if reqID := requestIDFromContext(c); reqID != "" {
		meta["request_id"] = reqID
	}
	res, err := h.Service.CreateOrder(c.Request.Context(), trade.CreateRequest{
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		ListingID:      listingID,
		BuyerID:        account.ID,
		Meta:           meta,
	})
	if err != nil {
		h.writeServiceError(c, "create order failed", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, orderToItem(res.Order))
}

func (h *Handler) GetOrder(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid order_id", nil)
		return
	}
	order, err := h.Service.GetOrder(c.Request.Context(), orderID, &account.ID)
	if err != nil {
		h.writeServiceError(c, "get order failed", err)
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order))
}

func (h *Handler) CancelOrder(c *gin.Context) {
	account, ok := h.currentAccount(c)
	if !ok {
		return
	}
	h.cancel(c, &account.ID)
}

func (h *Handler) CancelOrderInternal(c *gin.Context) {
	h.cancel(c, nil)
}

func (h *Handler) cancel(c *gin.Context, buyerID *uuid.UUID) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid order_id", nil)
		return
	}
	var req cancelOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid payload", nil)
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "buyer_cancelled"
		if buyerID == nil {
			reason = "operator_cancelled"
		}
	}

	res, err := h.Service.CancelOrder(c.Request.Context(), orderID, reason, buyerID)
	if err != nil {
		h.writeServiceError(c, "cancel order failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":    orderToItem(res.Order),
		"replayed": res.Replayed,
	})
}

func (h *Handler) CompleteOrderInternal(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid order_id", nil)
		return
	}
	res, err := h.Service.CompleteOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeServiceError(c, "complete order failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":    orderToItem(res.Order),
		"replayed": res.Replayed,
	})
}

func (h *Handler) AdjustBalance(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid payload", nil)
		return
	}
	accountID, err := parseUUIDParam(req.AccountID)
	if err != nil {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid account_id", nil)
		return
	}
	res, err := h.Service.AdjustBalance(c.Request.Context(), service.AdjustRequest{
		AccountID:      accountID,
		AssetCode:      req.AssetCode,
		Delta:          req.Delta,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Reason:         req.Reason,
		Operator:       c.GetString(apikey.ContextOperatorKey),
	})
	if err != nil {
		h.writeServiceError(c, "adjust balance failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entry":     entryToItem(res.Entry),
		"balance":   balanceToItem(res.Balance),
		"duplicate": res.Duplicate,
	})
}

func (h *Handler) currentAccount(c *gin.Context) (*storage.Account, bool) {
	subject := strings.TrimSpace(auth.UserRef(c))
	if subject == "" {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return nil, false
	}
	account, err := h.Service.AccountForUser(c.Request.Context(), subject)
	if err != nil {
		h.writeServiceError(c, "resolve account failed", err)
		return nil, false
	}
	return account, true
}

func (h *Handler) writeServiceError(c *gin.Context, msg string, err error) {
	var limited *service.ErrRateLimited
	if errors.As(err, &limited) {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
		return
	}
	if e, ok := ledgererr.As(err); ok && e.Kind != ledgererr.KindInternal {
		if e.StatusCode >= http.StatusInternalServerError {
			h.Logger.Error(msg, "error", err, "code", e.Code)
		}
		writeError(c, e.StatusCode, e.Code, e.Message, e.Details)
		return
	}
	h.Logger.Error(msg, "error", err)
	writeError(c, http.StatusInternalServerError, ledgererr.CodeInternal, "internal error", nil)
}

func writeError(c *gin.Context, status int, code, message string, details map[string]string) {
	c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(c *gin.Context, body string) string {
	if header := strings.TrimSpace(c.GetHeader("Idempotency-Key")); header != "" {
		return header
	}
	return strings.TrimSpace(body)
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(c, http.StatusBadRequest, ledgererr.CodeInvalidRequest, "invalid limit", nil)
		return 0, false
	}
	return n, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func requestIDFromContext(c *gin.Context) string {
	return c.GetString(httpmiddleware.RequestIDHeader)
}

func balanceToItem(b storage.Balance) balanceItem {
	item := balanceItem{
		AssetCode:     b.AssetCode,
		Available:     b.Available,
		Frozen:        b.Frozen,
		TotalEarned:   b.TotalEarned,
		TotalConsumed: b.TotalConsumed,
	}
	if !b.UpdatedAt.IsZero() {
		item.UpdatedAt = b.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return item
}

func entryToItem(e storage.LedgerEntry) entryItem {
	item := entryItem{
		EntryID:      e.ID.String(),
		AssetCode:    e.AssetCode,
		Delta:        e.Delta,
		Operation:    string(e.Operation),
		BusinessType: e.BusinessType,
		Meta:         e.Meta,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.CounterpartID != nil {
		item.Counterpart = e.CounterpartID.String()
	}
	return item
}

func listingToItem(l storage.Listing) listingItem {
	item := listingItem{
		ListingID:      l.ID.String(),
		SellerID:       l.SellerID.String(),
		Status:         string(l.Status),
		OfferKind:      string(l.OfferKind),
		OfferAssetCode: l.OfferAssetCode,
		OfferAmount:    l.OfferAmount,
		PriceAmount:    l.PriceAmount,
		PriceAssetCode: l.PriceAssetCode,
		CreatedAt:      l.CreatedAt.UTC().Format(time.RFC3339),
	}
	if l.OfferItemID != nil {
		item.OfferItemID = l.OfferItemID.String()
	}
	return item
}

func orderToItem(o storage.TradeOrder) orderItem {
	return orderItem{
		OrderID:     o.ID.String(),
		BusinessID:  o.BusinessID.String(),
		ListingID:   o.ListingID.String(),
		BuyerID:     o.BuyerID.String(),
		SellerID:    o.SellerID.String(),
		AssetCode:   o.AssetCode,
		GrossAmount: o.GrossAmount,
		FeeAmount:   o.FeeAmount,
		NetAmount:   o.NetAmount,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   o.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

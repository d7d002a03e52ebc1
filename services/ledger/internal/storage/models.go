package storage

import (
	"time"

	"github.com/google/uuid"
)

type AccountKind string

const (
	AccountKindUser   AccountKind = "user"
	AccountKindSystem AccountKind = "system"
)

// PlatformFeeRef is the external ref of the system account collecting trade fees.
const PlatformFeeRef = "platform_fee"

type Account struct {
	ID          uuid.UUID
	Kind        AccountKind
	ExternalRef string
	CreatedAt   time.Time
}

// Balance amounts are integer minor units.
type Balance struct {
	AccountID     uuid.UUID
	AssetCode     string
	Available     int64
	Frozen        int64
	TotalEarned   int64
	TotalConsumed int64
	UpdatedAt     time.Time
}

type Operation string

const (
	OperationFreeze   Operation = "freeze"
	OperationUnfreeze Operation = "unfreeze"
	OperationSettle   Operation = "settle"
	OperationChange   Operation = "change"
)

// LedgerEntry is append-only. Delta follows the operation:
// freeze and settle are negative, unfreeze is positive, change is signed.
type LedgerEntry struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	AssetCode      string
	Delta          int64
	Operation      Operation
	BusinessType   string
	IdempotencyKey string
	Fingerprint    string
	CounterpartID  *uuid.UUID
	Meta           map[string]any
	CreatedAt      time.Time
}

type IdempotencyRecord struct {
	Key         string
	Scope       string
	Fingerprint string
	ResultID    uuid.UUID
	CreatedAt   time.Time
}

type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusFrozen    OrderStatus = "frozen"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

type TradeOrder struct {
	ID             uuid.UUID
	BusinessID     uuid.UUID
	IdempotencyKey string
	Fingerprint    string
	ListingID      uuid.UUID
	BuyerID        uuid.UUID
	SellerID       uuid.UUID
	AssetCode      string
	GrossAmount    int64
	FeeAmount      int64
	NetAmount      int64
	Status         OrderStatus
	Meta           map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ListingStatus string

const (
	ListingStatusOnSale    ListingStatus = "on_sale"
	ListingStatusLocked    ListingStatus = "locked"
	ListingStatusSold      ListingStatus = "sold"
	ListingStatusWithdrawn ListingStatus = "withdrawn"
)

type OfferKind string

const (
	OfferKindItem  OfferKind = "item"
	OfferKindAsset OfferKind = "asset"
)

type Listing struct {
	ID              uuid.UUID
	SellerID        uuid.UUID
	Status          ListingStatus
	OfferKind       OfferKind
	OfferItemID     *uuid.UUID
	OfferAssetCode  string
	OfferAmount     int64
	PriceAmount     int64
	PriceAssetCode  string
	LockedByOrderID *uuid.UUID
	LockedAt        *time.Time
	IdempotencyKey  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ItemStatus string

const (
	ItemStatusHeld   ItemStatus = "held"
	ItemStatusListed ItemStatus = "listed"
)

type Item struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	ItemType  string
	Name      string
	Status    ItemStatus
	UpdatedAt time.Time
}

type EntryFilter struct {
	AccountID uuid.UUID
	AssetCode string
	// Entries strictly older than the cursor are returned.
	BeforeTime *time.Time
	BeforeID   *uuid.UUID
	Limit      int
}

type ListingFilter struct {
	Status   ListingStatus
	SellerID *uuid.UUID
	Limit    int
}

// BalanceDrift is a stored balance that disagrees with its ledger entries.
type BalanceDrift struct {
	AccountID        uuid.UUID
	AssetCode        string
	StoredAvailable  int64
	StoredFrozen     int64
	DerivedAvailable int64
	DerivedFrozen    int64
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateKey  = errors.New("duplicate key")
	ErrNoTransaction = errors.New("no active transaction")
	// ErrNegativeBalance is a write that would leave a balance bucket below
	// zero, whether caught here or by the balances CHECK constraint.
	ErrNegativeBalance = errors.New("balance would go negative")
)

// backend is the row-level access a transaction exposes. Implementations
// hold their row locks until the enclosing transaction ends.
type backend interface {
	ensureAccount(ctx context.Context, kind AccountKind, ref string) (*Account, error)
	getAccount(ctx context.Context, id uuid.UUID) (*Account, error)

	lockBalance(ctx context.Context, accountID uuid.UUID, asset string) (*Balance, error)
	saveBalance(ctx context.Context, b *Balance) error

	insertEntry(ctx context.Context, e *LedgerEntry) error
	getEntry(ctx context.Context, id uuid.UUID) (*LedgerEntry, error)
	getEntryByKey(ctx context.Context, key string) (*LedgerEntry, error)

	claimIdempotencyKey(ctx context.Context, rec IdempotencyRecord) (*IdempotencyRecord, error)
	getIdempotencyKey(ctx context.Context, scope, key string) (*IdempotencyRecord, error)

	insertOrder(ctx context.Context, o *TradeOrder) error
	getOrder(ctx context.Context, id uuid.UUID) (*TradeOrder, error)
	lockOrder(ctx context.Context, id uuid.UUID) (*TradeOrder, error)
	updateOrder(ctx context.Context, o *TradeOrder) error

	insertListing(ctx context.Context, l *Listing) error
	lockListing(ctx context.Context, id uuid.UUID) (*Listing, error)
	updateListing(ctx context.Context, l *Listing) error

	lockItem(ctx context.Context, id uuid.UUID) (*Item, error)
	upsertItem(ctx context.Context, it *Item) error
}

// Tx is the unit-of-work handle demanded by every mutating ledger call.
// Values are only produced by a Runner; a zero Tx rejects every call.
type Tx struct {
	b     backend
	hooks []func(context.Context) error
}

// Runner opens transactions. fn's error rolls back everything done through tx.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error
}

// Reader is the read path. None of these calls need a transaction.
type Reader interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	EnsureAccount(ctx context.Context, kind AccountKind, ref string) (*Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID, asset string) (*Balance, error)
	ListBalances(ctx context.Context, accountID uuid.UUID) ([]Balance, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*TradeOrder, error)
	GetListing(ctx context.Context, id uuid.UUID) (*Listing, error)
	ListListings(ctx context.Context, filter ListingFilter) ([]Listing, error)
	LoadSettings(ctx context.Context) (map[string][]byte, error)
}

// Auditor queries back the reconciliation checks.
type Auditor interface {
	ListOrderMismatches(ctx context.Context) ([]TradeOrder, error)
	ListNegativeBalances(ctx context.Context) ([]Balance, error)
	ListBalanceDrifts(ctx context.Context) ([]BalanceDrift, error)
	ListOrphanLocks(ctx context.Context) ([]Listing, error)
}

type Store interface {
	Runner
	Reader
	Auditor
}

func newTx(b backend) *Tx {
	return &Tx{b: b}
}

func (t *Tx) active() (backend, error) {
	if t == nil || t.b == nil {
		return nil, ErrNoTransaction
	}
	return t.b, nil
}

// AfterCommit registers fn to run once the transaction has committed.
// Hooks never run on rollback and their errors never reach the caller.
func (t *Tx) AfterCommit(fn func(context.Context) error) {
	if t == nil || fn == nil {
		return
	}
	t.hooks = append(t.hooks, fn)
}

func (t *Tx) EnsureAccount(ctx context.Context, kind AccountKind, ref string) (*Account, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.ensureAccount(ctx, kind, ref)
}

func (t *Tx) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.getAccount(ctx, id)
}

// LockBalance returns the balance row under an exclusive lock, creating a
// zero row on first access.
func (t *Tx) LockBalance(ctx context.Context, accountID uuid.UUID, asset string) (*Balance, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.lockBalance(ctx, accountID, asset)
}

func (t *Tx) SaveBalance(ctx context.Context, bal *Balance) error {
	b, err := t.active()
	if err != nil {
		return err
	}
	if bal.Available < 0 || bal.Frozen < 0 {
		return fmt.Errorf("%w: %s/%s", ErrNegativeBalance, bal.AccountID, bal.AssetCode)
	}
	return b.saveBalance(ctx, bal)
}

func (t *Tx) InsertEntry(ctx context.Context, e *LedgerEntry) error {
	b, err := t.active()
	if err != nil {
		return err
	}
	return b.insertEntry(ctx, e)
}

func (t *Tx) GetEntry(ctx context.Context, id uuid.UUID) (*LedgerEntry, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.getEntry(ctx, id)
}

func (t *Tx) GetEntryByKey(ctx context.Context, key string) (*LedgerEntry, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.getEntryByKey(ctx, key)
}

func (t *Tx) GetIdempotencyKey(ctx context.Context, scope, key string) (*IdempotencyRecord, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.getIdempotencyKey(ctx, scope, key)
}

// ClaimIdempotencyKey stores rec if its (scope, key) is unused. When it already
// exists the stored record is returned and nothing is written.
func (t *Tx) ClaimIdempotencyKey(ctx context.Context, rec IdempotencyRecord) (*IdempotencyRecord, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.claimIdempotencyKey(ctx, rec)
}

func (t *Tx) InsertOrder(ctx context.Context, o *TradeOrder) error {
	b, err := t.active()
	if err != nil {
		return err
	}
	return b.insertOrder(ctx, o)
}

func (t *Tx) GetOrder(ctx context.Context, id uuid.UUID) (*TradeOrder, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.getOrder(ctx, id)
}

func (t *Tx) LockOrder(ctx context.Context, id uuid.UUID) (*TradeOrder, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.lockOrder(ctx, id)
}

func (t *Tx) UpdateOrder(ctx context.Context, o *TradeOrder) error {
	b, err := t.active()
	if err != nil {
		return err
	}
	return b.updateOrder(ctx, o)
}

func (t *Tx) InsertListing(ctx context.Context, l *Listing) error {
	b, err := t.active()
	if err != nil {
		return err
	}
	return b.insertListing(ctx, l)
}

func (t *Tx) LockListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.lockListing(ctx, id)
}

func (t *Tx) UpdateListing(ctx context.Context, l *Listing) error {
	b, err := t.active()
	if err != nil {
		return err
	}
	return b.updateListing(ctx, l)
}

func (t *Tx) LockItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	b, err := t.active()
	if err != nil {
		return nil, err
	}
	return b.lockItem(ctx, id)
}

func (t *Tx) UpsertItem(ctx context.Context, it *Item) error {
	b, err := t.active()
	if err != nil {
		return err
	}
	return b.upsertItem(ctx, it)
}

const afterCommitTimeout = 5 * time.Second

// runAfterCommit executes the registered hooks detached from the caller's
// cancellation. Failures and panics are logged at warn level.
func runAfterCommit(ctx context.Context, tx *Tx, logger *slog.Logger, observe func(ok bool)) {
	if tx == nil || len(tx.hooks) == 0 {
		return
	}
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), afterCommitTimeout)
	defer cancel()

	for i, hook := range tx.hooks {
		err := safeHook(hookCtx, hook)
		if observe != nil {
			observe(err == nil)
		}
		if err != nil {
			logger.Warn("post-commit hook failed", "hook", i, "error", err)
		}
	}
	tx.hooks = nil
}

func safeHook(ctx context.Context, hook func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return hook(ctx)
}

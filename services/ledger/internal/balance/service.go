package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/idempotency"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/ledgererr"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/google/uuid"
)

const (
	BusinessTypeFreeze   = "freeze"
	BusinessTypeUnfreeze = "unfreeze"
	BusinessTypeSettle   = "settle"
	BusinessTypeChange   = "change"
)

type Observer interface {
	ObserveMutation(operation, status string)
}

// Request moves Amount for one (account, asset) pair. Amount must be
// positive; the operation decides its direction.
type Request struct {
	AccountID      uuid.UUID
	AssetCode      string
	Amount         int64
	IdempotencyKey string
	BusinessType   string
	CounterpartID  *uuid.UUID
	Meta           map[string]any
}

// ChangeRequest credits (Delta > 0) or debits (Delta < 0) available funds.
type ChangeRequest struct {
	AccountID      uuid.UUID
	AssetCode      string
	Delta          int64
	IdempotencyKey string
	BusinessType   string
	CounterpartID  *uuid.UUID
	Meta           map[string]any
}

type Result struct {
	Entry     storage.LedgerEntry
	Balance   storage.Balance
	Duplicate bool
}

// Service applies balance mutations inside a caller-owned transaction.
// It never begins or commits one itself.
type Service struct {
	reader   storage.Reader
	logger   *slog.Logger
	observer Observer
}

func New(reader storage.Reader, logger *slog.Logger, observer Observer) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{reader: reader, logger: logger, observer: observer}
}

func (s *Service) Freeze(ctx context.Context, tx *storage.Tx, req Request) (*Result, error) {
	return s.apply(ctx, tx, storage.OperationFreeze, mutation{
		Request:      req,
		delta:        -req.Amount,
		fallbackType: BusinessTypeFreeze,
	}, func(b *storage.Balance) error {
		if b.Available < req.Amount {
			return insufficient("available", b.Available, req.Amount)
		}
		frozen, err := add("frozen", b.Frozen, req.Amount)
		if err != nil {
			return err
		}
		b.Available -= req.Amount
		b.Frozen = frozen
		return nil
	})
}

func (s *Service) Unfreeze(ctx context.Context, tx *storage.Tx, req Request) (*Result, error) {
	return s.apply(ctx, tx, storage.OperationUnfreeze, mutation{
		Request:      req,
		delta:        req.Amount,
		fallbackType: BusinessTypeUnfreeze,
	}, func(b *storage.Balance) error {
		if b.Frozen < req.Amount {
			return insufficient("frozen", b.Frozen, req.Amount)
		}
		available, err := add("available", b.Available, req.Amount)
		if err != nil {
			return err
		}
		b.Frozen -= req.Amount
		b.Available = available
		return nil
	})
}

// SettleFromFrozen consumes frozen funds permanently.
func (s *Service) SettleFromFrozen(ctx context.Context, tx *storage.Tx, req Request) (*Result, error) {
	return s.apply(ctx, tx, storage.OperationSettle, mutation{
		Request:      req,
		delta:        -req.Amount,
		fallbackType: BusinessTypeSettle,
	}, func(b *storage.Balance) error {
		if b.Frozen < req.Amount {
			return insufficient("frozen", b.Frozen, req.Amount)
		}
		consumed, err := add("total_consumed", b.TotalConsumed, req.Amount)
		if err != nil {
			return err
		}
		b.Frozen -= req.Amount
		b.TotalConsumed = consumed
		return nil
	})
}

func (s *Service) ChangeBalance(ctx context.Context, tx *storage.Tx, req ChangeRequest) (*Result, error) {
	if req.Delta == 0 {
		return nil, ledgererr.Validation("delta must be non-zero")
	}
	amount := req.Delta
	if amount < 0 {
		amount = -amount
	}
	return s.apply(ctx, tx, storage.OperationChange, mutation{
		Request: Request{
			AccountID:      req.AccountID,
			AssetCode:      req.AssetCode,
			Amount:         amount,
			IdempotencyKey: req.IdempotencyKey,
			BusinessType:   req.BusinessType,
			CounterpartID:  req.CounterpartID,
			Meta:           req.Meta,
		},
		delta:        req.Delta,
		fallbackType: BusinessTypeChange,
	}, func(b *storage.Balance) error {
		if req.Delta > 0 {
			available, err := add("available", b.Available, req.Delta)
			if err != nil {
				return err
			}
			earned, err := add("total_earned", b.TotalEarned, req.Delta)
			if err != nil {
				return err
			}
			b.Available, b.TotalEarned = available, earned
			return nil
		}
		if b.Available < amount {
			return insufficient("available", b.Available, amount)
		}
		consumed, err := add("total_consumed", b.TotalConsumed, amount)
		if err != nil {
			return err
		}
		b.Available -= amount
		b.TotalConsumed = consumed
		return nil
	})
}

// GetOrCreateAccount resolves an account by identity, creating it lazily.
func (s *Service) GetOrCreateAccount(ctx context.Context, kind storage.AccountKind, ref string) (*storage.Account, error) {
	if err := validateAccountRef(kind, ref); err != nil {
		return nil, err
	}
	return s.reader.EnsureAccount(ctx, kind, strings.TrimSpace(ref))
}

// GetOrCreateAccountTx is GetOrCreateAccount within tx.
func (s *Service) GetOrCreateAccountTx(ctx context.Context, tx *storage.Tx, kind storage.AccountKind, ref string) (*storage.Account, error) {
	if err := validateAccountRef(kind, ref); err != nil {
		return nil, err
	}
	return tx.EnsureAccount(ctx, kind, strings.TrimSpace(ref))
}

// GetBalance is a plain read; a never-touched pair reads as zero.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID, asset string) (*storage.Balance, error) {
	asset = NormalizeAsset(asset)
	if accountID == uuid.Nil {
		return nil, ledgererr.Validation("account_id is required")
	}
	if asset == "" {
		return nil, ledgererr.Validation("asset_code is required")
	}
	return s.reader.GetBalance(ctx, accountID, asset)
}

func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

type mutation struct {
	Request
	delta        int64
	fallbackType string
}

func (s *Service) apply(ctx context.Context, tx *storage.Tx, op storage.Operation, m mutation, mutate func(*storage.Balance) error) (*Result, error) {
	res, err := s.applyLocked(ctx, tx, op, m, mutate)
	status := "ok"
	switch {
	case err != nil:
		status = ledgererr.KindOf(err).String()
	case res.Duplicate:
		status = "duplicate"
	}
	if s.observer != nil {
		s.observer.ObserveMutation(string(op), status)
	}
	return res, err
}

func (s *Service) applyLocked(ctx context.Context, tx *storage.Tx, op storage.Operation, m mutation, mutate func(*storage.Balance) error) (*Result, error) {
	m.AssetCode = NormalizeAsset(m.AssetCode)
	m.IdempotencyKey = strings.TrimSpace(m.IdempotencyKey)
	if err := validate(m.Request); err != nil {
		return nil, err
	}
	businessType := m.BusinessType
	if businessType == "" {
		businessType = m.fallbackType
	}

	bal, err := tx.LockBalance(ctx, m.AccountID, m.AssetCode)
	if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}

	fingerprint := idempotency.Fingerprint(idempotency.Fields{
		"operation":   string(op),
		"account":     m.AccountID,
		"asset":       m.AssetCode,
		"delta":       m.delta,
		"counterpart": m.CounterpartID,
	})
	entryID := uuid.New()
	guard, err := idempotency.CheckOrInsert(ctx, tx, idempotency.ScopeLedger, m.IdempotencyKey, fingerprint, entryID)
	if err != nil {
		return nil, err
	}
	if guard.Duplicate {
		entry, err := tx.GetEntry(ctx, guard.ResultID)
		if err != nil {
			return nil, fmt.Errorf("load replayed entry: %w", err)
		}
		s.logger.Debug("ledger mutation replayed", "operation", op, "idempotency_key", m.IdempotencyKey)
		return &Result{Entry: *entry, Balance: *bal, Duplicate: true}, nil
	}

	if err := mutate(bal); err != nil {
		return nil, err
	}
	if err := tx.SaveBalance(ctx, bal); err != nil {
		if errors.Is(err, storage.ErrNegativeBalance) {
			return nil, ledgererr.InvariantViolation("balance would go negative").
				WithDetail("account_id", m.AccountID.String()).
				WithDetail("asset_code", m.AssetCode)
		}
		return nil, fmt.Errorf("save balance: %w", err)
	}

	entry := storage.LedgerEntry{
		ID:             entryID,
		AccountID:      m.AccountID,
		AssetCode:      m.AssetCode,
		Delta:          m.delta,
		Operation:      op,
		BusinessType:   businessType,
		IdempotencyKey: m.IdempotencyKey,
		Fingerprint:    fingerprint,
		CounterpartID:  m.CounterpartID,
		Meta:           m.Meta,
	}
	if err := tx.InsertEntry(ctx, &entry); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, ledgererr.Conflict("ledger entry already recorded").WithDetail("idempotency_key", m.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	return &Result{Entry: entry, Balance: *bal}, nil
}

func validate(req Request) error {
	if req.AccountID == uuid.Nil {
		return ledgererr.Validation("account_id is required")
	}
	if req.AssetCode == "" {
		return ledgererr.Validation("asset_code is required")
	}
	if req.Amount <= 0 {
		return ledgererr.Validation("amount must be positive")
	}
	return idempotency.ValidateKey(req.IdempotencyKey)
}

func validateAccountRef(kind storage.AccountKind, ref string) error {
	if kind != storage.AccountKindUser && kind != storage.AccountKindSystem {
		return ledgererr.Validation("unknown account kind %q", kind)
	}
	if strings.TrimSpace(ref) == "" {
		return ledgererr.Validation("account ref is required")
	}
	return nil
}

// add sums two non-negative amounts, rejecting results past math.MaxInt64.
func add(field string, have, amount int64) (int64, error) {
	if amount > math.MaxInt64-have {
		return 0, ledgererr.Validation("amount would overflow %s", field).
			WithDetail(field, fmt.Sprint(have)).
			WithDetail("amount", fmt.Sprint(amount))
	}
	return have + amount, nil
}

func insufficient(bucket string, have, want int64) error {
	return ledgererr.InsufficientBalance("insufficient %s balance", bucket).
		WithDetail("required", fmt.Sprint(want)).
		WithDetail(bucket, fmt.Sprint(have))
}

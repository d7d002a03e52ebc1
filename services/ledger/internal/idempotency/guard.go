// Package idempotency deduplicates mutating calls by caller-supplied key.
//
// A key is claimed together with a fingerprint of the call's critical
// parameters. Replaying the key with the same fingerprint yields the first
// call's result id; replaying it with a different fingerprint is a Conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/ledgererr"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/google/uuid"
)

const MaxKeyLength = 200

// Scopes partition the key space. A record is identified by (scope, key),
// and every system-derived ledger key starts with its owning scope.
const (
	ScopeLedger  = "ledger"
	ScopeOrder   = "order"
	ScopeListing = "listing"
	ScopeGrant   = "grant"
	ScopeAdjust  = "adjust"
)

type Result struct {
	Duplicate bool
	ResultID  uuid.UUID
}

// Fields are the critical parameters of a call.
type Fields map[string]any

// Fingerprint hashes fields in key order so map iteration never matters.
func Fingerprint(fields Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonical(fields[k]))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonical(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case *uuid.UUID:
		if val == nil {
			return ""
		}
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// Root prefixes a caller key with its owning scope, so keys of one scope
// can never name a ledger step of another.
func Root(scope, key string) string {
	return scope + "/" + key
}

// DeriveKey builds the child key for one step of a multi-step operation.
// Steps never contain ':', so root and step split on the last one.
func DeriveKey(root, step string) string {
	return root + ":" + step
}

func ValidateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ledgererr.Validation("idempotency_key is required")
	}
	if len(key) > MaxKeyLength {
		return ledgererr.Validation("idempotency_key exceeds %d characters", MaxKeyLength)
	}
	return nil
}

// CheckOrInsert claims key for resultID inside tx. The claim is rolled back
// with the transaction, so a failed operation leaves the key reusable.
func CheckOrInsert(ctx context.Context, tx *storage.Tx, scope, key, fingerprint string, resultID uuid.UUID) (Result, error) {
	if err := ValidateKey(key); err != nil {
		return Result{}, err
	}

	existing, err := tx.ClaimIdempotencyKey(ctx, storage.IdempotencyRecord{
		Key:         key,
		Scope:       scope,
		Fingerprint: fingerprint,
		ResultID:    resultID,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return Result{}, Conflict(key)
		}
		return Result{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	if existing == nil {
		return Result{ResultID: resultID}, nil
	}

	if existing.Scope != scope || existing.Fingerprint != fingerprint {
		return Result{}, Conflict(key)
	}
	return Result{Duplicate: true, ResultID: existing.ResultID}, nil
}

// Lookup returns the record claimed for key in scope, or nil when unused.
func Lookup(ctx context.Context, tx *storage.Tx, scope, key string) (*storage.IdempotencyRecord, error) {
	rec, err := tx.GetIdempotencyKey(ctx, scope, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return rec, nil
}

func Conflict(key string) error {
	return ledgererr.Conflict("idempotency key reused with different parameters").
		WithDetail("idempotency_key", key)
}

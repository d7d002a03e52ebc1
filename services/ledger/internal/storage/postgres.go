package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// HookMetrics observes post-commit side effects.
type HookMetrics interface {
	ObserveSideEffect(ok bool)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics HookMetrics
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger, metrics HookMetrics) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger, metrics: metrics}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = pgtx.Rollback(ctx)
		}
	}()

	tx := newTx(&pgBackend{q: pgtx})
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true

	runAfterCommit(ctx, tx, s.logger, s.observeHook)
	return nil
}

func (s *PostgresStore) observeHook(ok bool) {
	if s.metrics != nil {
		s.metrics.ObserveSideEffect(ok)
	}
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return (&pgBackend{q: s.pool}).getAccount(ctx, id)
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, kind AccountKind, ref string) (*Account, error) {
	return (&pgBackend{q: s.pool}).ensureAccount(ctx, kind, ref)
}

// GetBalance reads without locking. A missing row is a zero balance.
func (s *PostgresStore) GetBalance(ctx context.Context, accountID uuid.UUID, asset string) (*Balance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT account_id, asset_code, available_amount, frozen_amount, total_earned, total_consumed, updated_at
		FROM balances
		WHERE account_id = $1 AND asset_code = $2
	`, accountID, asset)
	b, err := scanBalance(row)
	if errors.Is(err, ErrNotFound) {
		return &Balance{AccountID: accountID, AssetCode: asset}, nil
	}
	return b, err
}

func (s *PostgresStore) ListBalances(ctx context.Context, accountID uuid.UUID) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, asset_code, available_amount, frozen_amount, total_earned, total_consumed, updated_at
		FROM balances
		WHERE account_id = $1
		ORDER BY asset_code
	`, accountID)
	if err != nil {
		return nil, err
	}
	return collectBalances(rows)
}

func (s *PostgresStore) ListEntries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args := []any{filter.AccountID}
	clauses := []string{"account_id = $1"}
	if filter.AssetCode != "" {
		args = append(args, filter.AssetCode)
		clauses = append(clauses, fmt.Sprintf("asset_code = $%d", len(args)))
	}
	if filter.BeforeTime != nil && filter.BeforeID != nil {
		args = append(args, *filter.BeforeTime, *filter.BeforeID)
		clauses = append(clauses, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM ledger_entries
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, entryColumns, strings.Join(clauses, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id uuid.UUID) (*TradeOrder, error) {
	return (&pgBackend{q: s.pool}).getOrder(ctx, id)
}

func (s *PostgresStore) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM market_listings WHERE listing_id = $1`, id)
	return scanListing(row)
}

func (s *PostgresStore) ListListings(ctx context.Context, filter ListingFilter) ([]Listing, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args := []any{}
	clauses := []string{"TRUE"}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SellerID != nil {
		args = append(args, *filter.SellerID)
		clauses = append(clauses, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM market_listings
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, listingColumns, strings.Join(clauses, " AND "), len(args)), args...)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (s *PostgresStore) LoadSettings(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value::text FROM system_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = []byte(value)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOrderMismatches(ctx context.Context) ([]TradeOrder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM trade_orders
		WHERE status = 'completed' AND gross_amount <> fee_amount + net_amount
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListNegativeBalances(ctx context.Context) ([]Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, asset_code, available_amount, frozen_amount, total_earned, total_consumed, updated_at
		FROM balances
		WHERE available_amount < 0 OR frozen_amount < 0
	`)
	if err != nil {
		return nil, err
	}
	return collectBalances(rows)
}

// ListBalanceDrifts recomputes available and frozen from ledger deltas:
// available sums change, freeze and unfreeze deltas; frozen mirrors
// freeze/unfreeze and drops by settled amounts.
func (s *PostgresStore) ListBalanceDrifts(ctx context.Context) ([]BalanceDrift, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.account_id, b.asset_code, b.available_amount, b.frozen_amount,
		       COALESCE(e.available, 0)::bigint, COALESCE(e.frozen, 0)::bigint
		FROM balances b
		LEFT JOIN (
			SELECT account_id, asset_code,
			       SUM(CASE WHEN operation IN ('change', 'freeze', 'unfreeze') THEN delta_amount ELSE 0 END) AS available,
			       SUM(CASE WHEN operation IN ('freeze', 'unfreeze') THEN -delta_amount
			                WHEN operation = 'settle' THEN delta_amount ELSE 0 END) AS frozen
			FROM ledger_entries
			GROUP BY account_id, asset_code
		) e ON e.account_id = b.account_id AND e.asset_code = b.asset_code
		WHERE b.available_amount <> COALESCE(e.available, 0)
		   OR b.frozen_amount <> COALESCE(e.frozen, 0)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceDrift
	for rows.Next() {
		var d BalanceDrift
		if err := rows.Scan(&d.AccountID, &d.AssetCode, &d.StoredAvailable, &d.StoredFrozen, &d.DerivedAvailable, &d.DerivedFrozen); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListOrphanLocks finds locked listings whose owning order is missing or
// no longer pending.
func (s *PostgresStore) ListOrphanLocks(ctx context.Context) ([]Listing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orphanListingColumns+`
		FROM market_listings l
		LEFT JOIN trade_orders o ON o.order_id = l.locked_by_order_id
		WHERE l.status = 'locked'
		  AND (o.order_id IS NULL OR o.status NOT IN ('created', 'frozen'))
	`)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

type pgBackend struct {
	q querier
}

func (b *pgBackend) ensureAccount(ctx context.Context, kind AccountKind, ref string) (*Account, error) {
	if _, err := b.q.Exec(ctx, `
		INSERT INTO accounts (id, kind, external_ref, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, external_ref) DO NOTHING
	`, uuid.New(), string(kind), ref, time.Now().UTC()); err != nil {
		return nil, err
	}
	row := b.q.QueryRow(ctx, `
		SELECT id, kind, external_ref, created_at
		FROM accounts
		WHERE kind = $1 AND external_ref = $2
	`, string(kind), ref)
	return scanAccount(row)
}

func (b *pgBackend) getAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := b.q.QueryRow(ctx, `SELECT id, kind, external_ref, created_at FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (b *pgBackend) lockBalance(ctx context.Context, accountID uuid.UUID, asset string) (*Balance, error) {
	bal, err := b.selectBalanceForUpdate(ctx, accountID, asset)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if _, err := b.q.Exec(ctx, `
		INSERT INTO balances (id, account_id, asset_code, available_amount, frozen_amount, total_earned, total_consumed, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, 0, $4)
		ON CONFLICT (account_id, asset_code) DO NOTHING
	`, uuid.New(), accountID, asset, time.Now().UTC()); err != nil {
		return nil, err
	}
	return b.selectBalanceForUpdate(ctx, accountID, asset)
}

func (b *pgBackend) selectBalanceForUpdate(ctx context.Context, accountID uuid.UUID, asset string) (*Balance, error) {
	row := b.q.QueryRow(ctx, `
		SELECT account_id, asset_code, available_amount, frozen_amount, total_earned, total_consumed, updated_at
		FROM balances
		WHERE account_id = $1 AND asset_code = $2
		FOR UPDATE
	`, accountID, asset)
	return scanBalance(row)
}

func (b *pgBackend) saveBalance(ctx context.Context, bal *Balance) error {
	bal.UpdatedAt = time.Now().UTC()
	tag, err := b.q.Exec(ctx, `
		UPDATE balances
		SET available_amount = $1, frozen_amount = $2, total_earned = $3, total_consumed = $4, updated_at = $5
		WHERE account_id = $6 AND asset_code = $7
	`, bal.Available, bal.Frozen, bal.TotalEarned, bal.TotalConsumed, bal.UpdatedAt, bal.AccountID, bal.AssetCode)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *pgBackend) insertEntry(ctx context.Context, e *LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := b.q.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, asset_code, delta_amount, operation, business_type,
			idempotency_key, fingerprint, counterpart_account_id, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.AccountID, e.AssetCode, e.Delta, string(e.Operation), e.BusinessType,
		e.IdempotencyKey, e.Fingerprint, e.CounterpartID, metaOrEmpty(e.Meta), e.CreatedAt)
	return translate(err)
}

func (b *pgBackend) getEntry(ctx context.Context, id uuid.UUID) (*LedgerEntry, error) {
	row := b.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
	return scanEntry(row)
}

func (b *pgBackend) getEntryByKey(ctx context.Context, key string) (*LedgerEntry, error) {
	row := b.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key)
	return scanEntry(row)
}

func (b *pgBackend) claimIdempotencyKey(ctx context.Context, rec IdempotencyRecord) (*IdempotencyRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := b.q.Exec(ctx, `
		INSERT INTO idempotency_keys (key, scope, fingerprint, result_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, key) DO NOTHING
	`, rec.Key, rec.Scope, rec.Fingerprint, rec.ResultID, rec.CreatedAt)
	if err != nil {
		return nil, translate(err)
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	return b.getIdempotencyKey(ctx, rec.Scope, rec.Key)
}

func (b *pgBackend) getIdempotencyKey(ctx context.Context, scope, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	row := b.q.QueryRow(ctx, `
		SELECT key, scope, fingerprint, result_id, created_at
		FROM idempotency_keys
		WHERE scope = $1 AND key = $2
	`, scope, key)
	if err := row.Scan(&rec.Key, &rec.Scope, &rec.Fingerprint, &rec.ResultID, &rec.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (b *pgBackend) insertOrder(ctx context.Context, o *TradeOrder) error {
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	_, err := b.q.Exec(ctx, `
		INSERT INTO trade_orders (order_id, business_id, idempotency_key, fingerprint, listing_id, buyer_id, seller_id,
			asset_code, gross_amount, fee_amount, net_amount, status, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, o.ID, o.BusinessID, o.IdempotencyKey, o.Fingerprint, o.ListingID, o.BuyerID, o.SellerID,
		o.AssetCode, o.GrossAmount, o.FeeAmount, o.NetAmount, string(o.Status), metaOrEmpty(o.Meta), now)
	return translate(err)
}

func (b *pgBackend) getOrder(ctx context.Context, id uuid.UUID) (*TradeOrder, error) {
	row := b.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM trade_orders WHERE order_id = $1`, id)
	return scanOrder(row)
}

func (b *pgBackend) lockOrder(ctx context.Context, id uuid.UUID) (*TradeOrder, error) {
	row := b.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM trade_orders WHERE order_id = $1 FOR UPDATE`, id)
	return scanOrder(row)
}

func (b *pgBackend) updateOrder(ctx context.Context, o *TradeOrder) error {
	o.UpdatedAt = time.Now().UTC()
	tag, err := b.q.Exec(ctx, `
		UPDATE trade_orders
		SET status = $1, meta = $2, updated_at = $3
		WHERE order_id = $4
	`, string(o.Status), metaOrEmpty(o.Meta), o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *pgBackend) insertListing(ctx context.Context, l *Listing) error {
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	_, err := b.q.Exec(ctx, `
		INSERT INTO market_listings (listing_id, seller_id, status, offer_kind, offer_item_id, offer_asset_code,
			offer_amount, price_amount, price_asset_code, locked_by_order_id, locked_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, l.ID, l.SellerID, string(l.Status), string(l.OfferKind), l.OfferItemID, l.OfferAssetCode,
		l.OfferAmount, l.PriceAmount, l.PriceAssetCode, l.LockedByOrderID, l.LockedAt, l.IdempotencyKey, now)
	return translate(err)
}

func (b *pgBackend) lockListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	row := b.q.QueryRow(ctx, `SELECT `+listingColumns+` FROM market_listings WHERE listing_id = $1 FOR UPDATE`, id)
	return scanListing(row)
}

func (b *pgBackend) updateListing(ctx context.Context, l *Listing) error {
	l.UpdatedAt = time.Now().UTC()
	tag, err := b.q.Exec(ctx, `
		UPDATE market_listings
		SET status = $1, locked_by_order_id = $2, locked_at = $3, updated_at = $4
		WHERE listing_id = $5
	`, string(l.Status), l.LockedByOrderID, l.LockedAt, l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *pgBackend) lockItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	var it Item
	var status string
	row := b.q.QueryRow(ctx, `
		SELECT item_id, owner_id, item_type, name, status, updated_at
		FROM items
		WHERE item_id = $1
		FOR UPDATE
	`, id)
	if err := row.Scan(&it.ID, &it.OwnerID, &it.ItemType, &it.Name, &status, &it.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	it.Status = ItemStatus(status)
	return &it, nil
}

func (b *pgBackend) upsertItem(ctx context.Context, it *Item) error {
	it.UpdatedAt = time.Now().UTC()
	_, err := b.q.Exec(ctx, `
		INSERT INTO items (item_id, owner_id, item_type, name, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, it.ID, it.OwnerID, it.ItemType, it.Name, string(it.Status), it.UpdatedAt)
	return err
}

const (
	entryColumns = `id, account_id, asset_code, delta_amount, operation, business_type, idempotency_key,
		fingerprint, counterpart_account_id, COALESCE(meta, '{}'::jsonb), created_at`
	orderColumns = `order_id, business_id, idempotency_key, fingerprint, listing_id, buyer_id, seller_id, asset_code,
		gross_amount, fee_amount, net_amount, status, COALESCE(meta, '{}'::jsonb), created_at, updated_at`
	listingColumns = `listing_id, seller_id, status, offer_kind, offer_item_id, COALESCE(offer_asset_code, ''),
		offer_amount, price_amount, price_asset_code, locked_by_order_id, locked_at, idempotency_key, created_at, updated_at`
	orphanListingColumns = `l.listing_id, l.seller_id, l.status, l.offer_kind, l.offer_item_id, COALESCE(l.offer_asset_code, ''),
		l.offer_amount, l.price_amount, l.price_asset_code, l.locked_by_order_id, l.locked_at, l.idempotency_key, l.created_at, l.updated_at`
)

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var kind string
	if err := row.Scan(&a.ID, &kind, &a.ExternalRef, &a.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	a.Kind = AccountKind(kind)
	return &a, nil
}

func scanBalance(row pgx.Row) (*Balance, error) {
	var b Balance
	if err := row.Scan(&b.AccountID, &b.AssetCode, &b.Available, &b.Frozen, &b.TotalEarned, &b.TotalConsumed, &b.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func collectBalances(rows pgx.Rows) ([]Balance, error) {
	defer rows.Close()
	var out []Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*LedgerEntry, error) {
	var e LedgerEntry
	var op string
	if err := row.Scan(&e.ID, &e.AccountID, &e.AssetCode, &e.Delta, &op, &e.BusinessType, &e.IdempotencyKey,
		&e.Fingerprint, &e.CounterpartID, &e.Meta, &e.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	e.Operation = Operation(op)
	return &e, nil
}

func scanOrder(row pgx.Row) (*TradeOrder, error) {
	var o TradeOrder
	var status string
	if err := row.Scan(&o.ID, &o.BusinessID, &o.IdempotencyKey, &o.Fingerprint, &o.ListingID, &o.BuyerID, &o.SellerID,
		&o.AssetCode, &o.GrossAmount, &o.FeeAmount, &o.NetAmount, &status, &o.Meta, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	o.Status = OrderStatus(status)
	return &o, nil
}

func scanListing(row pgx.Row) (*Listing, error) {
	var l Listing
	var status, kind string
	if err := row.Scan(&l.ID, &l.SellerID, &status, &kind, &l.OfferItemID, &l.OfferAssetCode, &l.OfferAmount,
		&l.PriceAmount, &l.PriceAssetCode, &l.LockedByOrderID, &l.LockedAt, &l.IdempotencyKey, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	l.Status = ListingStatus(status)
	l.OfferKind = OfferKind(kind)
	return &l, nil
}

func collectListings(rows pgx.Rows) ([]Listing, error) {
	defer rows.Close()
	var out []Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func metaOrEmpty(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgUniqueViolation:
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	case pgErr.Code == pgCheckViolation && pgErr.ConstraintName == balancesNonNegative:
		return fmt.Errorf("%w: %v", ErrNegativeBalance, err)
	}
	return err
}

const (
	pgUniqueViolation   = "23505"
	pgCheckViolation    = "23514"
	balancesNonNegative = "balances_non_negative"
)

package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/shop-ledger/internal/apperr"
	"github.com/xenking/shop-ledger/internal/domain/loyalty"
)

const (
	lockBalanceSQL = `SELECT loyalty_points_balance FROM users WHERE id = $1 FOR UPDATE`
	balanceSQL     = `SELECT loyalty_points_balance FROM users WHERE id = $1`
	setBalanceSQL  = `UPDATE users SET loyalty_points_balance = $2 WHERE id = $1`

	hasTransactionSQL = `SELECT EXISTS (SELECT 1 FROM loyalty_transactions
		WHERE user_id = $1 AND order_id IS NOT DISTINCT FROM $2 AND reason = $3)`

	insertTransactionSQL = `INSERT INTO loyalty_transactions (user_id, order_id, points, kind, reason)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`

	sumForOrderSQL = `SELECT COALESCE(SUM(points), 0)::bigint FROM loyalty_transactions
		WHERE user_id = $1 AND order_id = $2 AND kind = $3`

	sumTransactionsSQL = `SELECT COALESCE(SUM(points), 0)::bigint FROM loyalty_transactions WHERE user_id = $1`

	listTransactionsSQL = `SELECT id, user_id, order_id, points, kind, reason, created_at
		FROM loyalty_transactions WHERE user_id = $1 ORDER BY id DESC LIMIT $2`

	insertUserSQL = `INSERT INTO users (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email RETURNING id`
)

var _ loyalty.Repository = (*LoyaltyRepository)(nil)

// LoyaltyRepository implements loyalty.Repository on the users balance column
// and the loyalty_transactions log.
type LoyaltyRepository struct {
	db *DB
}

// NewLoyaltyRepository returns a LoyaltyRepository.
func NewLoyaltyRepository(db *DB) *LoyaltyRepository {
	return &LoyaltyRepository{db: db}
}

// LockBalance locks the user row until the transaction ends.
func (r *LoyaltyRepository) LockBalance(ctx context.Context, userID int64) (int64, error) {
	return r.balance(ctx, lockBalanceSQL, userID)
}

func (r *LoyaltyRepository) Balance(ctx context.Context, userID int64) (int64, error) {
	return r.balance(ctx, balanceSQL, userID)
}

func (r *LoyaltyRepository) balance(ctx context.Context, sql string, userID int64) (int64, error) {
	var b int64
	if err := r.db.q(ctx).QueryRow(ctx, sql, userID).Scan(&b); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, loyalty.ErrUserNotFound
		}
		return 0, fmt.Errorf("reading balance of user %d: %w", userID, err)
	}
	return b, nil
}

func (r *LoyaltyRepository) SetBalance(ctx context.Context, userID, balance int64) error {
	tag, err := r.db.q(ctx).Exec(ctx, setBalanceSQL, userID, balance)
	if err != nil {
		return fmt.Errorf("setting balance of user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrUserNotFound
	}
	return nil
}

func (r *LoyaltyRepository) HasTransaction(ctx context.Context, userID int64, orderID *int64, reason string) (bool, error) {
	var ok bool
	if err := r.db.q(ctx).QueryRow(ctx, hasTransactionSQL, userID, orderID, reason).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking loyalty transaction of user %d: %w", userID, err)
	}
	return ok, nil
}

// InsertTransaction appends to the log. A duplicate (user, order, reason)
// posting is a conflict.
func (r *LoyaltyRepository) InsertTransaction(ctx context.Context, t *loyalty.Transaction) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertTransactionSQL,
		t.UserID, t.OrderID, t.Points, string(t.Kind), t.Reason,
	).Scan(&id, &t.CreatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return 0, apperr.Conflict("points already posted for %q", t.Reason)
		}
		if foreignKeyViolation(err) {
			return 0, loyalty.ErrUserNotFound
		}
		return 0, fmt.Errorf("inserting loyalty transaction of user %d: %w", t.UserID, err)
	}
	return id, nil
}

func (r *LoyaltyRepository) SumForOrder(ctx context.Context, userID, orderID int64, kind loyalty.Kind) (int64, error) {
	return r.sum(ctx, sumForOrderSQL, userID, orderID, string(kind))
}

func (r *LoyaltyRepository) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	return r.sum(ctx, sumTransactionsSQL, userID)
}

func (r *LoyaltyRepository) sum(ctx context.Context, sql string, userID int64, args ...any) (int64, error) {
	var n int64
	if err := r.db.q(ctx).QueryRow(ctx, sql, append([]any{userID}, args...)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("summing points of user %d: %w", userID, err)
	}
	return n, nil
}

func (r *LoyaltyRepository) ListTransactions(ctx context.Context, userID int64, limit int) ([]loyalty.Transaction, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.db.q(ctx).Query(ctx, listTransactionsSQL, userID, lim)
	if err != nil {
		return nil, fmt.Errorf("listing loyalty transactions of user %d: %w", userID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (loyalty.Transaction, error) {
		var (
			t    loyalty.Transaction
			kind string
		)
		err := row.Scan(&t.ID, &t.UserID, &t.OrderID, &t.Points, &kind, &t.Reason, &t.CreatedAt)
		t.Kind = loyalty.Kind(kind)
		return t, err
	})
}

// CreateUser returns the id of the user with email, creating it with a zero
// balance when missing. Starting points go through loyalty.Ledger.OpenBalance.
func (r *LoyaltyRepository) CreateUser(ctx context.Context, email string) (int64, error) {
	var id int64
	if err := r.db.q(ctx).QueryRow(ctx, insertUserSQL, email).Scan(&id); err != nil {
		return 0, fmt.Errorf("creating user %s: %w", email, err)
	}
	return id, nil
}

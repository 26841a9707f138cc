package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/internal/domain/refund"
)

const (
	requestColumns = `id, order_id, user_id, flow, status, requested_amount, approved_amount, reason,
		includes_shipping, admin_note, failure_message, created_at, updated_at`

	insertRequestSQL = `INSERT INTO refund_requests (order_id, user_id, flow, status, requested_amount,
		approved_amount, reason, includes_shipping, admin_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`

	insertRequestItemSQL = `INSERT INTO refund_request_items (request_id, order_item_id, quantity, unit_price,
		line_refund_amount) VALUES ($1, $2, $3, $4, $5) RETURNING id`

	getRequestSQL  = `SELECT ` + requestColumns + ` FROM refund_requests WHERE id = $1`
	lockRequestSQL = getRequestSQL + ` FOR UPDATE`

	requestItemsSQL = `SELECT id, request_id, order_item_id, quantity, unit_price, line_refund_amount
		FROM refund_request_items WHERE request_id = $1 ORDER BY id`

	requestsByOrderSQL = `SELECT ` + requestColumns + ` FROM refund_requests WHERE order_id = $1 ORDER BY id DESC`

	hasPendingSQL = `SELECT EXISTS (SELECT 1 FROM refund_requests
		WHERE order_id = $1 AND status IN ('pending', 'processing'))`

	refundedQuantitiesSQL = `SELECT i.order_item_id, SUM(i.quantity)
		FROM refund_request_items i JOIN refund_requests r ON r.id = i.request_id
		WHERE r.order_id = $1 AND r.status IN ('approved', 'processing', 'completed')
		GROUP BY i.order_item_id`

	// Empty amount and notes keep the stored value.
	updateRequestSQL = `UPDATE refund_requests SET status = $2,
		approved_amount = CASE WHEN $3::numeric = 0 THEN approved_amount ELSE $3 END,
		admin_note = COALESCE(NULLIF($4, ''), admin_note),
		failure_message = COALESCE(NULLIF($5, ''), failure_message),
		updated_at = NOW()
		WHERE id = $1`

	insertPostingSQL = `INSERT INTO refund_postings (request_id, order_id, amount, currency, provider, gateway_ref)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	postingsByOrderSQL = `SELECT id, request_id, order_id, amount, currency, provider, gateway_ref, created_at
		FROM refund_postings WHERE order_id = $1 ORDER BY id`

	returnColumns = `id, order_id, user_id, kind, status, reason, created_at, updated_at`

	insertReturnSQL = `INSERT INTO return_requests (order_id, user_id, kind, status, reason)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`

	insertReturnItemSQL = `INSERT INTO return_items (return_id, order_item_id, quantity, exchange_variant_id)
		VALUES ($1, $2, $3, $4) RETURNING id`

	getReturnSQL  = `SELECT ` + returnColumns + ` FROM return_requests WHERE id = $1`
	lockReturnSQL = getReturnSQL + ` FOR UPDATE`

	returnItemsSQL = `SELECT id, return_id, order_item_id, quantity, exchange_variant_id
		FROM return_items WHERE return_id = $1 ORDER BY id`

	returnsByOrderSQL = `SELECT ` + returnColumns + ` FROM return_requests WHERE order_id = $1 ORDER BY id DESC`

	hasOpenReturnSQL = `SELECT EXISTS (SELECT 1 FROM return_requests
		WHERE order_id = $1 AND status NOT IN ('completed', 'rejected', 'failed'))`

	updateReturnStatusSQL = `UPDATE return_requests SET status = $2, updated_at = NOW() WHERE id = $1`

	insertNoteSQL = `INSERT INTO return_notes (return_id, author, body) VALUES ($1, $2, $3) RETURNING id, created_at`

	notesSQL = `SELECT id, return_id, author, body, created_at FROM return_notes WHERE return_id = $1 ORDER BY id`
)

var (
	_ refund.Repository       = (*RefundRepository)(nil)
	_ refund.ReturnRepository = (*RefundRepository)(nil)
)

// RefundRepository implements refund.Repository and refund.ReturnRepository
// backed by PostgreSQL.
type RefundRepository struct {
	db *DB
}

// NewRefundRepository returns a RefundRepository.
func NewRefundRepository(db *DB) *RefundRepository {
	return &RefundRepository{db: db}
}

func (r *RefundRepository) InsertRequest(ctx context.Context, req *refund.Request) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertRequestSQL,
		req.OrderID, req.UserID, string(req.Flow), string(req.Status),
		req.RequestedAmount.Decimal(), req.ApprovedAmount.Decimal(), req.Reason,
		req.IncludesShipping, req.AdminNote,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting refund request for order %d: %w", req.OrderID, err)
	}
	return id, nil
}

func (r *RefundRepository) InsertRequestItem(ctx context.Context, it *refund.RequestItem) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertRequestItemSQL,
		it.RequestID, it.OrderItemID, it.Quantity, it.UnitPrice.Decimal(), it.LineRefundAmount.Decimal(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting item of refund request %d: %w", it.RequestID, err)
	}
	return id, nil
}

func (r *RefundRepository) GetRequest(ctx context.Context, id int64) (*refund.Request, error) {
	return r.request(ctx, getRequestSQL, id)
}

// LockRequest locks the request row until the transaction ends.
func (r *RefundRepository) LockRequest(ctx context.Context, id int64) (*refund.Request, error) {
	return r.request(ctx, lockRequestSQL, id)
}

func (r *RefundRepository) request(ctx context.Context, sql string, id int64) (*refund.Request, error) {
	rows, err := r.db.q(ctx).Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting refund request %d: %w", id, err)
	}
	req, err := pgx.CollectExactlyOneRow(rows, scanRequest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, refund.ErrRequestNotFound
		}
		return nil, fmt.Errorf("getting refund request %d: %w", id, err)
	}
	return &req, nil
}

func (r *RefundRepository) RequestItems(ctx context.Context, requestID int64) ([]refund.RequestItem, error) {
	rows, err := r.db.q(ctx).Query(ctx, requestItemsSQL, requestID)
	if err != nil {
		return nil, fmt.Errorf("getting items of refund request %d: %w", requestID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (refund.RequestItem, error) {
		var (
			it         refund.RequestItem
			unit, line decimal.Decimal
		)
		err := row.Scan(&it.ID, &it.RequestID, &it.OrderItemID, &it.Quantity, &unit, &line)
		it.UnitPrice = toMoney(unit)
		it.LineRefundAmount = toMoney(line)
		return it, err
	})
}

func (r *RefundRepository) ListByOrder(ctx context.Context, orderID int64) ([]refund.Request, error) {
	rows, err := r.db.q(ctx).Query(ctx, requestsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing refund requests of order %d: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanRequest)
}

func (r *RefundRepository) HasPending(ctx context.Context, orderID int64) (bool, error) {
	return r.exists(ctx, hasPendingSQL, orderID)
}

func (r *RefundRepository) RefundedQuantities(ctx context.Context, orderID int64) (map[int64]int, error) {
	rows, err := r.db.q(ctx).Query(ctx, refundedQuantitiesSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("summing refunded quantities of order %d: %w", orderID, err)
	}
	out := make(map[int64]int)
	var (
		itemID int64
		qty    int
	)
	if _, err := pgx.ForEachRow(rows, []any{&itemID, &qty}, func() error {
		out[itemID] = qty
		return nil
	}); err != nil {
		return nil, fmt.Errorf("summing refunded quantities of order %d: %w", orderID, err)
	}
	return out, nil
}

func (r *RefundRepository) UpdateStatus(ctx context.Context, id int64, upd refund.StatusUpdate) error {
	tag, err := r.db.q(ctx).Exec(ctx, updateRequestSQL,
		id, string(upd.Status), upd.ApprovedAmount.Decimal(), upd.AdminNote, upd.FailureMessage)
	if err != nil {
		return fmt.Errorf("updating refund request %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return refund.ErrRequestNotFound
	}
	return nil
}

func (r *RefundRepository) InsertPosting(ctx context.Context, p *refund.Posting) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertPostingSQL,
		p.RequestID, p.OrderID, p.Amount.Decimal(), p.Currency, string(p.Provider), p.GatewayRef,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting refund posting for order %d: %w", p.OrderID, err)
	}
	return id, nil
}

func (r *RefundRepository) PostingsByOrder(ctx context.Context, orderID int64) ([]refund.Posting, error) {
	rows, err := r.db.q(ctx).Query(ctx, postingsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing refund postings of order %d: %w", orderID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (refund.Posting, error) {
		var (
			p        refund.Posting
			amount   decimal.Decimal
			provider string
		)
		err := row.Scan(&p.ID, &p.RequestID, &p.OrderID, &amount, &p.Currency, &provider, &p.GatewayRef, &p.CreatedAt)
		p.Amount = toMoney(amount)
		p.Provider = order.PaymentMethod(provider)
		return p, err
	})
}

func (r *RefundRepository) InsertReturn(ctx context.Context, ret *refund.Return) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertReturnSQL,
		ret.OrderID, ret.UserID, string(ret.Kind), string(ret.Status), ret.Reason,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting return for order %d: %w", ret.OrderID, err)
	}
	return id, nil
}

func (r *RefundRepository) InsertReturnItem(ctx context.Context, it *refund.ReturnItem) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertReturnItemSQL,
		it.ReturnID, it.OrderItemID, it.Quantity, it.ExchangeVariantID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting item of return %d: %w", it.ReturnID, err)
	}
	return id, nil
}

func (r *RefundRepository) GetReturn(ctx context.Context, id int64) (*refund.Return, error) {
	return r.ret(ctx, getReturnSQL, id)
}

// LockReturn locks the return row until the transaction ends.
func (r *RefundRepository) LockReturn(ctx context.Context, id int64) (*refund.Return, error) {
	return r.ret(ctx, lockReturnSQL, id)
}

func (r *RefundRepository) ret(ctx context.Context, sql string, id int64) (*refund.Return, error) {
	rows, err := r.db.q(ctx).Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting return %d: %w", id, err)
	}
	ret, err := pgx.CollectExactlyOneRow(rows, scanReturn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, refund.ErrReturnNotFound
		}
		return nil, fmt.Errorf("getting return %d: %w", id, err)
	}
	return &ret, nil
}

func (r *RefundRepository) ReturnItems(ctx context.Context, returnID int64) ([]refund.ReturnItem, error) {
	rows, err := r.db.q(ctx).Query(ctx, returnItemsSQL, returnID)
	if err != nil {
		return nil, fmt.Errorf("getting items of return %d: %w", returnID, err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[refund.ReturnItem])
}

func (r *RefundRepository) ListReturnsByOrder(ctx context.Context, orderID int64) ([]refund.Return, error) {
	rows, err := r.db.q(ctx).Query(ctx, returnsByOrderSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing returns of order %d: %w", orderID, err)
	}
	return pgx.CollectRows(rows, scanReturn)
}

func (r *RefundRepository) HasOpenReturn(ctx context.Context, orderID int64) (bool, error) {
	return r.exists(ctx, hasOpenReturnSQL, orderID)
}

func (r *RefundRepository) UpdateReturnStatus(ctx context.Context, id int64, status refund.Status) error {
	tag, err := r.db.q(ctx).Exec(ctx, updateReturnStatusSQL, id, string(status))
	if err != nil {
		return fmt.Errorf("updating return %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return refund.ErrReturnNotFound
	}
	return nil
}

func (r *RefundRepository) InsertNote(ctx context.Context, n *refund.Note) (int64, error) {
	var id int64
	err := r.db.q(ctx).QueryRow(ctx, insertNoteSQL, n.ReturnID, n.Author, n.Body).Scan(&id, &n.CreatedAt)
	if err != nil {
		if foreignKeyViolation(err) {
			return 0, refund.ErrReturnNotFound
		}
		return 0, fmt.Errorf("inserting note on return %d: %w", n.ReturnID, err)
	}
	return id, nil
}

func (r *RefundRepository) Notes(ctx context.Context, returnID int64) ([]refund.Note, error) {
	rows, err := r.db.q(ctx).Query(ctx, notesSQL, returnID)
	if err != nil {
		return nil, fmt.Errorf("getting notes of return %d: %w", returnID, err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[refund.Note])
}

func (r *RefundRepository) exists(ctx context.Context, sql string, orderID int64) (bool, error) {
	var ok bool
	if err := r.db.q(ctx).QueryRow(ctx, sql, orderID).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking open requests of order %d: %w", orderID, err)
	}
	return ok, nil
}

func scanRequest(row pgx.CollectableRow) (refund.Request, error) {
	var (
		req                 refund.Request
		flow, status        string
		requested, approved decimal.Decimal
	)
	err := row.Scan(&req.ID, &req.OrderID, &req.UserID, &flow, &status, &requested, &approved, &req.Reason,
		&req.IncludesShipping, &req.AdminNote, &req.FailureMessage, &req.CreatedAt, &req.UpdatedAt)
	req.Flow = refund.Flow(flow)
	req.Status = refund.Status(status)
	req.RequestedAmount = toMoney(requested)
	req.ApprovedAmount = toMoney(approved)
	return req, err
}

func scanReturn(row pgx.CollectableRow) (refund.Return, error) {
	var (
		ret          refund.Return
		kind, status string
	)
	err := row.Scan(&ret.ID, &ret.OrderID, &ret.UserID, &kind, &status, &ret.Reason, &ret.CreatedAt, &ret.UpdatedAt)
	ret.Kind = refund.ReturnKind(kind)
	ret.Status = refund.Status(status)
	return ret, err
}

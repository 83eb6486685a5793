package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
)

const orderColumns = `internal_id, order_id, user_id, items, original_amount, discount_amount, amount,
	currency, status, payment_key, status_reason, created_at, updated_at, paid_at, cancelled_at, refunded_at`

func scanOrder(row rowScanner) (*d.Order, error) {
	var (
		o          d.Order
		itemsJSON  []byte
		paymentKey sql.NullString
		paidAt     sql.NullTime
		cancelled  sql.NullTime
		refunded   sql.NullTime
	)
	err := row.Scan(
		&o.InternalID,
		&o.OrderID,
		&o.UserID,
		&itemsJSON,
		&o.OriginalAmount,
		&o.DiscountAmount,
		&o.Amount,
		&o.Currency,
		&o.Status,
		&paymentKey,
		&o.StatusReason,
		&o.CreatedAt,
		&o.UpdatedAt,
		&paidAt,
		&cancelled,
		&refunded,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	if paymentKey.Valid {
		o.PaymentKey = &paymentKey.String
	}
	o.PaidAt = nullTime(paidAt)
	o.CancelledAt = nullTime(cancelled)
	o.RefundedAt = nullTime(refunded)
	return &o, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *Repository) CreateOrder(ctx context.Context, order *d.Order) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}

	query := `INSERT INTO orders (order_id, user_id, checkout_key, items, original_amount, discount_amount, amount,
	                              currency, status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	          RETURNING internal_id`

	err = r.db.QueryRowContext(ctx, query,
		order.OrderID,
		order.UserID,
		d.CheckoutKey(order.UserID, order.CourseIDs()),
		string(itemsJSON),
		order.OriginalAmount,
		order.DiscountAmount,
		order.Amount,
		order.Currency,
		order.Status,
		order.CreatedAt,
	).Scan(&order.InternalID)
	if err != nil {
		if isUniqueViolation(err, "idx_orders_pending_checkout") {
			return d.ErrDuplicatePendingOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *Repository) GetOrder(ctx context.Context, orderID string) (*d.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, d.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order %s: %w", orderID, err)
	}
	return o, nil
}

// FindPendingOrder returns the open order for the same user and course set.
func (r *Repository) FindPendingOrder(ctx context.Context, userID string, courseIDs []int64) (*d.Order, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE checkout_key = $1 AND status = 'PENDING'`,
		d.CheckoutKey(userID, courseIDs))
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, d.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pending order: %w", err)
	}
	return o, nil
}

// CancelOrder moves a PENDING order to CANCELLED. It takes the same row lock
// as BeginPaymentAttempt, so a cancel can never slip in while a confirmation
// is talking to the gateway. An empty userID skips the ownership check.
func (r *Repository) CancelOrder(ctx context.Context, orderID, userID, reason string, at time.Time) (*d.Order, error) {
	var out *d.Order
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		status, owner, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if userID != "" && owner != userID {
			return d.ErrOrderNotFound
		}
		if !status.CanTransitionTo(d.OrderStatusCancelled) {
			return d.ErrInvalidStateTransition.WithMessage(
				fmt.Sprintf("order %s is %s and cannot be cancelled", orderID, status))
		}

		var inFlight bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_attempts WHERE order_id = $1 AND status = 'CONFIRMING')`,
			orderID).Scan(&inFlight)
		if err != nil {
			return fmt.Errorf("check in-flight confirmation: %w", err)
		}
		if inFlight {
			return d.ErrConfirmationInFlight
		}

		row := tx.QueryRowContext(ctx,
			`UPDATE orders SET status = 'CANCELLED', status_reason = $2, cancelled_at = $3, updated_at = $3
			 WHERE order_id = $1 AND status = 'PENDING'
			 RETURNING `+orderColumns,
			orderID, reason, at)
		out, err = scanOrder(row)
		if err != nil {
			return fmt.Errorf("cancel order %s: %w", orderID, err)
		}
		return nil
	})
	return out, err
}

// MarkRefunded applies PAID -> REFUNDED together with the payment
// cancellation, enrollment revocation and the outbox event.
func (r *Repository) MarkRefunded(ctx context.Context, orderID, reason string, at time.Time) (*d.Order, error) {
	var out *d.Order
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		status, _, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !status.CanTransitionTo(d.OrderStatusRefunded) {
			return d.ErrInvalidStateTransition.WithMessage(
				fmt.Sprintf("order %s is %s and cannot be refunded", orderID, status))
		}

		row := tx.QueryRowContext(ctx,
			`UPDATE orders SET status = 'REFUNDED', status_reason = $2, refunded_at = $3, updated_at = $3
			 WHERE order_id = $1 AND status = 'PAID'
			 RETURNING `+orderColumns,
			orderID, reason, at)
		o, err := scanOrder(row)
		if err != nil {
			return fmt.Errorf("refund order %s: %w", orderID, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE payments SET status = 'CANCELED', canceled_at = $2 WHERE order_id = $1`,
			orderID, at); err != nil {
			return fmt.Errorf("cancel payment: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE enrollments SET status = 'REVOKED', revoked_at = $2 WHERE order_id = $1 AND status = 'ACTIVE'`,
			orderID, at); err != nil {
			return fmt.Errorf("revoke enrollments: %w", err)
		}

		ev := d.OrderRefundedEvent{
			OrderID:    o.OrderID,
			UserID:     o.UserID,
			CourseIDs:  o.CourseIDs(),
			Amount:     o.Amount,
			Reason:     reason,
			RefundedAt: at,
		}
		if o.PaymentKey != nil {
			ev.PaymentKey = *o.PaymentKey
		}
		if err := insertOutboxEvent(ctx, tx, o.OrderID, d.EventOrderRefunded, ev); err != nil {
			return err
		}

		out = o
		return nil
	})
	return out, err
}

func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (d.OrderStatus, string, error) {
	var (
		status d.OrderStatus
		owner  string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT status, user_id FROM orders WHERE order_id = $1 FOR UPDATE`, orderID).Scan(&status, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", d.ErrOrderNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("lock order %s: %w", orderID, err)
	}
	return status, owner, nil
}

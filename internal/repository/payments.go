package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
)

const paymentColumns = `payment_key, order_id, method, amount, status, requested_at, approved_at, raw_payload, created_at, canceled_at`

func scanPayment(row rowScanner) (*d.Payment, error) {
	var (
		p        d.Payment
		raw      []byte
		canceled sql.NullTime
	)
	err := row.Scan(&p.PaymentKey, &p.OrderID, &p.Method, &p.Amount, &p.Status,
		&p.RequestedAt, &p.ApprovedAt, &raw, &p.CreatedAt, &canceled)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		p.RawPayload = raw
	}
	p.CanceledAt = nullTime(canceled)
	return &p, nil
}

func (r *Repository) GetPaymentByKey(ctx context.Context, paymentKey string) (*d.Payment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_key = $1`, paymentKey)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, d.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

// BeginPaymentAttempt journals a confirmation before the gateway is called.
// It locks the order row, so it serializes with CancelOrder.
func (r *Repository) BeginPaymentAttempt(ctx context.Context, a *d.PaymentAttempt) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		status, _, err := lockOrder(ctx, tx, a.OrderID)
		if err != nil {
			return err
		}
		if status != d.OrderStatusPending {
			return d.ErrInvalidStateTransition.WithMessage(
				fmt.Sprintf("order %s is %s, payment cannot be confirmed", a.OrderID, status))
		}

		var other string
		err = tx.QueryRowContext(ctx,
			`SELECT payment_key FROM payment_attempts
			 WHERE order_id = $1 AND status = 'CONFIRMING' AND payment_key <> $2
			 LIMIT 1`, a.OrderID, a.PaymentKey).Scan(&other)
		switch {
		case err == nil:
			return d.ErrConfirmationInFlight
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check concurrent attempts: %w", err)
		}

		var orderID string
		err = tx.QueryRowContext(ctx,
			`INSERT INTO payment_attempts (payment_key, order_id, amount, status, last_error, created_at, updated_at)
			 VALUES ($1, $2, $3, 'CONFIRMING', '', $4, $4)
			 ON CONFLICT (payment_key) DO UPDATE
			     SET status = 'CONFIRMING', amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
			     WHERE payment_attempts.order_id = EXCLUDED.order_id
			 RETURNING order_id`,
			a.PaymentKey, a.OrderID, a.Amount, a.UpdatedAt).Scan(&orderID)
		if errors.Is(err, sql.ErrNoRows) {
			// the key exists but belongs to another order
			return d.ErrPaymentKeyReused
		}
		if err != nil {
			return fmt.Errorf("upsert payment attempt: %w", err)
		}
		return nil
	})
}

func (r *Repository) UpdatePaymentAttempt(ctx context.Context, paymentKey string, status d.AttemptStatus, lastError string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payment_attempts SET status = $2, last_error = $3, updated_at = $4 WHERE payment_key = $1`,
		paymentKey, status, lastError, at)
	if err != nil {
		return fmt.Errorf("update payment attempt: %w", err)
	}
	return nil
}

// RecordPayment inserts the payment and moves its order PENDING -> PAID in
// one transaction. The payment_key primary key decides which of two
// concurrent confirmations wins; the loser gets ErrPaymentAlreadyRecorded.
func (r *Repository) RecordPayment(ctx context.Context, p *d.Payment, at time.Time) (*d.Order, error) {
	var out *d.Order
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var raw any
		if len(p.RawPayload) > 0 {
			raw = string(p.RawPayload)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO payments (payment_key, order_id, method, amount, status, requested_at, approved_at, raw_payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (payment_key) DO NOTHING`,
			p.PaymentKey, p.OrderID, p.Method, p.Amount, p.Status, p.RequestedAt, p.ApprovedAt, raw, at)
		if err != nil {
			if isUniqueViolation(err, "payments_order_id_key") {
				return d.ErrInvalidStateTransition.WithMessage(
					fmt.Sprintf("order %s already has a payment", p.OrderID))
			}
			return fmt.Errorf("insert payment: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("insert payment rows affected: %w", err)
		} else if n == 0 {
			return d.ErrPaymentAlreadyRecorded
		}

		row := tx.QueryRowContext(ctx,
			`UPDATE orders SET status = 'PAID', payment_key = $2, paid_at = $3, updated_at = $3
			 WHERE order_id = $1 AND status = 'PENDING' AND amount = $4
			 RETURNING `+orderColumns,
			p.OrderID, p.PaymentKey, at, p.Amount)
		o, err := scanOrder(row)
		if errors.Is(err, sql.ErrNoRows) {
			return d.ErrInvalidStateTransition.WithMessage(
				fmt.Sprintf("order %s is not PENDING at amount %d", p.OrderID, p.Amount))
		}
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE payment_attempts SET status = 'CONFIRMED', last_error = '', updated_at = $2 WHERE payment_key = $1`,
			p.PaymentKey, at); err != nil {
			return fmt.Errorf("close payment attempt: %w", err)
		}

		ev := d.PaymentConfirmedEvent{
			OrderID:    o.OrderID,
			UserID:     o.UserID,
			CourseIDs:  o.CourseIDs(),
			PaymentKey: p.PaymentKey,
			Amount:     p.Amount,
			Currency:   o.Currency,
			PaidAt:     at,
		}
		if err := insertOutboxEvent(ctx, tx, o.OrderID, d.EventPaymentConfirmed, ev); err != nil {
			return err
		}

		out = o
		return nil
	})
	return out, err
}

// ListStaleAttempts returns confirmations still CONFIRMING since before
// `before` that have no payment row.
func (r *Repository) ListStaleAttempts(ctx context.Context, before time.Time, limit int) ([]d.PaymentAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.payment_key, a.order_id, a.amount, a.status, a.last_error, a.created_at, a.updated_at
		 FROM payment_attempts a
		 WHERE a.status = 'CONFIRMING' AND a.updated_at <= $1
		   AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.payment_key = a.payment_key)
		 ORDER BY a.updated_at
		 LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale attempts: %w", err)
	}
	defer rows.Close()

	var out []d.PaymentAttempt
	for rows.Next() {
		var a d.PaymentAttempt
		if err := rows.Scan(&a.PaymentKey, &a.OrderID, &a.Amount, &a.Status, &a.LastError, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/lib/pq"
)

const enrollmentColumns = `id, user_id, course_id, order_id, source, status, enrolled_at, revoked_at`

func scanEnrollment(row rowScanner) (*d.Enrollment, error) {
	var (
		e       d.Enrollment
		orderID sql.NullString
		revoked sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.CourseID, &orderID, &e.Source, &e.Status, &e.EnrolledAt, &revoked); err != nil {
		return nil, err
	}
	if orderID.Valid {
		e.OrderID = &orderID.String
	}
	e.RevokedAt = nullTime(revoked)
	return &e, nil
}

func collectEnrollments(rows *sql.Rows) ([]d.Enrollment, error) {
	defer rows.Close()
	var out []d.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment row: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// ActiveEnrollments returns the user's ACTIVE enrollments among courseIDs,
// keyed by course id.
func (r *Repository) ActiveEnrollments(ctx context.Context, userID string, courseIDs []int64) (map[int64]*d.Enrollment, error) {
	out := make(map[int64]*d.Enrollment, len(courseIDs))
	if len(courseIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE user_id = $1 AND course_id = ANY($2) AND status = 'ACTIVE'`,
		userID, pq.Array(courseIDs))
	if err != nil {
		return nil, fmt.Errorf("query active enrollments: %w", err)
	}
	list, err := collectEnrollments(rows)
	if err != nil {
		return nil, err
	}
	for i := range list {
		out[list[i].CourseID] = &list[i]
	}
	return out, nil
}

func (r *Repository) ListEnrollmentsByOrder(ctx context.Context, orderID string) ([]d.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE order_id = $1 ORDER BY course_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query enrollments by order: %w", err)
	}
	return collectEnrollments(rows)
}

// CreateOrderEnrollments grants every course of a PAID order. Rows already
// linked to the order are kept, so repeating the call is harmless. An
// ACTIVE enrollment for the same course from another source aborts the
// whole transaction with ErrEnrollmentConflict.
func (r *Repository) CreateOrderEnrollments(ctx context.Context, order *d.Order, at time.Time) ([]d.Enrollment, error) {
	var out []d.Enrollment
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var status d.OrderStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM orders WHERE order_id = $1 FOR SHARE`, order.OrderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return d.ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("lock order %s: %w", order.OrderID, err)
		}
		if status != d.OrderStatusPaid {
			return d.ErrInvalidStateTransition.WithMessage(
				fmt.Sprintf("order %s is %s, enrollments require PAID", order.OrderID, status))
		}

		for _, item := range order.Items {
			row := tx.QueryRowContext(ctx,
				`INSERT INTO enrollments (user_id, course_id, order_id, source, status, enrolled_at)
				 VALUES ($1, $2, $3, 'ORDER', 'ACTIVE', $4)
				 ON CONFLICT DO NOTHING
				 RETURNING `+enrollmentColumns,
				order.UserID, item.CourseID, order.OrderID, at)
			e, err := scanEnrollment(row)
			if err == nil {
				out = append(out, *e)
				ev := d.EnrollmentActivatedEvent{
					UserID:     e.UserID,
					CourseID:   e.CourseID,
					OrderID:    e.OrderID,
					Source:     e.Source,
					EnrolledAt: e.EnrolledAt,
				}
				if err := insertOutboxEvent(ctx, tx, order.OrderID, d.EventEnrollmentActivated, ev); err != nil {
					return err
				}
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("insert enrollment for course %d: %w", item.CourseID, err)
			}

			// nothing inserted: either this order already holds the row or
			// another source owns the ACTIVE slot
			existing, err := scanEnrollment(tx.QueryRowContext(ctx,
				`SELECT `+enrollmentColumns+` FROM enrollments WHERE order_id = $1 AND course_id = $2`,
				order.OrderID, item.CourseID))
			if errors.Is(err, sql.ErrNoRows) {
				return d.ErrEnrollmentConflict.WithMessage(
					fmt.Sprintf("user %s already holds an active enrollment for course %d", order.UserID, item.CourseID))
			}
			if err != nil {
				return fmt.Errorf("query existing enrollment: %w", err)
			}
			out = append(out, *existing)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE provisioning_failures SET resolved_at = $2 WHERE order_id = $1 AND resolved_at IS NULL`,
			order.OrderID, at); err != nil {
			return fmt.Errorf("resolve provisioning failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateFreeEnrollment grants a free course. created is false when the
// user already had an ACTIVE enrollment, which is returned instead.
func (r *Repository) CreateFreeEnrollment(ctx context.Context, userID string, courseID int64, at time.Time) (*d.Enrollment, bool, error) {
	var (
		out     *d.Enrollment
		created bool
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		e, err := scanEnrollment(tx.QueryRowContext(ctx,
			`INSERT INTO enrollments (user_id, course_id, source, status, enrolled_at)
			 VALUES ($1, $2, 'FREE', 'ACTIVE', $3)
			 ON CONFLICT DO NOTHING
			 RETURNING `+enrollmentColumns,
			userID, courseID, at))
		if err == nil {
			out, created = e, true
			return insertOutboxEvent(ctx, tx, userID, d.EventEnrollmentActivated, d.EnrollmentActivatedEvent{
				UserID:     e.UserID,
				CourseID:   e.CourseID,
				Source:     e.Source,
				EnrolledAt: e.EnrolledAt,
			})
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("insert free enrollment: %w", err)
		}

		out, err = scanEnrollment(tx.QueryRowContext(ctx,
			`SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = $1 AND course_id = $2 AND status = 'ACTIVE'`,
			userID, courseID))
		if err != nil {
			return fmt.Errorf("query existing enrollment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (r *Repository) RecordProvisioningFailure(ctx context.Context, orderID, cause string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO provisioning_failures (order_id, attempts, last_error, first_failed_at, last_failed_at)
		 VALUES ($1, 1, $2, $3, $3)
		 ON CONFLICT (order_id) DO UPDATE
		     SET attempts = provisioning_failures.attempts + 1,
		         last_error = EXCLUDED.last_error,
		         last_failed_at = EXCLUDED.last_failed_at,
		         resolved_at = NULL`,
		orderID, cause, at)
	if err != nil {
		return fmt.Errorf("record provisioning failure: %w", err)
	}
	return nil
}

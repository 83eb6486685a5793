package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
)

// ListUnprovisionedOrders returns PAID orders paid at or before paidBefore
// that have no enrollment linked to them, oldest first.
func (r *Repository) ListUnprovisionedOrders(ctx context.Context, paidBefore time.Time, limit int) ([]d.UnprovisionedOrder, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT o.order_id, o.user_id, o.paid_at,
		        COALESCE(f.attempts, 0), COALESCE(f.last_error, ''), f.last_failed_at
		 FROM orders o
		 LEFT JOIN provisioning_failures f ON f.order_id = o.order_id AND f.resolved_at IS NULL
		 WHERE o.status = 'PAID'
		   AND o.paid_at <= $1
		   AND NOT EXISTS (SELECT 1 FROM enrollments e WHERE e.order_id = o.order_id)
		 ORDER BY o.paid_at
		 LIMIT $2`, paidBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprovisioned orders: %w", err)
	}
	defer rows.Close()

	var out []d.UnprovisionedOrder
	for rows.Next() {
		var (
			u          d.UnprovisionedOrder
			lastFailed sql.NullTime
		)
		if err := rows.Scan(&u.OrderID, &u.UserID, &u.PaidAt, &u.Attempts, &u.LastError, &lastFailed); err != nil {
			return nil, fmt.Errorf("scan unprovisioned row: %w", err)
		}
		u.LastFailedAt = nullTime(lastFailed)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/lib/pq"
)

const courseColumns = `id, title, original_price, price, is_free, status, updated_at`

func scanCourse(row rowScanner) (*d.Course, error) {
	var c d.Course
	if err := row.Scan(&c.ID, &c.Title, &c.OriginalPrice, &c.Price, &c.IsFree, &c.Status, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) GetCourse(ctx context.Context, courseID int64) (*d.Course, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = $1`, courseID)
	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, d.ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query course %d: %w", courseID, err)
	}
	return c, nil
}

// GetCourses returns the courses that exist; missing ids are simply absent
// from the map.
func (r *Repository) GetCourses(ctx context.Context, courseIDs []int64) (map[int64]*d.Course, error) {
	out := make(map[int64]*d.Course, len(courseIDs))
	if len(courseIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+courseColumns+` FROM courses WHERE id = ANY($1)`, pq.Array(courseIDs))
	if err != nil {
		return nil, fmt.Errorf("query courses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan course row: %w", err)
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

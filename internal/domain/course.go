package domain

import "time"

type CourseStatus string

const (
	CourseStatusPublished CourseStatus = "PUBLISHED"
	CourseStatusDraft     CourseStatus = "DRAFT"
	CourseStatusArchived  CourseStatus = "ARCHIVED"
)

// Course is the catalog view of a course. Price is the live sale price,
// OriginalPrice the list price before the catalog discount.
type Course struct {
	ID            int64        `json:"id"`
	Title         string       `json:"title"`
	OriginalPrice int64        `json:"original_price"`
	Price         int64        `json:"price"`
	IsFree        bool         `json:"is_free"`
	Status        CourseStatus `json:"status"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (c *Course) IsPublished() bool {
	return c.Status == CourseStatusPublished
}

// Discount never goes negative even if the catalog has a sale price above list.
func (c *Course) Discount() int64 {
	if c.OriginalPrice <= c.Price {
		return 0
	}
	return c.OriginalPrice - c.Price
}

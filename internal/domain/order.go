package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultCurrency = "KRW"

type OrderItem struct {
	CourseID      int64  `json:"course_id"`
	Title         string `json:"title"`
	OriginalPrice int64  `json:"original_price"`
	Price         int64  `json:"price"`
}

type Order struct {
	InternalID     int64       `json:"-"`
	OrderID        string      `json:"order_id"`
	UserID         string      `json:"user_id"`
	Items          []OrderItem `json:"items"`
	OriginalAmount int64       `json:"original_amount"`
	DiscountAmount int64       `json:"discount_amount"`
	Amount         int64       `json:"amount"`
	Currency       string      `json:"currency"`
	Status         OrderStatus `json:"status"`
	PaymentKey     *string     `json:"payment_key,omitempty"`
	StatusReason   string      `json:"status_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	PaidAt         *time.Time  `json:"paid_at,omitempty"`
	CancelledAt    *time.Time  `json:"cancelled_at,omitempty"`
	RefundedAt     *time.Time  `json:"refunded_at,omitempty"`
}

// NewOrder builds a PENDING order priced from the given catalog entries.
func NewOrder(orderID, userID string, courses []*Course, now time.Time) (*Order, error) {
	if len(courses) == 0 {
		return nil, ErrEmptyCart
	}

	o := &Order{
		OrderID:   orderID,
		UserID:    userID,
		Currency:  DefaultCurrency,
		Status:    OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, c := range courses {
		if c.IsFree || c.Price == 0 {
			return nil, ErrCourseIsFree.WithMessage(fmt.Sprintf("course %d is free and must be enrolled without payment", c.ID))
		}
		original := c.OriginalPrice
		if original < c.Price {
			original = c.Price
		}
		o.Items = append(o.Items, OrderItem{
			CourseID:      c.ID,
			Title:         c.Title,
			OriginalPrice: original,
			Price:         c.Price,
		})
		o.OriginalAmount += original
		o.Amount += c.Price
	}
	o.DiscountAmount = o.OriginalAmount - o.Amount

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the amount invariant and the status value.
func (o *Order) Validate() error {
	if o.OrderID == "" || o.UserID == "" {
		return ErrInvalidRequest.WithMessage("order requires order_id and user_id")
	}
	if !o.Status.IsValid() {
		return ErrInvalidRequest.WithMessage(fmt.Sprintf("unknown order status %q", o.Status))
	}
	if o.Amount <= 0 || o.DiscountAmount < 0 {
		return ErrInvalidRequest.WithMessage("order amounts must be positive")
	}
	if o.Amount != o.OriginalAmount-o.DiscountAmount {
		return ErrAmountMismatch.WithMessage(fmt.Sprintf(
			"order amount %d != original %d - discount %d", o.Amount, o.OriginalAmount, o.DiscountAmount))
	}
	return nil
}

func (o *Order) CourseIDs() []int64 {
	ids := make([]int64, 0, len(o.Items))
	for _, it := range o.Items {
		ids = append(ids, it.CourseID)
	}
	return ids
}

func (o *Order) HasCourse(courseID int64) bool {
	for _, it := range o.Items {
		if it.CourseID == courseID {
			return true
		}
	}
	return false
}

// CheckoutKey identifies "the same checkout": one user buying one set of
// courses. Storage allows a single PENDING order per key.
func CheckoutKey(userID string, courseIDs []int64) string {
	ids := append([]int64(nil), courseIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return userID + ":" + strings.Join(parts, ",")
}

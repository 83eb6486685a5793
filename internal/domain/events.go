package domain

import "time"

const (
	EventPaymentConfirmed    = "payment.confirmed"
	EventOrderRefunded       = "order.refunded"
	EventEnrollmentActivated = "enrollment.activated"
)

type PaymentConfirmedEvent struct {
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	CourseIDs  []int64   `json:"course_ids"`
	PaymentKey string    `json:"payment_key"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	PaidAt     time.Time `json:"paid_at"`
}

type OrderRefundedEvent struct {
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	CourseIDs  []int64   `json:"course_ids"`
	PaymentKey string    `json:"payment_key"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason"`
	RefundedAt time.Time `json:"refunded_at"`
}

type EnrollmentActivatedEvent struct {
	UserID     string           `json:"user_id"`
	CourseID   int64            `json:"course_id"`
	OrderID    *string          `json:"order_id,omitempty"`
	Source     EnrollmentSource `json:"source"`
	EnrolledAt time.Time        `json:"enrolled_at"`
}

package domain

import "time"

type EnrollmentStatus string

const (
	EnrollmentStatusActive  EnrollmentStatus = "ACTIVE"
	EnrollmentStatusRevoked EnrollmentStatus = "REVOKED"
)

type EnrollmentSource string

const (
	EnrollmentSourceOrder EnrollmentSource = "ORDER"
	EnrollmentSourceFree  EnrollmentSource = "FREE"
)

type Enrollment struct {
	ID         int64            `json:"id"`
	UserID     string           `json:"user_id"`
	CourseID   int64            `json:"course_id"`
	OrderID    *string          `json:"order_id,omitempty"`
	Source     EnrollmentSource `json:"source"`
	Status     EnrollmentStatus `json:"status"`
	EnrolledAt time.Time        `json:"enrolled_at"`
	RevokedAt  *time.Time       `json:"revoked_at,omitempty"`
}

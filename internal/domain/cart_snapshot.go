package domain

// CartSnapshot is what the client believes it is buying: the course ids it
// shows and the price it displayed for each. It is never persisted.
type CartSnapshot struct {
	UserID string             `json:"user_id"`
	Items  []CartSnapshotItem `json:"items"`
}

type CartSnapshotItem struct {
	CourseID int64 `json:"course_id"`
	Price    int64 `json:"price"`
}

type InvalidReason string

const (
	InvalidReasonUnavailable     InvalidReason = "COURSE_UNAVAILABLE"
	InvalidReasonAlreadyEnrolled InvalidReason = "ALREADY_ENROLLED"
	InvalidReasonPriceChanged    InvalidReason = "PRICE_CHANGED"
)

type InvalidItem struct {
	CourseID     int64         `json:"course_id"`
	Reason       InvalidReason `json:"reason"`
	CartPrice    int64         `json:"cart_price"`
	CurrentPrice *int64        `json:"current_price,omitempty"`
}

type ValidationResult struct {
	IsValid      bool          `json:"is_valid"`
	InvalidItems []InvalidItem `json:"invalid_items"`
	Message      string        `json:"message"`
}

package domain

import "time"

type CartItem struct {
	ID       string    `json:"id" bson:"_id"`
	UserID   string    `json:"user_id" bson:"user_id"`
	CourseID int64     `json:"course_id" bson:"course_id"`
	AddedAt  time.Time `json:"added_at" bson:"added_at"`
}

// CartLine is a cart item joined with the live catalog entry.
type CartLine struct {
	CartItemID    string    `json:"cart_item_id"`
	CourseID      int64     `json:"course_id"`
	Title         string    `json:"title"`
	OriginalPrice int64     `json:"original_price"`
	Price         int64     `json:"price"`
	Available     bool      `json:"available"`
	AddedAt       time.Time `json:"added_at"`
}

type CartSummary struct {
	ItemCount   int   `json:"item_count"`
	TotalAmount int64 `json:"total_amount"`
}

type CartView struct {
	UserID  string      `json:"user_id"`
	Items   []CartLine  `json:"items"`
	Summary CartSummary `json:"summary"`
}

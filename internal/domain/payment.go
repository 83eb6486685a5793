package domain

import (
	"encoding/json"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusDone     PaymentStatus = "DONE"
	PaymentStatusCanceled PaymentStatus = "CANCELED"
)

type Payment struct {
	PaymentKey  string          `json:"payment_key"`
	OrderID     string          `json:"order_id"`
	Method      string          `json:"method"`
	Amount      int64           `json:"amount"`
	Status      PaymentStatus   `json:"status"`
	RequestedAt time.Time       `json:"requested_at"`
	ApprovedAt  time.Time       `json:"approved_at"`
	RawPayload  json.RawMessage `json:"raw_gateway_payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CanceledAt  *time.Time      `json:"canceled_at,omitempty"`
}

type AttemptStatus string

const (
	AttemptStatusConfirming AttemptStatus = "CONFIRMING"
	AttemptStatusConfirmed  AttemptStatus = "CONFIRMED"
	AttemptStatusRejected   AttemptStatus = "REJECTED"
	AttemptStatusMismatch   AttemptStatus = "MISMATCH"
	AttemptStatusAbandoned  AttemptStatus = "ABANDONED"
)

// PaymentAttempt journals a confirmation before the gateway is called, so a
// key the gateway accepted but we never recorded can be found later.
type PaymentAttempt struct {
	PaymentKey string        `json:"payment_key"`
	OrderID    string        `json:"order_id"`
	Amount     int64         `json:"amount"`
	Status     AttemptStatus `json:"status"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

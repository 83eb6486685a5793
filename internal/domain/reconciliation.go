package domain

import "time"

// UnprovisionedOrder is a PAID order that has no enrollment linked to it.
type UnprovisionedOrder struct {
	OrderID              string     `json:"order_id"`
	UserID               string     `json:"user_id"`
	PaidAt               time.Time  `json:"paid_at"`
	MinutesUnprovisioned int64      `json:"minutes_unprovisioned"`
	Attempts             int        `json:"attempts"`
	LastError            string     `json:"last_error,omitempty"`
	LastFailedAt         *time.Time `json:"last_failed_at,omitempty"`
}

// UnrecordedConfirmation is a payment key sent to the gateway whose outcome
// was never written locally.
type UnrecordedConfirmation struct {
	PaymentKey     string    `json:"payment_key"`
	OrderID        string    `json:"order_id"`
	Amount         int64     `json:"amount"`
	StartedAt      time.Time `json:"started_at"`
	MinutesPending int64     `json:"minutes_pending"`
	LastError      string    `json:"last_error,omitempty"`
}

type ReconcileOutcome string

const (
	OutcomeProvisioned ReconcileOutcome = "PROVISIONED"
	OutcomeRecorded    ReconcileOutcome = "PAYMENT_RECORDED"
	OutcomeAbandoned   ReconcileOutcome = "ABANDONED"
	OutcomeFailed      ReconcileOutcome = "FAILED"
	OutcomeManual      ReconcileOutcome = "NEEDS_MANUAL_RESOLUTION"
)

type ReconcileItem struct {
	OrderID    string           `json:"order_id"`
	PaymentKey string           `json:"payment_key,omitempty"`
	Outcome    ReconcileOutcome `json:"outcome"`
	Error      string           `json:"error,omitempty"`
}

type ReconcileReport struct {
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Confirmations []ReconcileItem `json:"confirmations"`
	Provisioning  []ReconcileItem `json:"provisioning"`
}

// MinutesSince rounds down, never negative.
func MinutesSince(t, now time.Time) int64 {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return int64(d / time.Minute)
}

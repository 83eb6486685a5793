package http

import (
	"context"
	"net/http"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
)

type CheckoutAPI interface {
	Validate(ctx context.Context, snapshot *d.CartSnapshot) (*d.ValidationResult, error)
}

type CheckoutHandler struct {
	validator CheckoutAPI
	timeout   time.Duration
	maxBody   int64
}

func NewCheckoutHandler(validator CheckoutAPI, timeout time.Duration, maxBody int64) *CheckoutHandler {
	return &CheckoutHandler{validator: validator, timeout: timeout, maxBody: maxBody}
}

type ValidateRequestDTO struct {
	Items []d.CartSnapshotItem `json:"items"`
}

// Validate answers 200 for both valid and invalid carts; only malformed
// input is an error.
func (h *CheckoutHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req ValidateRequestDTO
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		handleError(w, r, err)
		return
	}

	res, err := h.validator.Validate(ctx, &d.CartSnapshot{
		UserID: getUserIDFromContext(ctx),
		Items:  req.Items,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if res.InvalidItems == nil {
		res.InvalidItems = []d.InvalidItem{}
	}
	respondJSON(w, http.StatusOK, res)
}

package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/go-chi/chi/v5"
)

type ReconciliationAPI interface {
	ListUnprovisioned(ctx context.Context, olderThan time.Duration, limit int) ([]d.UnprovisionedOrder, error)
	ListUnrecordedConfirmations(ctx context.Context, olderThan time.Duration, limit int) ([]d.UnrecordedConfirmation, error)
	RetryProvisioning(ctx context.Context, orderID string) ([]d.Enrollment, error)
	Run(ctx context.Context, olderThan time.Duration) (*d.ReconcileReport, error)
}

type ReconciliationHandler struct {
	reconciler       ReconciliationAPI
	defaultOlderThan time.Duration
}

func NewReconciliationHandler(reconciler ReconciliationAPI, defaultOlderThan time.Duration) *ReconciliationHandler {
	return &ReconciliationHandler{reconciler: reconciler, defaultOlderThan: defaultOlderThan}
}

func (h *ReconciliationHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	olderThan, limit, err := h.query(r)
	if err != nil {
		handleError(w, r, err)
		return
	}

	orders, err := h.reconciler.ListUnprovisioned(r.Context(), olderThan, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if orders == nil {
		orders = []d.UnprovisionedOrder{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (h *ReconciliationHandler) ListConfirmations(w http.ResponseWriter, r *http.Request) {
	olderThan, limit, err := h.query(r)
	if err != nil {
		handleError(w, r, err)
		return
	}

	attempts, err := h.reconciler.ListUnrecordedConfirmations(r.Context(), olderThan, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, attempts)
}

func (h *ReconciliationHandler) Provision(w http.ResponseWriter, r *http.Request) {
	enrollments, err := h.reconciler.RetryProvisioning(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, enrollments)
}

func (h *ReconciliationHandler) Run(w http.ResponseWriter, r *http.Request) {
	olderThan, _, err := h.query(r)
	if err != nil {
		handleError(w, r, err)
		return
	}

	report, err := h.reconciler.Run(r.Context(), olderThan)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// query parses older_than_minutes and limit; both are optional.
func (h *ReconciliationHandler) query(r *http.Request) (time.Duration, int, error) {
	olderThan := h.defaultOlderThan
	if raw := r.URL.Query().Get("older_than_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, d.ErrInvalidRequest.WithMessage("older_than_minutes must be an integer")
		}
		olderThan = time.Duration(minutes) * time.Minute
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, d.ErrInvalidRequest.WithMessage("limit must be a non-negative integer")
		}
		limit = n
	}
	return olderThan, limit, nil
}

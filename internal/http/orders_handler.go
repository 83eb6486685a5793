package http

import (
	"context"
	"net/http"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/service"
	"github.com/go-chi/chi/v5"
)

type OrderAPI interface {
	CreateOrder(ctx context.Context, userID string, courseID int64, expectedPrice *int64) (*d.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (*d.Order, error)
	CancelOrder(ctx context.Context, userID, orderID, reason string) (*d.Order, error)
	ConfirmPayment(ctx context.Context, req service.ConfirmPaymentRequest) (*service.ConfirmResult, error)
	RefundOrder(ctx context.Context, orderID, reason string) (*d.Order, error)
}

type OrdersHandler struct {
	orders  OrderAPI
	timeout time.Duration
	maxBody int64
}

func NewOrdersHandler(orders OrderAPI, timeout time.Duration, maxBody int64) *OrdersHandler {
	return &OrdersHandler{orders: orders, timeout: timeout, maxBody: maxBody}
}

type CreateOrderRequestDTO struct {
	CourseID      int64  `json:"course_id"`
	ExpectedPrice *int64 `json:"expected_price,omitempty"`
}

type ReasonRequestDTO struct {
	Reason string `json:"reason"`
}

type ConfirmPaymentRequestDTO struct {
	PaymentKey string `json:"payment_key"`
	OrderID    string `json:"order_id"`
	Amount     int64  `json:"amount"`
}

type ConfirmPaymentResponseDTO struct {
	Success bool `json:"success"`
	*service.ConfirmResult
}

func (h *OrdersHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CreateOrderRequestDTO
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		handleError(w, r, err)
		return
	}
	if req.CourseID <= 0 {
		respondError(w, http.StatusBadRequest, d.ErrInvalidRequest.Code, "course_id must be positive")
		return
	}

	order, err := h.orders.CreateOrder(ctx, getUserIDFromContext(ctx), req.CourseID, req.ExpectedPrice)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	order, err := h.orders.GetOrder(ctx, getUserIDFromContext(ctx), chi.URLParam(r, "order_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *OrdersHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	// the body is optional
	var req ReasonRequestDTO
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
			handleError(w, r, err)
			return
		}
	}

	order, err := h.orders.CancelOrder(ctx, getUserIDFromContext(ctx), chi.URLParam(r, "order_id"), req.Reason)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// ConfirmPayment does not bound the call with the handler timeout: the
// gateway client has its own, and abandoning a capture halfway only
// produces an unknown outcome.
func (h *OrdersHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPaymentRequestDTO
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		handleError(w, r, err)
		return
	}

	res, err := h.orders.ConfirmPayment(r.Context(), service.ConfirmPaymentRequest{
		UserID:     getUserIDFromContext(r.Context()),
		PaymentKey: req.PaymentKey,
		OrderID:    req.OrderID,
		Amount:     req.Amount,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ConfirmPaymentResponseDTO{Success: true, ConfirmResult: res})
}

func (h *OrdersHandler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequestDTO
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		handleError(w, r, err)
		return
	}

	order, err := h.orders.RefundOrder(r.Context(), chi.URLParam(r, "order_id"), req.Reason)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

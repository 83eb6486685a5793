package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/go-chi/chi/v5"
)

type CartAPI interface {
	AddItem(ctx context.Context, userID string, courseID int64) (string, error)
	RemoveItem(ctx context.Context, userID string, courseID int64) error
	ClearCart(ctx context.Context, userID string) (int64, error)
	GetCart(ctx context.Context, userID string) (*d.CartView, error)
}

type CartHandler struct {
	carts   CartAPI
	timeout time.Duration
	maxBody int64
}

func NewCartHandler(carts CartAPI, timeout time.Duration, maxBody int64) *CartHandler {
	return &CartHandler{carts: carts, timeout: timeout, maxBody: maxBody}
}

type AddItemRequestDTO struct {
	CourseID int64 `json:"course_id"`
}

type AddItemResponseDTO struct {
	Success    bool   `json:"success"`
	CartItemID string `json:"cart_item_id"`
}

type ClearCartResponseDTO struct {
	Success      bool  `json:"success"`
	DeletedCount int64 `json:"deleted_count"`
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		handleError(w, r, err)
		return
	}
	if req.CourseID <= 0 {
		respondError(w, http.StatusBadRequest, d.ErrInvalidRequest.Code, "course_id must be positive")
		return
	}

	id, err := h.carts.AddItem(ctx, getUserIDFromContext(ctx), req.CourseID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, AddItemResponseDTO{Success: true, CartItemID: id})
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	view, err := h.carts.GetCart(ctx, getUserIDFromContext(ctx))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	courseID, err := strconv.ParseInt(chi.URLParam(r, "course_id"), 10, 64)
	if err != nil || courseID <= 0 {
		respondError(w, http.StatusBadRequest, d.ErrInvalidRequest.Code, "course_id must be a positive integer")
		return
	}

	if err := h.carts.RemoveItem(ctx, getUserIDFromContext(ctx), courseID); err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	n, err := h.carts.ClearCart(ctx, getUserIDFromContext(ctx))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ClearCartResponseDTO{Success: true, DeletedCount: n})
}

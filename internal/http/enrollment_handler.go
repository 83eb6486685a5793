package http

import (
	"context"
	"net/http"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
)

type EnrollmentAPI interface {
	GrantFree(ctx context.Context, userID string, courseID int64) (*d.Enrollment, bool, error)
}

type EnrollmentHandler struct {
	enrollments EnrollmentAPI
	timeout     time.Duration
	maxBody     int64
}

func NewEnrollmentHandler(enrollments EnrollmentAPI, timeout time.Duration, maxBody int64) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, timeout: timeout, maxBody: maxBody}
}

type FreeEnrollmentRequestDTO struct {
	CourseID int64 `json:"course_id"`
}

func (h *EnrollmentHandler) GrantFree(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req FreeEnrollmentRequestDTO
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		handleError(w, r, err)
		return
	}

	e, created, err := h.enrollments.GrantFree(ctx, getUserIDFromContext(ctx), req.CourseID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, e)
}

package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/logger"
	"github.com/rs/zerolog/log"
)

type ErrorResponse struct {
	Error                   string          `json:"error"`
	Code                    string          `json:"code,omitempty"`
	Details                 any             `json:"details,omitempty"`
	InvalidItems            []d.InvalidItem `json:"invalid_items,omitempty"`
	Retryable               bool            `json:"retryable,omitempty"`
	RetryWithSamePaymentKey bool            `json:"retry_with_same_payment_key,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// handleError maps domain errors to HTTP responses. Anything untyped is an
// internal error and its text never reaches the client.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := d.AsError(err)
	if !ok {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		respondError(w, http.StatusInternalServerError, "InternalError", "internal server error")
		return
	}

	resp := ErrorResponse{
		Error:     e.Message,
		Code:      e.Code,
		Retryable: e.Retryable,
	}
	switch details := e.Details.(type) {
	case nil:
	case []d.InvalidItem:
		resp.InvalidItems = details
	default:
		resp.Details = details
	}
	// outcome unknown or not recorded: the same payment key is safe to reuse
	if e.Kind == d.KindGateway && e.Retryable {
		resp.RetryWithSamePaymentKey = true
	}

	status := statusFor(e)
	if status >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("code", e.Code).Msg("request failed")
	}
	respondJSON(w, status, resp)
}

func statusFor(e *d.Error) int {
	switch e.Kind {
	case d.KindValidation:
		return http.StatusBadRequest
	case d.KindNotFound:
		return http.StatusNotFound
	case d.KindConflict, d.KindStaleData:
		return http.StatusConflict
	case d.KindIntegrity:
		return http.StatusUnprocessableEntity
	case d.KindGateway:
		switch e.Code {
		case d.ErrGatewayRejected.Code:
			return http.StatusPaymentRequired
		case d.ErrGatewayTimeout.Code:
			return http.StatusGatewayTimeout
		default:
			return http.StatusServiceUnavailable
		}
	case d.KindDownstreamProvisioning:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body capped at limit bytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return d.ErrInvalidRequest.WithMessage("request body is empty")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return d.ErrInvalidRequest.WithMessage("request body is too large")
		}
		return d.ErrInvalidRequest.WithMessage("invalid JSON body")
	}
	return nil
}

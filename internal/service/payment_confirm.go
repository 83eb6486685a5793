package service

import (
	"context"
	"errors"
	"fmt"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/gateway"
	"github.com/fjod/course_cart/internal/logger"
	"github.com/fjod/course_cart/internal/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type ConfirmPaymentRequest struct {
	UserID     string
	PaymentKey string
	OrderID    string
	Amount     int64
}

type ConfirmResult struct {
	Payment     *d.Payment `json:"payment"`
	Order       *d.Order   `json:"order"`
	Replayed    bool       `json:"replayed"`
	Provisioned bool       `json:"provisioned"`
}

// ConfirmPayment captures a payment for a PENDING order. It is safe to call
// any number of times with the same payment key: once a payment is
// recorded, later calls return it without talking to the gateway.
//
// A GatewayTimeout means the outcome is unknown. Callers retry with the
// same key; the attempt journal lets reconciliation finish the job if they
// never come back.
func (s *OrderService) ConfirmPayment(ctx context.Context, req ConfirmPaymentRequest) (*ConfirmResult, error) {
	ctx, span := tracer.Start(ctx, "OrderService.ConfirmPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("payment_key", req.PaymentKey),
	)

	res, err := s.confirm(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm payment")
	}
	return res, err
}

func (s *OrderService) confirm(ctx context.Context, req ConfirmPaymentRequest) (*ConfirmResult, error) {
	if req.UserID == "" || req.PaymentKey == "" || req.OrderID == "" || req.Amount <= 0 {
		return nil, d.ErrInvalidRequest.WithMessage("payment_key, order_id and a positive amount are required")
	}

	res, err := s.replay(ctx, req.PaymentKey, req.OrderID, req.UserID)
	if err == nil {
		if res.Payment.Amount != req.Amount {
			logger.Ctx(ctx).Warn().
				Str("payment_key", req.PaymentKey).
				Int64("recorded_amount", res.Payment.Amount).
				Int64("claimed_amount", req.Amount).
				Msg("replayed confirmation carries a different amount")
		}
		metrics.PaymentConfirmations.WithLabelValues("replayed").Inc()
		return res, nil
	}
	if !errors.Is(err, d.ErrPaymentNotFound) {
		return nil, err
	}

	order, err := s.GetOrder(ctx, req.UserID, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != d.OrderStatusPending {
		return s.replayOr(ctx, req, d.ErrInvalidStateTransition.WithMessage(
			fmt.Sprintf("order %s is %s, payment cannot be confirmed", order.OrderID, order.Status)))
	}
	// no money has moved yet, so refuse before asking the gateway to capture it
	if req.Amount != order.Amount {
		return nil, s.amountMismatch(ctx, order, req.PaymentKey, req.Amount, "request")
	}

	now := s.now().UTC()
	err = s.orders.BeginPaymentAttempt(ctx, &d.PaymentAttempt{
		PaymentKey: req.PaymentKey,
		OrderID:    order.OrderID,
		Amount:     order.Amount,
		Status:     d.AttemptStatusConfirming,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		if errors.Is(err, d.ErrPaymentKeyReused) {
			securityEvent(ctx, "security.payment_key_reused", order, req.PaymentKey).Msg("payment key is bound to another order")
		}
		if errors.Is(err, d.ErrInvalidStateTransition) {
			return s.replayOr(ctx, req, err)
		}
		return nil, err
	}

	gp, err := s.gateway.Confirm(ctx, gateway.ConfirmRequest{
		PaymentKey: req.PaymentKey,
		OrderID:    order.OrderID,
		Amount:     order.Amount,
	})
	if err != nil {
		return nil, s.confirmFailed(ctx, req.PaymentKey, order, err)
	}

	return s.complete(ctx, order, gp, req.PaymentKey)
}

// replay returns the recorded outcome for a payment key, or
// d.ErrPaymentNotFound when nothing was recorded yet.
func (s *OrderService) replay(ctx context.Context, paymentKey, orderID, userID string) (*ConfirmResult, error) {
	p, err := s.orders.GetPaymentByKey(ctx, paymentKey)
	if err != nil {
		return nil, err
	}
	order, err := s.orders.GetOrder(ctx, p.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order of payment %s: %w", paymentKey, err)
	}
	if p.OrderID != orderID {
		securityEvent(ctx, "security.payment_key_reused", order, paymentKey).
			Str("claimed_order_id", orderID).
			Msg("payment key replayed for another order")
		return nil, d.ErrPaymentKeyReused
	}
	if order.UserID != userID {
		return nil, d.ErrOrderNotFound
	}

	res := &ConfirmResult{Payment: p, Order: order, Replayed: true}
	enrollments, err := s.provisioner.Enrollments(ctx, order.OrderID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.OrderID).Msg("could not read enrollments for replay")
	}
	for _, e := range enrollments {
		if e.Status == d.EnrollmentStatusActive {
			res.Provisioned = true
			break
		}
	}
	return res, nil
}

// replayOr handles a confirmation that lost the race to a concurrent call
// with the same key: the order left PENDING because that call recorded the
// payment. Anything else keeps the fallback error.
func (s *OrderService) replayOr(ctx context.Context, req ConfirmPaymentRequest, fallback error) (*ConfirmResult, error) {
	res, err := s.replay(ctx, req.PaymentKey, req.OrderID, req.UserID)
	if err != nil {
		return nil, fallback
	}
	metrics.PaymentConfirmations.WithLabelValues("replayed").Inc()
	return res, nil
}

func (s *OrderService) confirmFailed(ctx context.Context, paymentKey string, order *d.Order, err error) error {
	log := logger.Ctx(ctx).With().Str("payment_key", paymentKey).Str("order_id", order.OrderID).Logger()

	if errors.Is(err, d.ErrGatewayRejected) {
		s.closeAttempt(ctx, paymentKey, d.AttemptStatusRejected, err.Error())
		metrics.PaymentConfirmations.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Msg("gateway rejected the confirmation, order stays pending")
		return err
	}

	// Timeout, open circuit, 5xx: we cannot tell whether the gateway
	// captured the money. The attempt stays CONFIRMING until the caller
	// retries with the same key or reconciliation looks it up.
	s.closeAttempt(ctx, paymentKey, d.AttemptStatusConfirming, err.Error())
	metrics.PaymentConfirmations.WithLabelValues("unknown").Inc()
	log.Warn().Err(err).Msg("gateway outcome unknown, retry with the same payment key")
	if _, ok := d.AsError(err); ok {
		return err
	}
	return d.ErrGatewayTimeout.WithCause(err)
}

// complete records a payment the gateway reported as DONE and provisions
// the order. Provisioning failures never undo the payment.
func (s *OrderService) complete(ctx context.Context, order *d.Order, gp *gateway.Payment, paymentKey string) (*ConfirmResult, error) {
	if gp.TotalAmount != order.Amount || gp.OrderID != order.OrderID {
		s.closeAttempt(ctx, paymentKey, d.AttemptStatusMismatch,
			fmt.Sprintf("gateway reported order %s amount %d", gp.OrderID, gp.TotalAmount))
		return nil, s.amountMismatch(ctx, order, paymentKey, gp.TotalAmount, "gateway")
	}

	now := s.now().UTC()
	payment := &d.Payment{
		PaymentKey:  paymentKey,
		OrderID:     order.OrderID,
		Method:      gp.Method,
		Amount:      gp.TotalAmount,
		Status:      d.PaymentStatusDone,
		RequestedAt: gp.RequestedAt,
		ApprovedAt:  gp.ApprovedAt,
		RawPayload:  gp.Raw,
		CreatedAt:   now,
	}

	// the gateway has the money; finish the write even if the caller is gone
	paid, err := s.orders.RecordPayment(context.WithoutCancel(ctx), payment, now)
	if errors.Is(err, d.ErrPaymentAlreadyRecorded) {
		metrics.PaymentConfirmations.WithLabelValues("replayed").Inc()
		return s.replay(ctx, paymentKey, order.OrderID, order.UserID)
	}
	if err != nil {
		metrics.PaymentConfirmations.WithLabelValues("record_failed").Inc()
		logger.Ctx(ctx).Error().Err(err).
			Str("payment_key", paymentKey).
			Str("order_id", order.OrderID).
			Msg("gateway captured the payment but it could not be recorded")
		// the attempt stays CONFIRMING; a retry with the same key replays
		// the capture and reconciliation covers callers that never retry
		return nil, d.ErrPaymentNotRecorded.
			WithMessage(fmt.Sprintf("payment %s captured, recording pending", paymentKey)).
			WithCause(err)
	}

	metrics.PaymentConfirmations.WithLabelValues("confirmed").Inc()
	logger.Ctx(ctx).Info().
		Str("payment_key", paymentKey).
		Str("order_id", paid.OrderID).
		Int64("amount", payment.Amount).
		Msg("payment confirmed")

	res := &ConfirmResult{Payment: payment, Order: paid}
	if _, err := s.provisioner.Provision(ctx, paid); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", paid.OrderID).Msg("order paid but not provisioned, left for reconciliation")
	} else {
		res.Provisioned = true
	}
	return res, nil
}

// ResolveConfirmation settles an attempt whose outcome was never recorded
// by asking the gateway what happened to the payment key.
func (s *OrderService) ResolveConfirmation(ctx context.Context, attempt d.PaymentAttempt) (d.ReconcileOutcome, error) {
	ctx, span := tracer.Start(ctx, "OrderService.ResolveConfirmation")
	defer span.End()
	span.SetAttributes(attribute.String("payment_key", attempt.PaymentKey))

	gp, err := s.gateway.Lookup(ctx, attempt.PaymentKey)
	switch {
	case errors.Is(err, gateway.ErrPaymentNotFound):
		s.closeAttempt(ctx, attempt.PaymentKey, d.AttemptStatusAbandoned, "payment not found at gateway")
		return d.OutcomeAbandoned, nil
	case err != nil:
		return d.OutcomeFailed, fmt.Errorf("lookup payment %s: %w", attempt.PaymentKey, err)
	}

	switch gp.Status {
	case gateway.StatusDone:
	case gateway.StatusAborted, gateway.StatusExpired, gateway.StatusCanceled:
		s.closeAttempt(ctx, attempt.PaymentKey, d.AttemptStatusAbandoned, "gateway status "+gp.Status)
		return d.OutcomeAbandoned, nil
	default:
		return d.OutcomeFailed, fmt.Errorf("payment %s is still %s at gateway", attempt.PaymentKey, gp.Status)
	}

	order, err := s.orders.GetOrder(ctx, attempt.OrderID)
	if err != nil {
		return d.OutcomeFailed, err
	}
	if _, err := s.complete(ctx, order, gp, attempt.PaymentKey); err != nil {
		if errors.Is(err, d.ErrAmountMismatch) || errors.Is(err, d.ErrInvalidStateTransition) {
			return d.OutcomeManual, err
		}
		return d.OutcomeFailed, err
	}
	return d.OutcomeRecorded, nil
}

func (s *OrderService) closeAttempt(ctx context.Context, paymentKey string, status d.AttemptStatus, lastError string) {
	err := s.orders.UpdatePaymentAttempt(context.WithoutCancel(ctx), paymentKey, status, lastError, s.now().UTC())
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("payment_key", paymentKey).Str("status", string(status)).Msg("could not update payment attempt")
	}
}

func (s *OrderService) amountMismatch(ctx context.Context, order *d.Order, paymentKey string, claimed int64, source string) error {
	metrics.AmountMismatches.Inc()
	metrics.PaymentConfirmations.WithLabelValues("amount_mismatch").Inc()
	securityEvent(ctx, "security.amount_mismatch", order, paymentKey).
		Int64("order_amount", order.Amount).
		Int64("claimed_amount", claimed).
		Str("source", source).
		Msg("payment amount does not match order amount")

	return d.ErrAmountMismatch.WithMessage(
		fmt.Sprintf("amount %d does not match order %s amount %d", claimed, order.OrderID, order.Amount))
}

// securityEvent starts an error-level log line that security tooling keys
// on through the event field.
func securityEvent(ctx context.Context, event string, order *d.Order, paymentKey string) *zerolog.Event {
	return logger.Ctx(ctx).Error().
		Str("event", event).
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("payment_key", paymentKey)
}

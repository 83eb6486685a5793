package service

import (
	"context"
	"fmt"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/gateway"
	"github.com/fjod/course_cart/internal/logger"
)

// RefundOrder cancels the captured payment at the gateway and then moves
// the order PAID -> REFUNDED, revoking its enrollments. If the gateway
// refuses, the order stays PAID.
func (s *OrderService) RefundOrder(ctx context.Context, orderID, reason string) (*d.Order, error) {
	ctx, span := tracer.Start(ctx, "OrderService.RefundOrder")
	defer span.End()

	if reason == "" {
		return nil, d.ErrInvalidRequest.WithMessage("refund reason is required")
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(d.OrderStatusRefunded) || order.PaymentKey == nil {
		return nil, d.ErrInvalidStateTransition.WithMessage(
			fmt.Sprintf("order %s is %s and cannot be refunded", orderID, order.Status))
	}

	if _, err := s.gateway.Cancel(ctx, *order.PaymentKey, reason); err != nil && !gateway.IsAlreadyCanceled(err) {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("gateway cancel failed, order stays paid")
		return nil, err
	}

	refunded, err := s.orders.MarkRefunded(context.WithoutCancel(ctx), orderID, reason, s.now().UTC())
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).Msg("payment canceled at gateway but refund not recorded")
		return nil, err
	}

	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("reason", reason).Msg("order refunded")
	return refunded, nil
}

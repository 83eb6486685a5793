package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// OrderService drives orders through PENDING -> PAID -> REFUNDED and
// PENDING -> CANCELLED. Every status write goes through OrderStore.
type OrderService struct {
	orders      OrderStore
	catalog     CatalogLookup
	validator   *CheckoutValidator
	gateway     PaymentGateway
	provisioner *Provisioner
	now         func() time.Time
	newID       func() string
}

func NewOrderService(
	orders OrderStore,
	catalog CatalogLookup,
	validator *CheckoutValidator,
	gw PaymentGateway,
	provisioner *Provisioner) *OrderService {

	return &OrderService{
		orders:      orders,
		catalog:     catalog,
		validator:   validator,
		gateway:     gw,
		provisioner: provisioner,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// CreateOrder opens a PENDING order for one course. expectedPrice is the
// price the client showed; nil means "whatever the catalog says now".
// Submitting the same checkout twice returns the open order instead of
// creating a second one.
func (s *OrderService) CreateOrder(ctx context.Context, userID string, courseID int64, expectedPrice *int64) (*d.Order, error) {
	ctx, span := tracer.Start(ctx, "OrderService.CreateOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("course_id", courseID))

	if userID == "" || courseID <= 0 {
		return nil, d.ErrInvalidRequest.WithMessage("user and course_id are required")
	}

	course, err := s.catalog.GetCourse(ctx, courseID)
	if err != nil && !errors.Is(err, d.ErrCourseNotFound) {
		return nil, fmt.Errorf("get course %d: %w", courseID, err)
	}

	price := int64(0)
	switch {
	case expectedPrice != nil:
		price = *expectedPrice
	case course != nil:
		price = course.Price
	}

	result, err := s.validator.Validate(ctx, &d.CartSnapshot{
		UserID: userID,
		Items:  []d.CartSnapshotItem{{CourseID: courseID, Price: price}},
	})
	if err != nil {
		return nil, err
	}
	if !result.IsValid {
		return nil, d.ErrInvalidCart.WithMessage(result.Message).WithDetails(result.InvalidItems)
	}
	if course.IsFree {
		return nil, d.ErrCourseIsFree
	}

	order, err := d.NewOrder(s.newID(), userID, []*d.Course{course}, s.now().UTC())
	if err != nil {
		return nil, err
	}

	existing, err := s.orders.FindPendingOrder(ctx, userID, order.CourseIDs())
	switch {
	case err == nil:
		if existing.Amount == order.Amount {
			logger.Ctx(ctx).Info().Str("order_id", existing.OrderID).Msg("reusing pending order for the same checkout")
			return existing, nil
		}
		if err := s.supersede(ctx, existing); err != nil {
			return nil, err
		}
	case !errors.Is(err, d.ErrOrderNotFound):
		return nil, fmt.Errorf("find pending order: %w", err)
	}

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		if !errors.Is(err, d.ErrDuplicatePendingOrder) {
			return nil, fmt.Errorf("create order: %w", err)
		}
		// a concurrent submission won the insert
		winner, errFind := s.orders.FindPendingOrder(ctx, userID, order.CourseIDs())
		if errFind != nil {
			return nil, fmt.Errorf("find concurrent pending order: %w", errFind)
		}
		return winner, nil
	}

	logger.Ctx(ctx).Info().
		Str("order_id", order.OrderID).
		Int64("amount", order.Amount).
		Msg("order created")
	return order, nil
}

// supersede cancels a pending order whose amount no longer matches the
// catalog. An order that is already closed is left alone.
func (s *OrderService) supersede(ctx context.Context, stale *d.Order) error {
	_, err := s.orders.CancelOrder(ctx, stale.OrderID, stale.UserID, "superseded by a repriced checkout", s.now().UTC())
	if err != nil && !errors.Is(err, d.ErrInvalidStateTransition) {
		return err
	}
	logger.Ctx(ctx).Info().Str("order_id", stale.OrderID).Int64("amount", stale.Amount).Msg("stale pending order superseded")
	return nil
}

// GetOrder returns the order only to its owner.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID string) (*d.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, d.ErrOrderNotFound
	}
	return order, nil
}

// CancelOrder is allowed only while the order is PENDING and no
// confirmation is talking to the gateway.
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID, reason string) (*d.Order, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	order, err := s.orders.CancelOrder(ctx, orderID, userID, reason, s.now().UTC())
	if err != nil {
		return nil, err
	}
	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("reason", reason).Msg("order cancelled")
	return order, nil
}

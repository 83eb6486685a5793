package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/logger"
	"github.com/fjod/course_cart/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
)

// Provisioner turns paid orders into ACTIVE enrollments. Provisioning the
// same order twice yields the same enrollments.
type Provisioner struct {
	enrollments EnrollmentStore
	orders      OrderStore
	catalog     CatalogLookup
	now         func() time.Time
}

func NewProvisioner(enrollments EnrollmentStore, orders OrderStore, catalog CatalogLookup) *Provisioner {
	return &Provisioner{
		enrollments: enrollments,
		orders:      orders,
		catalog:     catalog,
		now:         time.Now,
	}
}

// Provision grants every course of a PAID order. A storage failure is
// written to the reconciliation record and returned as ProvisioningFailed.
func (p *Provisioner) Provision(ctx context.Context, order *d.Order) ([]d.Enrollment, error) {
	ctx, span := tracer.Start(ctx, "Provisioner.Provision")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", order.OrderID))

	if order.Status != d.OrderStatusPaid {
		return nil, d.ErrInvalidStateTransition.WithMessage(
			fmt.Sprintf("order %s is %s, only PAID orders are provisioned", order.OrderID, order.Status))
	}

	existing, err := p.enrollments.ListEnrollmentsByOrder(ctx, order.OrderID)
	switch {
	case err != nil:
		// the insert below is idempotent, so go on without the shortcut
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.OrderID).Msg("could not read existing enrollments")
	case coversOrder(order, existing):
		return existing, nil
	}

	created, err := p.enrollments.CreateOrderEnrollments(ctx, order, p.now().UTC())
	if err != nil {
		return nil, p.fail(ctx, order, err)
	}

	logger.Ctx(ctx).Info().Str("order_id", order.OrderID).Int("enrollments", len(created)).Msg("order provisioned")
	return created, nil
}

func (p *Provisioner) ProvisionOrder(ctx context.Context, orderID string) ([]d.Enrollment, error) {
	order, err := p.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return p.Provision(ctx, order)
}

func (p *Provisioner) Enrollments(ctx context.Context, orderID string) ([]d.Enrollment, error) {
	return p.enrollments.ListEnrollmentsByOrder(ctx, orderID)
}

// GrantFree enrolls a user in a free course without an order. created is
// false when the user was already enrolled.
func (p *Provisioner) GrantFree(ctx context.Context, userID string, courseID int64) (*d.Enrollment, bool, error) {
	if userID == "" || courseID <= 0 {
		return nil, false, d.ErrInvalidRequest.WithMessage("user and course_id are required")
	}

	course, err := p.catalog.GetCourse(ctx, courseID)
	if err != nil {
		return nil, false, fmt.Errorf("get course %d: %w", courseID, err)
	}
	if !course.IsPublished() {
		return nil, false, d.ErrCourseUnavailable.WithMessage(fmt.Sprintf("course %d is %s", courseID, course.Status))
	}
	if !course.IsFree {
		return nil, false, d.ErrCourseNotFree
	}

	e, created, err := p.enrollments.CreateFreeEnrollment(ctx, userID, courseID, p.now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("grant free course %d: %w", courseID, err)
	}
	if created {
		logger.Ctx(ctx).Info().Int64("course_id", courseID).Msg("free course granted")
	}
	return e, created, nil
}

func (p *Provisioner) fail(ctx context.Context, order *d.Order, cause error) error {
	metrics.ProvisioningFailures.Inc()

	errRecord := p.enrollments.RecordProvisioningFailure(context.WithoutCancel(ctx), order.OrderID, cause.Error(), p.now().UTC())
	if errRecord != nil {
		logger.Ctx(ctx).Error().Err(errRecord).Str("order_id", order.OrderID).Msg("could not record provisioning failure")
	}
	logger.Ctx(ctx).Error().Err(cause).Str("order_id", order.OrderID).Msg("provisioning failed")

	if errors.Is(cause, d.ErrEnrollmentConflict) || errors.Is(cause, d.ErrInvalidStateTransition) {
		return cause
	}
	return d.ErrProvisioningFailed.WithMessage(fmt.Sprintf("provision order %s", order.OrderID)).WithCause(cause)
}

func coversOrder(order *d.Order, enrollments []d.Enrollment) bool {
	if len(enrollments) == 0 {
		return false
	}
	linked := make(map[int64]struct{}, len(enrollments))
	for _, e := range enrollments {
		linked[e.CourseID] = struct{}{}
	}
	for _, it := range order.Items {
		if _, ok := linked[it.CourseID]; !ok {
			return false
		}
	}
	return true
}

package service

import (
	"context"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/gateway"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/fjod/course_cart/internal/service")

// CatalogLookup is the read-only course catalog.
type CatalogLookup interface {
	GetCourse(ctx context.Context, courseID int64) (*d.Course, error)
	GetCourses(ctx context.Context, courseIDs []int64) (map[int64]*d.Course, error)
}

type CartRepository interface {
	AddItem(ctx context.Context, item *d.CartItem) error
	RemoveItem(ctx context.Context, userID string, courseID int64) error
	RemoveItems(ctx context.Context, userID string, courseIDs []int64) (int64, error)
	DeleteCart(ctx context.Context, userID string) (int64, error)
	ListItems(ctx context.Context, userID string) ([]d.CartItem, error)
}

type EnrollmentStore interface {
	ActiveEnrollments(ctx context.Context, userID string, courseIDs []int64) (map[int64]*d.Enrollment, error)
	ListEnrollmentsByOrder(ctx context.Context, orderID string) ([]d.Enrollment, error)
	CreateOrderEnrollments(ctx context.Context, order *d.Order, at time.Time) ([]d.Enrollment, error)
	CreateFreeEnrollment(ctx context.Context, userID string, courseID int64, at time.Time) (*d.Enrollment, bool, error)
	RecordProvisioningFailure(ctx context.Context, orderID, cause string, at time.Time) error
}

// OrderStore owns every write to orders, payments and payment attempts.
// Implementations must make RecordPayment atomic and reject a second
// payment for the same key with d.ErrPaymentAlreadyRecorded.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*d.Order, error)
	FindPendingOrder(ctx context.Context, userID string, courseIDs []int64) (*d.Order, error)
	CreateOrder(ctx context.Context, order *d.Order) error
	CancelOrder(ctx context.Context, orderID, userID, reason string, at time.Time) (*d.Order, error)
	MarkRefunded(ctx context.Context, orderID, reason string, at time.Time) (*d.Order, error)

	GetPaymentByKey(ctx context.Context, paymentKey string) (*d.Payment, error)
	BeginPaymentAttempt(ctx context.Context, attempt *d.PaymentAttempt) error
	UpdatePaymentAttempt(ctx context.Context, paymentKey string, status d.AttemptStatus, lastError string, at time.Time) error
	RecordPayment(ctx context.Context, payment *d.Payment, at time.Time) (*d.Order, error)
}

type ReconciliationStore interface {
	ListUnprovisionedOrders(ctx context.Context, paidBefore time.Time, limit int) ([]d.UnprovisionedOrder, error)
	ListStaleAttempts(ctx context.Context, before time.Time, limit int) ([]d.PaymentAttempt, error)
}

type PaymentGateway interface {
	Confirm(ctx context.Context, req gateway.ConfirmRequest) (*gateway.Payment, error)
	Lookup(ctx context.Context, paymentKey string) (*gateway.Payment, error)
	Cancel(ctx context.Context, paymentKey, reason string) (*gateway.Payment, error)
}

package domain

import (
	"errors"
	"fmt"
)

// Kind groups errors by how callers are expected to react to them.
type Kind string

const (
	KindValidation             Kind = "validation"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"
	KindStaleData              Kind = "stale_data"
	KindGateway                Kind = "gateway"
	KindIntegrity              Kind = "integrity"
	KindDownstreamProvisioning Kind = "downstream_provisioning"
	KindInternal               Kind = "internal"
)

// Error is the typed error returned by the commerce core. Two errors are
// equal for errors.Is when their codes match, so sentinels below can be
// refined with WithMessage/WithDetails/WithCause and still be matched.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Details   any
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

var (
	ErrInvalidRequest = &Error{Kind: KindValidation, Code: "InvalidRequest", Message: "invalid request"}
	ErrEmptyCart      = &Error{Kind: KindValidation, Code: "EmptyCart", Message: "cart is empty, nothing to checkout"}
	ErrCourseIsFree   = &Error{Kind: KindValidation, Code: "CourseIsFree", Message: "course is free and must be enrolled without payment"}
	ErrCourseNotFree  = &Error{Kind: KindValidation, Code: "CourseNotFree", Message: "course requires payment"}

	ErrCourseNotFound  = &Error{Kind: KindNotFound, Code: "CourseNotFound", Message: "course not found"}
	ErrOrderNotFound   = &Error{Kind: KindNotFound, Code: "OrderNotFound", Message: "order not found"}
	ErrPaymentNotFound = &Error{Kind: KindNotFound, Code: "PaymentNotFound", Message: "payment not found"}

	ErrAlreadyInCart          = &Error{Kind: KindConflict, Code: "AlreadyInCart", Message: "course is already in the cart"}
	ErrAlreadyEnrolled        = &Error{Kind: KindConflict, Code: "AlreadyEnrolled", Message: "user is already enrolled in the course"}
	ErrCourseUnavailable      = &Error{Kind: KindConflict, Code: "CourseUnavailable", Message: "course is not available for purchase"}
	ErrInvalidStateTransition = &Error{Kind: KindConflict, Code: "InvalidStateTransition", Message: "illegal transition of order status"}
	ErrConfirmationInFlight   = &Error{Kind: KindConflict, Code: "ConfirmationInFlight", Message: "a payment confirmation for this order is in progress", Retryable: true}
	ErrEnrollmentConflict     = &Error{Kind: KindConflict, Code: "EnrollmentConflict", Message: "an active enrollment for the course exists from another source"}
	ErrInvalidCart            = &Error{Kind: KindStaleData, Code: "InvalidCart", Message: "cart contains items that cannot be checked out"}
	ErrGatewayRejected        = &Error{Kind: KindGateway, Code: "GatewayRejected", Message: "payment gateway rejected the confirmation"}
	ErrGatewayUnavailable     = &Error{Kind: KindGateway, Code: "GatewayUnavailable", Message: "payment gateway is unavailable", Retryable: true}
	ErrGatewayTimeout         = &Error{Kind: KindGateway, Code: "GatewayTimeout", Message: "payment gateway did not answer in time, outcome unknown", Retryable: true}
	ErrPaymentNotRecorded     = &Error{Kind: KindGateway, Code: "PaymentNotRecorded", Message: "payment was captured but not recorded yet, retry with the same payment key", Retryable: true}
	ErrAmountMismatch         = &Error{Kind: KindIntegrity, Code: "AmountMismatch", Message: "payment amount does not match order amount"}
	ErrPaymentKeyReused       = &Error{Kind: KindIntegrity, Code: "PaymentKeyReused", Message: "payment key is already bound to another order"}
	ErrProvisioningFailed     = &Error{Kind: KindDownstreamProvisioning, Code: "ProvisioningFailed", Message: "enrollment provisioning failed", Retryable: true}
)

// Storage outcomes that the services resolve themselves. They never reach
// a client.
var (
	// ErrPaymentAlreadyRecorded means another confirmation with the same
	// payment key committed first.
	ErrPaymentAlreadyRecorded = errors.New("payment already recorded for payment key")
	// ErrDuplicatePendingOrder means a PENDING order for the same checkout
	// already exists.
	ErrDuplicatePendingOrder = errors.New("pending order already exists for checkout")
)

// KindOf reports the Kind of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError extracts the typed error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

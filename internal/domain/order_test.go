package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrder_ComputesAmounts(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	courses := []*Course{
		{ID: 1, Title: "Go Concurrency", OriginalPrice: 129000, Price: 99000, Status: CourseStatusPublished},
		{ID: 2, Title: "SQL Basics", OriginalPrice: 50000, Price: 50000, Status: CourseStatusPublished},
	}

	o, err := NewOrder("ord_1", "user-1", courses, now)
	require.NoError(t, err)

	assert.Equal(t, OrderStatusPending, o.Status)
	assert.Equal(t, int64(179000), o.OriginalAmount)
	assert.Equal(t, int64(30000), o.DiscountAmount)
	assert.Equal(t, int64(149000), o.Amount)
	assert.Equal(t, o.OriginalAmount-o.DiscountAmount, o.Amount)
	assert.Equal(t, DefaultCurrency, o.Currency)
	assert.Equal(t, []int64{1, 2}, o.CourseIDs())
	assert.True(t, o.HasCourse(2))
	assert.False(t, o.HasCourse(3))
	assert.Nil(t, o.PaidAt)
	assert.Nil(t, o.PaymentKey)
}

func TestNewOrder_SalePriceAboveListIsNotNegativeDiscount(t *testing.T) {
	o, err := NewOrder("ord_1", "user-1", []*Course{{ID: 1, OriginalPrice: 1000, Price: 2000}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), o.DiscountAmount)
	assert.Equal(t, int64(2000), o.Amount)
}

func TestNewOrder_RejectsFreeCourse(t *testing.T) {
	_, err := NewOrder("ord_1", "user-1", []*Course{{ID: 7, IsFree: true}}, time.Now())
	assert.ErrorIs(t, err, ErrCourseIsFree)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestNewOrder_RejectsEmpty(t *testing.T) {
	_, err := NewOrder("ord_1", "user-1", nil, time.Now())
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestOrderValidate_AmountInvariant(t *testing.T) {
	o := &Order{
		OrderID:        "ord_1",
		UserID:         "user-1",
		Status:         OrderStatusPending,
		OriginalAmount: 100000,
		DiscountAmount: 1000,
		Amount:         98000,
	}
	err := o.Validate()
	assert.ErrorIs(t, err, ErrAmountMismatch)

	o.Amount = 99000
	assert.NoError(t, o.Validate())
}

func TestErrorIsMatchesByCode(t *testing.T) {
	refined := ErrGatewayRejected.WithMessage("card declined").WithCause(errors.New("REJECT_CARD_COMPANY"))
	wrapped := errors.Join(errors.New("confirm"), refined)

	assert.ErrorIs(t, wrapped, ErrGatewayRejected)
	assert.NotErrorIs(t, wrapped, ErrGatewayTimeout)
	assert.Equal(t, KindGateway, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "card declined", e.Message)
	assert.Equal(t, "payment gateway rejected the confirmation", ErrGatewayRejected.Message)
}

func TestMinutesSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(90), MinutesSince(now.Add(-90*time.Minute-30*time.Second), now))
	assert.Equal(t, int64(0), MinutesSince(now.Add(time.Minute), now))
}

func TestCheckoutKey_IsOrderIndependent(t *testing.T) {
	assert.Equal(t, "user-1:3,7,10", CheckoutKey("user-1", []int64{10, 3, 7}))
	assert.Equal(t, CheckoutKey("user-1", []int64{1, 2}), CheckoutKey("user-1", []int64{2, 1}))
	assert.NotEqual(t, CheckoutKey("user-1", []int64{1}), CheckoutKey("user-2", []int64{1}))
}

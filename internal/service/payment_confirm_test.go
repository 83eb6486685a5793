package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmPayment_SucceedsAndReplays(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_1", "user-1", courseGo)

	first, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.True(t, first.Provisioned)
	assert.Equal(t, d.OrderStatusPaid, first.Order.Status)
	require.NotNil(t, first.Order.PaidAt)
	require.NotNil(t, first.Order.PaymentKey)
	assert.Equal(t, "pk_1", *first.Order.PaymentKey)
	assert.Equal(t, int64(99000), first.Payment.Amount)
	assert.Equal(t, d.AttemptStatusConfirmed, env.store.attempt("pk_1").Status)

	second, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.PaymentKey, second.Payment.PaymentKey)
	assert.Equal(t, first.Payment.Amount, second.Payment.Amount)
	assert.Equal(t, first.Order.OrderID, second.Order.OrderID)
	assert.Equal(t, first.Order.Status, second.Order.Status)
	assert.Equal(t, *first.Order.PaidAt, *second.Order.PaidAt)
	assert.True(t, second.Provisioned)

	assert.Equal(t, 1, env.store.paymentCount())
	assert.Equal(t, 1, env.gw.callCount("confirm"), "a replay must not reach the gateway")
	assert.Equal(t, 1, env.store.enrollmentCount("ord_1"))
}

func TestConfirmPayment_AmountMismatchKeepsOrderPending(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_2", "user-1", courseGo)

	_, err := env.confirm("user-1", "pk_2", "ord_2", 50000)
	require.ErrorIs(t, err, d.ErrAmountMismatch)
	assert.Equal(t, d.KindIntegrity, d.KindOf(err))

	o, err := env.store.GetOrder(context.Background(), "ord_2")
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPending, o.Status)
	assert.Nil(t, o.PaymentKey)
	assert.Equal(t, 0, env.store.paymentCount())
	assert.Equal(t, 0, env.gw.callCount("confirm"))
}

func TestConfirmPayment_GatewayReportedMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_2", "user-1", courseGo)
	env.gw.reportedAmount = 50000

	_, err := env.confirm("user-1", "pk_2", "ord_2", 99000)
	require.ErrorIs(t, err, d.ErrAmountMismatch)

	o, err := env.store.GetOrder(context.Background(), "ord_2")
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPending, o.Status)
	assert.Equal(t, 0, env.store.paymentCount())
	assert.Equal(t, d.AttemptStatusMismatch, env.store.attempt("pk_2").Status)
}

func TestConfirmPayment_RejectedLeavesOrderPending(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_1", "user-1", courseGo)
	env.gw.confirmErr = d.ErrGatewayRejected.
		WithMessage("card declined").
		WithDetails(gateway.Rejection{Code: "REJECT_CARD_COMPANY", Message: "card declined"})

	_, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.ErrorIs(t, err, d.ErrGatewayRejected)
	e, _ := d.AsError(err)
	assert.Equal(t, "card declined", e.Message)

	o, err := env.store.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPending, o.Status)
	assert.Equal(t, d.AttemptStatusRejected, env.store.attempt("pk_1").Status)

	// a new key for the same order may still succeed
	env.gw.confirmErr = nil
	res, err := env.confirm("user-1", "pk_1b", "ord_1", 99000)
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPaid, res.Order.Status)
}

func TestConfirmPayment_TimeoutThenRetryWithSameKey(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_1", "user-1", courseGo)
	env.gw.captureThenErr = d.ErrGatewayTimeout

	_, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.ErrorIs(t, err, d.ErrGatewayTimeout)
	e, _ := d.AsError(err)
	assert.True(t, e.Retryable)

	o, err := env.store.GetOrder(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPending, o.Status, "unknown outcome is not a failure")
	assert.Equal(t, d.AttemptStatusConfirming, env.store.attempt("pk_1").Status)

	env.gw.captureThenErr = nil
	res, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPaid, res.Order.Status)
	assert.Equal(t, 1, env.store.paymentCount())
}

func TestConfirmPayment_SecondKeyWhileFirstInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_1", "user-1", courseGo)
	env.gw.confirmErr = d.ErrGatewayUnavailable

	_, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.ErrorIs(t, err, d.ErrGatewayUnavailable)

	env.gw.confirmErr = nil
	_, err = env.confirm("user-1", "pk_other", "ord_1", 99000)
	assert.ErrorIs(t, err, d.ErrConfirmationInFlight)
}

func TestConfirmPayment_KeyBoundToAnotherOrder(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_1", "user-1", courseGo)
	env.openOrder(t, "ord_2", "user-1", courseSQL)

	_, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.NoError(t, err)

	_, err = env.confirm("user-1", "pk_1", "ord_2", 50000)
	require.ErrorIs(t, err, d.ErrPaymentKeyReused)
	assert.Equal(t, d.KindIntegrity, d.KindOf(err))

	o, err := env.store.GetOrder(context.Background(), "ord_2")
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPending, o.Status)
}

func TestConfirmPayment_OtherUsersOrder(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_1", "user-1", courseGo)

	_, err := env.confirm("user-2", "pk_1", "ord_1", 99000)
	assert.ErrorIs(t, err, d.ErrOrderNotFound)
	assert.Equal(t, 0, env.gw.callCount("confirm"))
}

func TestConfirmPayment_InvalidRequest(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.confirm("user-1", "", "ord_1", 99000)
	assert.ErrorIs(t, err, d.ErrInvalidRequest)
	_, err = env.confirm("user-1", "pk_1", "ord_1", 0)
	assert.ErrorIs(t, err, d.ErrInvalidRequest)
}

func TestConfirmPayment_ConcurrentSameKeyRecordsOnePayment(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_1", "user-1", courseGo)

	const n = 10
	var wg sync.WaitGroup
	results := make(chan *ConfirmResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
			if assert.NoError(t, err) {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for res := range results {
		assert.Equal(t, "pk_1", res.Payment.PaymentKey)
		assert.Equal(t, d.OrderStatusPaid, res.Order.Status)
		if !res.Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one call applies the payment")
	assert.Equal(t, 1, env.store.paymentCount())
	assert.Equal(t, 1, env.store.enrollmentCount("ord_1"))
}

func TestConfirmPayment_ProvisioningFailureKeepsOrderPaid(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_3", "user-1", courseGo)
	env.store.failEnrollments = 1

	res, err := env.confirm("user-1", "pk_3", "ord_3", 99000)
	require.NoError(t, err)
	assert.False(t, res.Provisioned)
	assert.Equal(t, d.OrderStatusPaid, res.Order.Status)

	o, err := env.store.GetOrder(context.Background(), "ord_3")
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPaid, o.Status)
	assert.Equal(t, 0, env.store.enrollmentCount("ord_3"))
}

func TestConfirmPayment_LocalWriteFailureIsRecoverable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openOrder(t, "ord_1", "user-1", courseGo)
	env.store.failRecordPayment = errors.New("connection refused")

	_, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.ErrorIs(t, err, d.ErrPaymentNotRecorded)
	e, ok := d.AsError(err)
	require.True(t, ok)
	assert.Equal(t, d.KindGateway, e.Kind)
	assert.True(t, e.Retryable)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 0, env.store.paymentCount())
	assert.Equal(t, d.AttemptStatusConfirming, env.store.attempt("pk_1").Status)

	env.store.failRecordPayment = nil
	env.clock.Add(15 * time.Minute)

	stale, err := env.reconciler.ListUnrecordedConfirmations(ctx, 10*time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "pk_1", stale[0].PaymentKey)
	assert.Equal(t, int64(15), stale[0].MinutesPending)

	report, err := env.reconciler.Run(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, report.Confirmations, 1)
	assert.Equal(t, d.OutcomeRecorded, report.Confirmations[0].Outcome)

	o, err := env.store.GetOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPaid, o.Status)
	assert.Equal(t, 1, env.store.paymentCount())
	assert.Equal(t, 1, env.store.enrollmentCount("ord_1"))

	stale, err = env.reconciler.ListUnrecordedConfirmations(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestConfirmPayment_RetryAfterLocalWriteFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openOrder(t, "ord_1", "user-1", courseGo)
	env.store.failRecordPayment = errors.New("connection refused")

	_, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.ErrorIs(t, err, d.ErrPaymentNotRecorded)

	// the gateway already holds the capture; the same key finishes the job
	env.store.failRecordPayment = nil
	res, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPaid, res.Order.Status)
	assert.True(t, res.Provisioned)
	assert.Equal(t, 1, env.store.paymentCount())
	assert.Equal(t, d.AttemptStatusConfirmed, env.store.attempt("pk_1").Status)

	stale, err := env.reconciler.ListUnrecordedConfirmations(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestConfirmPayment_ReplayOfRefundedOrderIsNotProvisioned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openOrder(t, "ord_1", "user-1", courseGo)
	res, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.NoError(t, err)
	require.True(t, res.Provisioned)

	_, err = env.orders.RefundOrder(ctx, "ord_1", "requested by user")
	require.NoError(t, err)

	replayed, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, d.OrderStatusRefunded, replayed.Order.Status)
	assert.False(t, replayed.Provisioned, "revoked enrollments do not count")
}

func TestRefundOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openOrder(t, "ord_1", "user-1", courseGo)
	_, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.NoError(t, err)

	o, err := env.orders.RefundOrder(ctx, "ord_1", "customer request")
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusRefunded, o.Status)
	assert.NotNil(t, o.RefundedAt)
	assert.Equal(t, 1, env.gw.callCount("cancel"))

	active, err := env.store.ActiveEnrollments(ctx, "user-1", []int64{courseGo})
	require.NoError(t, err)
	assert.Empty(t, active)

	p, err := env.store.GetPaymentByKey(ctx, "pk_1")
	require.NoError(t, err)
	assert.Equal(t, d.PaymentStatusCanceled, p.Status)

	_, err = env.orders.RefundOrder(ctx, "ord_1", "again")
	assert.ErrorIs(t, err, d.ErrInvalidStateTransition)
}

func TestRefundOrder_OnlyPaidOrders(t *testing.T) {
	env := newTestEnv(t)
	env.openOrder(t, "ord_1", "user-1", courseGo)

	_, err := env.orders.RefundOrder(context.Background(), "ord_1", "customer request")
	assert.ErrorIs(t, err, d.ErrInvalidStateTransition)
	assert.Equal(t, 0, env.gw.callCount("cancel"))
}

func TestRefundOrder_GatewayFailureKeepsOrderPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openOrder(t, "ord_1", "user-1", courseGo)
	_, err := env.confirm("user-1", "pk_1", "ord_1", 99000)
	require.NoError(t, err)

	env.gw.cancelErr = d.ErrGatewayUnavailable
	_, err = env.orders.RefundOrder(ctx, "ord_1", "customer request")
	require.ErrorIs(t, err, d.ErrGatewayUnavailable)

	o, err := env.store.GetOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, d.OrderStatusPaid, o.Status)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/logger"
	"github.com/fjod/course_cart/internal/metrics"
)

type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// Reconciler finds paid orders without enrollments and confirmations whose
// outcome was never recorded, and repairs them on request. Listing is
// read-only; repairs happen only in RetryProvisioning and Run.
type Reconciler struct {
	store       ReconciliationStore
	orders      *OrderService
	provisioner *Provisioner
	retryConf   RetryConfig
	limit       int
	now         func() time.Time
}

func NewReconciler(store ReconciliationStore, orders *OrderService, provisioner *Provisioner, retryConf RetryConfig, limit int) *Reconciler {
	if retryConf.Attempts == 0 {
		retryConf.Attempts = 1
	}
	if limit <= 0 {
		limit = 100
	}
	return &Reconciler{
		store:       store,
		orders:      orders,
		provisioner: provisioner,
		retryConf:   retryConf,
		limit:       limit,
		now:         time.Now,
	}
}

// ListUnprovisioned returns PAID orders with no enrollment that were paid
// more than olderThan ago.
func (r *Reconciler) ListUnprovisioned(ctx context.Context, olderThan time.Duration, limit int) ([]d.UnprovisionedOrder, error) {
	if olderThan < 0 {
		return nil, d.ErrInvalidRequest.WithMessage("older_than must not be negative")
	}
	if limit <= 0 {
		limit = r.limit
	}

	now := r.now().UTC()
	orders, err := r.store.ListUnprovisionedOrders(ctx, now.Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list unprovisioned orders: %w", err)
	}
	for i := range orders {
		orders[i].MinutesUnprovisioned = d.MinutesSince(orders[i].PaidAt, now)
	}

	metrics.ReconciliationBacklog.WithLabelValues("unprovisioned").Set(float64(len(orders)))
	return orders, nil
}

// ListUnrecordedConfirmations returns payment keys sent to the gateway more
// than olderThan ago whose outcome was never written locally.
func (r *Reconciler) ListUnrecordedConfirmations(ctx context.Context, olderThan time.Duration, limit int) ([]d.UnrecordedConfirmation, error) {
	if olderThan < 0 {
		return nil, d.ErrInvalidRequest.WithMessage("older_than must not be negative")
	}
	if limit <= 0 {
		limit = r.limit
	}

	now := r.now().UTC()
	attempts, err := r.store.ListStaleAttempts(ctx, now.Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}

	out := make([]d.UnrecordedConfirmation, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, d.UnrecordedConfirmation{
			PaymentKey:     a.PaymentKey,
			OrderID:        a.OrderID,
			Amount:         a.Amount,
			StartedAt:      a.CreatedAt,
			MinutesPending: d.MinutesSince(a.UpdatedAt, now),
			LastError:      a.LastError,
		})
	}

	metrics.ReconciliationBacklog.WithLabelValues("unrecorded_confirmation").Set(float64(len(out)))
	return out, nil
}

// RetryProvisioning provisions one order, retrying transient failures with
// backoff.
func (r *Reconciler) RetryProvisioning(ctx context.Context, orderID string) ([]d.Enrollment, error) {
	var out []d.Enrollment
	err := retry.Do(
		func() error {
			enrollments, err := r.provisioner.ProvisionOrder(ctx, orderID)
			if err != nil {
				return err
			}
			out = enrollments
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.retryConf.Attempts),
		retry.Delay(r.retryConf.Delay),
		retry.MaxDelay(r.retryConf.MaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Uint("attempt", n+1).Msg("provisioning retry")
		}),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Run makes one repair pass: settle unrecorded confirmations first, then
// provision paid orders. It is meant to be triggered by a scheduler.
func (r *Reconciler) Run(ctx context.Context, olderThan time.Duration) (*d.ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Run")
	defer span.End()

	report := &d.ReconcileReport{
		StartedAt:     r.now().UTC(),
		Confirmations: []d.ReconcileItem{},
		Provisioning:  []d.ReconcileItem{},
	}

	attempts, err := r.store.ListStaleAttempts(ctx, report.StartedAt.Add(-olderThan), r.limit)
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	for _, a := range attempts {
		item := d.ReconcileItem{OrderID: a.OrderID, PaymentKey: a.PaymentKey}
		item.Outcome, err = r.orders.ResolveConfirmation(ctx, a)
		if err != nil {
			item.Error = err.Error()
			logger.Ctx(ctx).Warn().Err(err).Str("payment_key", a.PaymentKey).Str("outcome", string(item.Outcome)).Msg("confirmation not resolved")
		}
		report.Confirmations = append(report.Confirmations, item)
	}

	unprovisioned, err := r.ListUnprovisioned(ctx, olderThan, r.limit)
	if err != nil {
		return nil, err
	}
	for _, u := range unprovisioned {
		item := d.ReconcileItem{OrderID: u.OrderID, Outcome: d.OutcomeProvisioned}
		if _, err := r.RetryProvisioning(ctx, u.OrderID); err != nil {
			item.Outcome = d.OutcomeFailed
			if errors.Is(err, d.ErrEnrollmentConflict) {
				item.Outcome = d.OutcomeManual
			}
			item.Error = err.Error()
		}
		report.Provisioning = append(report.Provisioning, item)
	}

	report.FinishedAt = r.now().UTC()
	logger.Ctx(ctx).Info().
		Int("confirmations", len(report.Confirmations)).
		Int("provisioning", len(report.Provisioning)).
		Msg("reconciliation pass finished")
	return report, nil
}

func isRetryable(err error) bool {
	e, ok := d.AsError(err)
	return ok && e.Retryable
}

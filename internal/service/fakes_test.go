package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/course_cart/internal/cache"
	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/gateway"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory stand-in for Postgres and Mongo. Every method
// runs under one mutex, which gives it the same uniqueness and atomicity
// guarantees the real stores get from constraints and transactions.
type memStore struct {
	mu sync.Mutex

	courses     map[int64]*d.Course
	cart        map[string][]d.CartItem
	orders      map[string]*d.Order
	payments    map[string]*d.Payment
	attempts    map[string]*d.PaymentAttempt
	enrollments []*d.Enrollment
	failures    map[string]*failureRecord

	nextOrderID      int64
	nextEnrollmentID int64

	// fault injection
	failEnrollments     int
	failRecordPayment   error
	failListEnrollments error

	// runs after ListItems has read the cart, outside the lock
	afterListItems func(userID string)
}

type failureRecord struct {
	attempts     int
	lastError    string
	lastFailedAt time.Time
	resolved     bool
}

func newMemStore() *memStore {
	return &memStore{
		courses:  map[int64]*d.Course{},
		cart:     map[string][]d.CartItem{},
		orders:   map[string]*d.Order{},
		payments: map[string]*d.Payment{},
		attempts: map[string]*d.PaymentAttempt{},
		failures: map[string]*failureRecord{},
	}
}

func (m *memStore) putCourse(c d.Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = &c
}

func (m *memStore) setPrice(courseID, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[courseID].Price = price
}

func (m *memStore) setStatus(courseID int64, status d.CourseStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[courseID].Status = status
}

func (m *memStore) paymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *memStore) attempt(key string) d.PaymentAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.attempts[key]
}

func (m *memStore) enrollmentCount(orderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.enrollments {
		if e.OrderID != nil && *e.OrderID == orderID {
			n++
		}
	}
	return n
}

func copyOrder(o *d.Order) *d.Order {
	cp := *o
	cp.Items = append([]d.OrderItem(nil), o.Items...)
	return &cp
}

// CatalogLookup

func (m *memStore) GetCourse(_ context.Context, courseID int64) (*d.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[courseID]
	if !ok {
		return nil, d.ErrCourseNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetCourses(_ context.Context, courseIDs []int64) (map[int64]*d.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]*d.Course, len(courseIDs))
	for _, id := range courseIDs {
		if c, ok := m.courses[id]; ok {
			cp := *c
			out[id] = &cp
		}
	}
	return out, nil
}

// CartRepository

func (m *memStore) AddItem(_ context.Context, item *d.CartItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.cart[item.UserID] {
		if it.CourseID == item.CourseID {
			return d.ErrAlreadyInCart
		}
	}
	m.cart[item.UserID] = append(m.cart[item.UserID], *item)
	return nil
}

func (m *memStore) RemoveItem(_ context.Context, userID string, courseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(userID, map[int64]bool{courseID: true})
	return nil
}

func (m *memStore) RemoveItems(_ context.Context, userID string, courseIDs []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[int64]bool{}
	for _, id := range courseIDs {
		set[id] = true
	}
	return m.removeLocked(userID, set), nil
}

func (m *memStore) removeLocked(userID string, courseIDs map[int64]bool) int64 {
	var (
		kept    []d.CartItem
		removed int64
	)
	for _, it := range m.cart[userID] {
		if courseIDs[it.CourseID] {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	m.cart[userID] = kept
	return removed
}

func (m *memStore) DeleteCart(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.cart[userID]))
	delete(m.cart, userID)
	return n, nil
}

func (m *memStore) ListItems(_ context.Context, userID string) ([]d.CartItem, error) {
	m.mu.Lock()
	items := append([]d.CartItem{}, m.cart[userID]...)
	hook := m.afterListItems
	m.mu.Unlock()

	if hook != nil {
		hook(userID)
	}
	return items, nil
}

// EnrollmentStore

func (m *memStore) activeLocked(userID string, courseID int64) *d.Enrollment {
	for _, e := range m.enrollments {
		if e.UserID == userID && e.CourseID == courseID && e.Status == d.EnrollmentStatusActive {
			return e
		}
	}
	return nil
}

func (m *memStore) ActiveEnrollments(_ context.Context, userID string, courseIDs []int64) (map[int64]*d.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]*d.Enrollment{}
	for _, id := range courseIDs {
		if e := m.activeLocked(userID, id); e != nil {
			cp := *e
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *memStore) ListEnrollmentsByOrder(_ context.Context, orderID string) ([]d.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failListEnrollments != nil {
		return nil, m.failListEnrollments
	}
	var out []d.Enrollment
	for _, e := range m.enrollments {
		if e.OrderID != nil && *e.OrderID == orderID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memStore) CreateOrderEnrollments(_ context.Context, order *d.Order, at time.Time) ([]d.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEnrollments > 0 {
		m.failEnrollments--
		return nil, errors.New("enrollments: connection reset by peer")
	}

	stored, ok := m.orders[order.OrderID]
	if !ok {
		return nil, d.ErrOrderNotFound
	}
	if stored.Status != d.OrderStatusPaid {
		return nil, d.ErrInvalidStateTransition
	}

	var (
		out     []d.Enrollment
		pending []*d.Enrollment
	)
	for _, it := range order.Items {
		if e := m.activeLocked(order.UserID, it.CourseID); e != nil {
			if e.OrderID == nil || *e.OrderID != order.OrderID {
				return nil, d.ErrEnrollmentConflict
			}
			out = append(out, *e)
			continue
		}
		m.nextEnrollmentID++
		orderID := order.OrderID
		e := &d.Enrollment{
			ID:         m.nextEnrollmentID,
			UserID:     order.UserID,
			CourseID:   it.CourseID,
			OrderID:    &orderID,
			Source:     d.EnrollmentSourceOrder,
			Status:     d.EnrollmentStatusActive,
			EnrolledAt: at,
		}
		pending = append(pending, e)
		out = append(out, *e)
	}
	m.enrollments = append(m.enrollments, pending...)
	if f, ok := m.failures[order.OrderID]; ok {
		f.resolved = true
	}
	return out, nil
}

func (m *memStore) CreateFreeEnrollment(_ context.Context, userID string, courseID int64, at time.Time) (*d.Enrollment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.activeLocked(userID, courseID); e != nil {
		cp := *e
		return &cp, false, nil
	}
	m.nextEnrollmentID++
	e := &d.Enrollment{
		ID:         m.nextEnrollmentID,
		UserID:     userID,
		CourseID:   courseID,
		Source:     d.EnrollmentSourceFree,
		Status:     d.EnrollmentStatusActive,
		EnrolledAt: at,
	}
	m.enrollments = append(m.enrollments, e)
	cp := *e
	return &cp, true, nil
}

func (m *memStore) RecordProvisioningFailure(_ context.Context, orderID, cause string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[orderID]
	if !ok {
		f = &failureRecord{}
		m.failures[orderID] = f
	}
	f.attempts++
	f.lastError = cause
	f.lastFailedAt = at
	f.resolved = false
	return nil
}

// OrderStore

func (m *memStore) GetOrder(_ context.Context, orderID string) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, d.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *memStore) pendingLocked(key string) *d.Order {
	for _, o := range m.orders {
		if o.Status == d.OrderStatusPending && d.CheckoutKey(o.UserID, o.CourseIDs()) == key {
			return o
		}
	}
	return nil
}

func (m *memStore) FindPendingOrder(_ context.Context, userID string, courseIDs []int64) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o := m.pendingLocked(d.CheckoutKey(userID, courseIDs)); o != nil {
		return copyOrder(o), nil
	}
	return nil, d.ErrOrderNotFound
}

func (m *memStore) CreateOrder(_ context.Context, order *d.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingLocked(d.CheckoutKey(order.UserID, order.CourseIDs())) != nil {
		return d.ErrDuplicatePendingOrder
	}
	if _, ok := m.orders[order.OrderID]; ok {
		return fmt.Errorf("duplicate order id %s", order.OrderID)
	}
	m.nextOrderID++
	order.InternalID = m.nextOrderID
	m.orders[order.OrderID] = copyOrder(order)
	return nil
}

func (m *memStore) CancelOrder(_ context.Context, orderID, userID, reason string, at time.Time) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || (userID != "" && o.UserID != userID) {
		return nil, d.ErrOrderNotFound
	}
	if !o.Status.CanTransitionTo(d.OrderStatusCancelled) {
		return nil, d.ErrInvalidStateTransition
	}
	for _, a := range m.attempts {
		if a.OrderID == orderID && a.Status == d.AttemptStatusConfirming {
			return nil, d.ErrConfirmationInFlight
		}
	}
	o.Status = d.OrderStatusCancelled
	o.StatusReason = reason
	o.CancelledAt = &at
	o.UpdatedAt = at
	return copyOrder(o), nil
}

func (m *memStore) MarkRefunded(_ context.Context, orderID, reason string, at time.Time) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, d.ErrOrderNotFound
	}
	if !o.Status.CanTransitionTo(d.OrderStatusRefunded) {
		return nil, d.ErrInvalidStateTransition
	}
	o.Status = d.OrderStatusRefunded
	o.StatusReason = reason
	o.RefundedAt = &at
	o.UpdatedAt = at
	for _, p := range m.payments {
		if p.OrderID == orderID {
			p.Status = d.PaymentStatusCanceled
			p.CanceledAt = &at
		}
	}
	for _, e := range m.enrollments {
		if e.OrderID != nil && *e.OrderID == orderID && e.Status == d.EnrollmentStatusActive {
			e.Status = d.EnrollmentStatusRevoked
			e.RevokedAt = &at
		}
	}
	return copyOrder(o), nil
}

func (m *memStore) GetPaymentByKey(_ context.Context, paymentKey string) (*d.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentKey]
	if !ok {
		return nil, d.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) BeginPaymentAttempt(_ context.Context, a *d.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[a.OrderID]
	if !ok {
		return d.ErrOrderNotFound
	}
	if o.Status != d.OrderStatusPending {
		return d.ErrInvalidStateTransition
	}
	for key, other := range m.attempts {
		if other.OrderID == a.OrderID && other.Status == d.AttemptStatusConfirming && key != a.PaymentKey {
			return d.ErrConfirmationInFlight
		}
	}
	if existing, ok := m.attempts[a.PaymentKey]; ok {
		if existing.OrderID != a.OrderID {
			return d.ErrPaymentKeyReused
		}
		existing.Status = d.AttemptStatusConfirming
		existing.Amount = a.Amount
		existing.UpdatedAt = a.UpdatedAt
		return nil
	}
	cp := *a
	cp.Status = d.AttemptStatusConfirming
	m.attempts[a.PaymentKey] = &cp
	return nil
}

func (m *memStore) UpdatePaymentAttempt(_ context.Context, paymentKey string, status d.AttemptStatus, lastError string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[paymentKey]; ok {
		a.Status = status
		a.LastError = lastError
		a.UpdatedAt = at
	}
	return nil
}

func (m *memStore) RecordPayment(_ context.Context, p *d.Payment, at time.Time) (*d.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRecordPayment != nil {
		return nil, m.failRecordPayment
	}
	if _, ok := m.payments[p.PaymentKey]; ok {
		return nil, d.ErrPaymentAlreadyRecorded
	}
	for _, other := range m.payments {
		if other.OrderID == p.OrderID {
			return nil, d.ErrInvalidStateTransition
		}
	}
	o, ok := m.orders[p.OrderID]
	if !ok || o.Status != d.OrderStatusPending || o.Amount != p.Amount {
		return nil, d.ErrInvalidStateTransition
	}

	cp := *p
	m.payments[p.PaymentKey] = &cp
	key := p.PaymentKey
	o.Status = d.OrderStatusPaid
	o.PaymentKey = &key
	o.PaidAt = &at
	o.UpdatedAt = at
	if a, ok := m.attempts[p.PaymentKey]; ok {
		a.Status = d.AttemptStatusConfirmed
		a.LastError = ""
		a.UpdatedAt = at
	}
	return copyOrder(o), nil
}

// ReconciliationStore

func (m *memStore) ListUnprovisionedOrders(_ context.Context, paidBefore time.Time, limit int) ([]d.UnprovisionedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []d.UnprovisionedOrder
	for _, o := range m.orders {
		if o.Status != d.OrderStatusPaid || o.PaidAt == nil || o.PaidAt.After(paidBefore) {
			continue
		}
		linked := false
		for _, e := range m.enrollments {
			if e.OrderID != nil && *e.OrderID == o.OrderID {
				linked = true
				break
			}
		}
		if linked {
			continue
		}
		u := d.UnprovisionedOrder{OrderID: o.OrderID, UserID: o.UserID, PaidAt: *o.PaidAt}
		if f, ok := m.failures[o.OrderID]; ok && !f.resolved {
			at := f.lastFailedAt
			u.Attempts, u.LastError, u.LastFailedAt = f.attempts, f.lastError, &at
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(out[j].PaidAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListStaleAttempts(_ context.Context, before time.Time, limit int) ([]d.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []d.PaymentAttempt
	for key, a := range m.attempts {
		if a.Status != d.AttemptStatusConfirming || a.UpdatedAt.After(before) {
			continue
		}
		if _, ok := m.payments[key]; ok {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeGateway captures payments the way the real gateway does: confirming
// a key twice returns the first capture.
type fakeGateway struct {
	mu       sync.Mutex
	captured map[string]*gateway.Payment
	calls    map[string]int

	confirmErr     error
	captureThenErr error
	reportedAmount int64
	lookupErr      error
	cancelErr      error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		captured: map[string]*gateway.Payment{},
		calls:    map[string]int{},
	}
}

func (g *fakeGateway) callCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) Confirm(_ context.Context, req gateway.ConfirmRequest) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["confirm"]++
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	if p, ok := g.captured[req.PaymentKey]; ok {
		cp := *p
		return &cp, nil
	}

	amount := req.Amount
	if g.reportedAmount != 0 {
		amount = g.reportedAmount
	}
	p := &gateway.Payment{
		PaymentKey:  req.PaymentKey,
		OrderID:     req.OrderID,
		Status:      gateway.StatusDone,
		Method:      "CARD",
		TotalAmount: amount,
		RequestedAt: time.Date(2026, 3, 1, 9, 59, 0, 0, time.UTC),
		ApprovedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Raw:         []byte(fmt.Sprintf(`{"paymentKey":%q}`, req.PaymentKey)),
	}
	g.captured[req.PaymentKey] = p
	if g.captureThenErr != nil {
		return nil, g.captureThenErr
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) Lookup(_ context.Context, paymentKey string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["lookup"]++
	if g.lookupErr != nil {
		return nil, g.lookupErr
	}
	p, ok := g.captured[paymentKey]
	if !ok {
		return nil, gateway.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) Cancel(_ context.Context, paymentKey, _ string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["cancel"]++
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	p, ok := g.captured[paymentKey]
	if !ok {
		return nil, gateway.ErrPaymentNotFound
	}
	p.Status = gateway.StatusCanceled
	cp := *p
	return &cp, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

type testEnv struct {
	store       *memStore
	gw          *fakeGateway
	mr          *miniredis.Miniredis
	clock       *fakeClock
	cart        *CartService
	validator   *CheckoutValidator
	orders      *OrderService
	provisioner *Provisioner
	reconciler  *Reconciler

	nextOrderID string
}

const (
	courseGo   int64 = 101 // 99000
	courseSQL  int64 = 102 // 50000
	courseFree int64 = 103
	courseK8s  int64 = 104 // 129000, draft
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemStore()
	store.putCourse(d.Course{ID: courseGo, Title: "Go Concurrency", OriginalPrice: 129000, Price: 99000, Status: d.CourseStatusPublished})
	store.putCourse(d.Course{ID: courseSQL, Title: "SQL Basics", OriginalPrice: 50000, Price: 50000, Status: d.CourseStatusPublished})
	store.putCourse(d.Course{ID: courseFree, Title: "Git Intro", IsFree: true, Status: d.CourseStatusPublished})
	store.putCourse(d.Course{ID: courseK8s, Title: "Kubernetes", OriginalPrice: 129000, Price: 129000, Status: d.CourseStatusDraft})

	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	gw := newFakeGateway()

	env := &testEnv{store: store, gw: gw, mr: mr, clock: clock}
	env.cart = NewCartService(store, cache.NewRedisCache(client, time.Minute), store, store)
	env.cart.now = clock.Now
	env.validator = NewCheckoutValidator(store, store)
	env.provisioner = NewProvisioner(store, store, store)
	env.provisioner.now = clock.Now
	env.orders = NewOrderService(store, store, env.validator, gw, env.provisioner)
	env.orders.now = clock.Now
	env.orders.newID = func() string {
		require.NotEmpty(t, env.nextOrderID, "test must choose the next order id")
		id := env.nextOrderID
		env.nextOrderID = ""
		return id
	}
	env.reconciler = NewReconciler(store, env.orders, env.provisioner, RetryConfig{
		Attempts: 3,
		Delay:    time.Millisecond,
		MaxDelay: 5 * time.Millisecond,
	}, 100)
	env.reconciler.now = clock.Now
	return env
}

// openOrder creates a PENDING order with a fixed external id.
func (e *testEnv) openOrder(t *testing.T, orderID, userID string, courseID int64) *d.Order {
	t.Helper()
	e.nextOrderID = orderID
	o, err := e.orders.CreateOrder(context.Background(), userID, courseID, nil)
	require.NoError(t, err)
	require.Equal(t, orderID, o.OrderID)
	return o
}

func (e *testEnv) confirm(userID, paymentKey, orderID string, amount int64) (*ConfirmResult, error) {
	return e.orders.ConfirmPayment(context.Background(), ConfirmPaymentRequest{
		UserID:     userID,
		PaymentKey: paymentKey,
		OrderID:    orderID,
		Amount:     amount,
	})
}

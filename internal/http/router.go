package http

import (
	"net/http"
	"time"

	"github.com/fjod/course_cart/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Services struct {
	Carts          CartAPI
	Checkout       CheckoutAPI
	Orders         OrderAPI
	Enrollments    EnrollmentAPI
	Reconciliation ReconciliationAPI
}

type Options struct {
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
	// DefaultOlderThan applies when admin queries omit older_than_minutes.
	DefaultOlderThan time.Duration
	Logger           zerolog.Logger
	Metrics          *metrics.ServerMetrics
}

func NewRouter(svc Services, opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = 1 << 20 // 1MB
	}

	cartHandler := NewCartHandler(svc.Carts, opts.RequestTimeout, opts.MaxRequestBodySize)
	checkoutHandler := NewCheckoutHandler(svc.Checkout, opts.RequestTimeout, opts.MaxRequestBodySize)
	ordersHandler := NewOrdersHandler(svc.Orders, opts.RequestTimeout, opts.MaxRequestBodySize)
	enrollmentHandler := NewEnrollmentHandler(svc.Enrollments, opts.RequestTimeout, opts.MaxRequestBodySize)
	reconciliationHandler := NewReconciliationHandler(svc.Reconciliation, opts.DefaultOlderThan)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(MetricsMiddleware(opts.Metrics))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cartHandler.GetCart)
			r.Post("/", cartHandler.AddItem)
			r.Delete("/", cartHandler.ClearCart)
			r.Delete("/items/{course_id}", cartHandler.RemoveItem)
		})
		r.Post("/checkout/validate", checkoutHandler.Validate)
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", ordersHandler.CreateOrder)
			r.Get("/{order_id}", ordersHandler.GetOrder)
			r.Post("/{order_id}/cancel", ordersHandler.CancelOrder)
		})
		r.Post("/payments/confirm", ordersHandler.ConfirmPayment)
		r.Post("/enrollments/free", enrollmentHandler.GrantFree)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/reconciliation/orders", reconciliationHandler.ListOrders)
			r.Get("/reconciliation/confirmations", reconciliationHandler.ListConfirmations)
			r.Post("/reconciliation/orders/{order_id}/provision", reconciliationHandler.Provision)
			r.Post("/reconciliation/run", reconciliationHandler.Run)
			r.Post("/orders/{order_id}/refund", ordersHandler.RefundOrder)
		})
	})

	return otelhttp.NewHandler(r, "commerce-api")
}

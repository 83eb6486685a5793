package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/metrics"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	StatusDone     = "DONE"
	StatusCanceled = "CANCELED"
	StatusAborted  = "ABORTED"
	StatusExpired  = "EXPIRED"

	codeAlreadyProcessed = "ALREADY_PROCESSED_PAYMENT"
	codeAlreadyCanceled  = "ALREADY_CANCELED_PAYMENT"
	codeNotFound         = "NOT_FOUND_PAYMENT"
)

// ErrPaymentNotFound is returned by Lookup when the gateway has never seen
// the payment key.
var ErrPaymentNotFound = errors.New("payment not found at gateway")

type ConfirmRequest struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

// Payment is the gateway's view of a payment.
type Payment struct {
	PaymentKey  string          `json:"paymentKey"`
	OrderID     string          `json:"orderId"`
	Status      string          `json:"status"`
	Method      string          `json:"method"`
	TotalAmount int64           `json:"totalAmount"`
	RequestedAt time.Time       `json:"requestedAt"`
	ApprovedAt  time.Time       `json:"approvedAt"`
	Raw         json.RawMessage `json:"-"`
}

type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Settings struct {
	BaseURL             string
	SecretKey           string
	Timeout             time.Duration
	MaxRequests         uint32
	Interval            time.Duration
	OpenTimeout         time.Duration
	ConsecutiveFailures uint32
}

type Client struct {
	baseURL string
	authz   string
	timeout time.Duration
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[*Payment]
}

func NewClient(s Settings) *Client {
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	failures := s.ConsecutiveFailures

	c := &Client{
		baseURL: s.BaseURL,
		authz:   "Basic " + base64.StdEncoding.EncodeToString([]byte(s.SecretKey+":")),
		timeout: s.Timeout,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	c.cb = gobreaker.NewCircuitBreaker[*Payment](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// a rejection is the gateway working as intended
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, d.ErrGatewayRejected) || errors.Is(err, ErrPaymentNotFound)
		},
	})
	return c
}

// Confirm asks the gateway to capture the payment. A confirmation the
// gateway already processed is resolved by looking the payment up, so
// retrying with the same key after a timeout is safe.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) (*Payment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal confirm request: %w", err)
	}

	p, err := c.call(ctx, "confirm", http.MethodPost, "/v1/payments/confirm", body)
	var rej *d.Error
	if errors.As(err, &rej) && rejectionCode(rej) == codeAlreadyProcessed {
		return c.Lookup(ctx, req.PaymentKey)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDone {
		return nil, d.ErrGatewayRejected.
			WithMessage(fmt.Sprintf("payment %s is %s", p.PaymentKey, p.Status)).
			WithDetails(Rejection{Code: p.Status, Message: "payment not completed"})
	}
	return p, nil
}

func (c *Client) Lookup(ctx context.Context, paymentKey string) (*Payment, error) {
	p, err := c.call(ctx, "lookup", http.MethodGet, "/v1/payments/"+url.PathEscape(paymentKey), nil)
	var rej *d.Error
	if errors.As(err, &rej) && rejectionCode(rej) == codeNotFound {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (c *Client) Cancel(ctx context.Context, paymentKey, reason string) (*Payment, error) {
	body, err := json.Marshal(map[string]string{"cancelReason": reason})
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	return c.call(ctx, "cancel", http.MethodPost, "/v1/payments/"+url.PathEscape(paymentKey)+"/cancel", body)
}

func (c *Client) call(ctx context.Context, op, method, path string, body []byte) (*Payment, error) {
	start := time.Now()
	p, err := c.cb.Execute(func() (*Payment, error) {
		return c.do(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = d.ErrGatewayUnavailable.WithMessage("payment gateway circuit is open").WithCause(err)
	}
	metrics.GatewayLatency.WithLabelValues(op, resultLabel(err)).Observe(time.Since(start).Seconds())
	return p, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Authorization", c.authz)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, d.ErrGatewayTimeout.WithCause(err)
		}
		return nil, d.ErrGatewayUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, d.ErrGatewayTimeout.WithCause(err)
		}
		return nil, d.ErrGatewayUnavailable.WithCause(fmt.Errorf("read gateway response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, d.ErrGatewayUnavailable.WithMessage(fmt.Sprintf("payment gateway answered %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		var rej Rejection
		if err := json.Unmarshal(raw, &rej); err != nil || rej.Code == "" {
			rej = Rejection{Code: http.StatusText(resp.StatusCode), Message: string(raw)}
		}
		return nil, d.ErrGatewayRejected.WithMessage(rej.Message).WithDetails(rej)
	}

	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		// the gateway answered but we cannot read it: we do not know what happened
		return nil, d.ErrGatewayTimeout.WithMessage("unreadable gateway response, outcome unknown").WithCause(err)
	}
	p.Raw = raw
	return &p, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsAlreadyCanceled reports whether a Cancel failed only because the
// payment had been canceled before.
func IsAlreadyCanceled(err error) bool {
	var rej *d.Error
	return errors.As(err, &rej) && rejectionCode(rej) == codeAlreadyCanceled
}

func rejectionCode(e *d.Error) string {
	if r, ok := e.Details.(Rejection); ok {
		return r.Code
	}
	return ""
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if e, ok := d.AsError(err); ok {
		return e.Code
	}
	return "error"
}

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/logger"
	"github.com/segmentio/kafka-go"
)

type CartCleaner interface {
	RemovePurchased(ctx context.Context, userID string, courseIDs []int64) (int64, error)
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CartCleanup removes purchased courses from the buyer's cart once a
// payment.confirmed event arrives. Other event types on the topic are
// committed and skipped.
type CartCleanup struct {
	carts  CartCleaner
	reader MessageReader
	// pause after a failed fetch so a dead broker does not spin the loop
	backoff time.Duration
}

func NewCartCleanup(carts CartCleaner, topic, groupID string, brokers ...string) *CartCleanup {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return &CartCleanup{carts: carts, reader: reader, backoff: time.Second}
}

func (c *CartCleanup) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *CartCleanup) Close() {
	if err := c.reader.Close(); err != nil {
		logger.Ctx(context.Background()).Error().Err(err).Msg("error closing kafka reader")
	}
}

func (c *CartCleanup) processMessage(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Ctx(ctx).Error().Err(err).Msg("error reading message")
		sleep(ctx, c.backoff)
		return
	}

	if err := c.handleMessage(ctx, m); err != nil {
		// not committed: the message is delivered again after a rebalance or restart
		logger.Ctx(ctx).Error().Err(err).Int64("offset", m.Offset).Msg("cart cleanup failed")
		sleep(ctx, c.backoff)
		return
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("offset", m.Offset).Msg("error committing message")
	}
}

// handleMessage returns an error only for failures worth redelivering.
func (c *CartCleanup) handleMessage(ctx context.Context, m kafka.Message) error {
	if eventType(m) != d.EventPaymentConfirmed {
		return nil
	}

	var event d.PaymentConfirmedEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int64("offset", m.Offset).Msg("skipping malformed payment event")
		return nil
	}
	if event.UserID == "" || len(event.CourseIDs) == 0 {
		logger.Ctx(ctx).Warn().Str("order_id", event.OrderID).Msg("payment event without user or courses")
		return nil
	}

	removed, err := c.carts.RemovePurchased(ctx, event.UserID, event.CourseIDs)
	if err != nil {
		return fmt.Errorf("remove purchased courses of order %s: %w", event.OrderID, err)
	}
	logger.Ctx(ctx).Info().Str("order_id", event.OrderID).Int64("removed", removed).Msg("purchased courses removed from cart")
	return nil
}

func eventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == "event_type" {
			return string(h.Value)
		}
	}
	return ""
}

func sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

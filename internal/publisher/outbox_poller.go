package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/fjod/course_cart/internal/logger"
	"github.com/fjod/course_cart/internal/metrics"
	r "github.com/fjod/course_cart/internal/repository"
	"github.com/segmentio/kafka-go"
)

type OutboxStore interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*r.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

// MessageWriter is the part of *kafka.Writer the poller uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string
	Topic        string
	PollInterval time.Duration
	BatchSize    int
	Timeout      time.Duration
}

// OutboxPoller ships rows committed to outbox_events to Kafka. Delivery is
// at least once: an event is marked processed only after the broker acked it.
type OutboxPoller struct {
	store     OutboxStore
	writer    MessageWriter
	tick      time.Duration
	batchSize int
	timeout   time.Duration
}

func NewOutboxPoller(store OutboxStore, cfg Config) *OutboxPoller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newOutboxPoller(store, w, cfg)
}

func newOutboxPoller(store OutboxStore, w MessageWriter, cfg Config) *OutboxPoller {
	p := &OutboxPoller{
		store:     store,
		writer:    w,
		tick:      cfg.PollInterval,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
	}
	if p.tick <= 0 {
		p.tick = time.Second
	}
	if p.batchSize <= 0 {
		p.batchSize = 100
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}
	return p
}

func (p *OutboxPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

// processUnpublishedEvents returns how many events were published and marked.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.store.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to fetch outbox events")
		return 0
	}

	done := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			// keep order per aggregate: later events wait for the next tick
			logger.Ctx(ctx).Warn().Err(err).Int64("event_id", event.ID).Str("event_type", event.EventType).Msg("failed to publish outbox event")
			return done
		}
		if err := p.store.MarkEventAsProcessed(ctx, event.ID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Int64("event_id", event.ID).Msg("failed to mark outbox event as processed")
			return done
		}
		metrics.OutboxPublished.WithLabelValues(event.EventType).Inc()
		done++
	}
	return done
}

func (p *OutboxPoller) publish(ctx context.Context, event *r.OutboxEvent) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %d: %w", event.ID, err)
	}
	return nil
}

/*
Package consumer drives the settlement engine from Kafka.

DELIVERY:
  Messages are fetched, handled, then committed. The engine is idempotent,
  so at-least-once delivery is safe: a redelivered order.paid replays to
  the same entries and a redelivered refund.requested reverses nothing.

  outcome      | when                                   | committed
  -------------|----------------------------------------|----------
  handled      | engine call succeeded                  | yes
  skipped      | malformed payload, input error,        | yes
               | invariant violation, unknown topic     |
  retried      | transient store error                  | after success
  abandoned    | other failure after MaxAttempts tries  | yes

  Offsets are committed in order, so a failing message is retried in place
  rather than passed over; passing it would commit it implicitly.
*/
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/warp/commission-ledger/settlement"
)

// Outcomes reported to Observer.
const (
	OutcomeHandled   = "handled"
	OutcomeSkipped   = "skipped"
	OutcomeRetried   = "retried"
	OutcomeAbandoned = "abandoned"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Settler is implemented by *settlement.Engine.
type Settler interface {
	OrderPaid(ctx context.Context, ev settlement.OrderPaidEvent) (settlement.SettlementResult, error)
	RefundRequested(ctx context.Context, ev settlement.RefundRequestedEvent) (settlement.RefundResult, error)
}

// Observer counts handled messages; *metrics.Metrics implements it.
type Observer interface {
	ConsumerMessage(topic, outcome string)
}

type nopObserver struct{}

func (nopObserver) ConsumerMessage(string, string) {}

// Topics names the two inbound event streams.
type Topics struct {
	Paid   string
	Refund string
}

func DefaultTopics() Topics {
	return Topics{Paid: "order.paid", Refund: "refund.requested"}
}

// Consumer routes Kafka messages to a Settler.
type Consumer struct {
	settler  Settler
	topics   Topics
	log      zerolog.Logger
	observer Observer

	// MaxAttempts bounds retries of failures that are neither input errors
	// nor transient. Transient failures retry until the context ends.
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

type Option func(*Consumer)

func WithLogger(l zerolog.Logger) Option { return func(c *Consumer) { c.log = l } }

func WithObserver(o Observer) Option { return func(c *Consumer) { c.observer = o } }

func WithTopics(t Topics) Option { return func(c *Consumer) { c.topics = t } }

func New(settler Settler, opts ...Option) *Consumer {
	c := &Consumer{
		settler:     settler,
		topics:      DefaultTopics(),
		log:         log.Logger.With().Str("component", "consumer").Logger(),
		observer:    nopObserver{},
		MaxAttempts: 5,
		MinBackoff:  100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run fetches and handles messages until ctx ends or the reader fails.
// A cancelled context returns nil.
func (c *Consumer) Run(ctx context.Context, r MessageReader) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d on %s: %w", msg.Offset, msg.Topic, err)
		}
	}
}

// process handles msg, retrying in place. A nil return means msg may be
// committed; an error is returned only when ctx ends mid-retry.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	backoff := c.MinBackoff
	for attempt := 1; ; attempt++ {
		err := c.Handle(ctx, msg)
		switch {
		case err == nil:
			return nil
		case settlement.IsRetryable(err):
			c.observer.ConsumerMessage(msg.Topic, OutcomeRetried)
			c.log.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
				Int("attempt", attempt).Msg("transient failure, retrying")
		case attempt >= c.MaxAttempts:
			c.observer.ConsumerMessage(msg.Topic, OutcomeAbandoned)
			c.log.Error().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
				Int("attempt", attempt).Msg("giving up on message")
			return nil
		default:
			c.observer.ConsumerMessage(msg.Topic, OutcomeRetried)
			c.log.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
				Int("attempt", attempt).Msg("handler failed, retrying")
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, c.MaxBackoff)
	}
}

// Handle applies one message. It returns nil for anything that should be
// committed, including payloads that can never succeed.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	var err error
	switch msg.Topic {
	case c.topics.Paid:
		err = c.handlePaid(ctx, msg)
	case c.topics.Refund:
		err = c.handleRefund(ctx, msg)
	default:
		c.log.Warn().Str("topic", msg.Topic).Msg("message on unknown topic")
		c.observer.ConsumerMessage(msg.Topic, OutcomeSkipped)
		return nil
	}

	if err == nil {
		c.observer.ConsumerMessage(msg.Topic, OutcomeHandled)
		return nil
	}
	if poison(err) {
		c.log.Error().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
			Bytes("key", msg.Key).Msg("skipping message")
		c.observer.ConsumerMessage(msg.Topic, OutcomeSkipped)
		return nil
	}
	return err
}

var errMalformed = errors.New("malformed payload")

func poison(err error) bool {
	return errors.Is(err, errMalformed) ||
		settlement.IsClientError(err) ||
		errors.Is(err, settlement.ErrInvariantViolation)
}

func (c *Consumer) handlePaid(ctx context.Context, msg kafka.Message) error {
	var ev settlement.OrderPaidEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	res, err := c.settler.OrderPaid(ctx, ev)
	if err != nil {
		return err
	}
	c.log.Debug().Str("order_id", string(ev.OrderID)).Int("created", res.Created).
		Bool("replayed", res.Replayed).Msg("order settled")
	return nil
}

func (c *Consumer) handleRefund(ctx context.Context, msg kafka.Message) error {
	var ev settlement.RefundRequestedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	res, err := c.settler.RefundRequested(ctx, ev)
	if err != nil {
		return err
	}
	c.log.Debug().Str("order_id", string(ev.OrderID)).Int("reversed", res.ReversedCount).
		Str("status", string(res.Status)).Msg("refund applied")
	return nil
}

// ReaderConfig configures NewReader.
type ReaderConfig struct {
	Brokers []string
	GroupID string
	Topics  Topics
}

// NewReader builds a consumer-group reader over both topics. Commits are
// explicit, one message at a time.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    []string{cfg.Topics.Paid, cfg.Topics.Refund},
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
		MaxBytes:       10e6,
	})
}

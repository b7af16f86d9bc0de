package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/storefront-go/broker"
	"github.com/google/uuid"
)

// DefaultTopic is the broker topic used for auth events.
const DefaultTopic = "auth-events"

// BrokerChannel is an EventSource and EventPublisher backed by a broker topic,
// so every process sharing the broker observes the same ordered event stream.
type BrokerChannel struct {
	b     broker.Broker
	topic string
	log   *slog.Logger
	now   func() time.Time
}

// ChannelOption configures a BrokerChannel.
type ChannelOption func(*BrokerChannel)

// WithTopic overrides DefaultTopic.
func WithTopic(topic string) ChannelOption {
	return func(c *BrokerChannel) { c.topic = topic }
}

// WithChannelLogger sets the logger.
func WithChannelLogger(l *slog.Logger) ChannelOption {
	return func(c *BrokerChannel) { c.log = l }
}

// NewBrokerChannel returns a channel on b.
func NewBrokerChannel(b broker.Broker, opts ...ChannelOption) *BrokerChannel {
	c := &BrokerChannel{
		b:     b,
		topic: DefaultTopic,
		log:   slog.New(slog.DiscardHandler),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Emit publishes ev, assigning an ID and timestamp when missing.
func (c *BrokerChannel) Emit(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("identity: encode event: %w", err)
	}
	if _, err := c.b.Publish(ctx, c.topic, data); err != nil {
		return fmt.Errorf("identity: publish event: %w", err)
	}
	return nil
}

// OnAuthStateChange implements EventSource. A lagging subscription is resumed
// from the last delivered event so ordering is preserved.
func (c *BrokerChannel) OnAuthStateChange(ctx context.Context, handler EventHandler) error {
	var lastID string
	for {
		err := c.b.Subscribe(ctx, c.topic, lastID, func(ctx context.Context, env broker.MessageEnvelope) error {
			lastID = env.ID
			var ev Event
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				c.log.WarnContext(ctx, "auth_event.decode.fail", slog.String("id", env.ID), slog.String("err", err.Error()))
				return nil
			}
			return handler(ctx, ev)
		})
		switch {
		case errors.Is(err, broker.ErrLagged):
			c.log.InfoContext(ctx, "auth_event.subscription.lagged", slog.String("last_id", lastID))
		case errors.Is(err, broker.ErrUnknownEventID):
			c.log.WarnContext(ctx, "auth_event.subscription.history_lost", slog.String("last_id", lastID))
			lastID = ""
		default:
			return err
		}
	}
}

var (
	_ EventSource    = (*BrokerChannel)(nil)
	_ EventPublisher = (*BrokerChannel)(nil)
)

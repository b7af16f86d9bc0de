// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for message delivery. This implementation is
// suitable for single-process deployments and testing scenarios.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/ggoodman/storefront-go/broker"
)

const (
	defaultHistory = 1024
	subscriberBuf  = 256
)

// Broker implements broker.Broker using in-memory channels and storage.
// State is local to the process.
type Broker struct {
	mu         sync.Mutex
	topics     map[string]*topic
	maxHistory int
}

type topic struct {
	mu          sync.Mutex
	seq         int64
	messages    []broker.MessageEnvelope
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	ch     chan broker.MessageEnvelope
	lagged chan struct{}
	done   chan struct{}
}

// Option configures the memory broker.
type Option func(*Broker)

// WithMaxHistory bounds the number of retained messages per topic that can be
// replayed by resuming subscribers.
func WithMaxHistory(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxHistory = n
		}
	}
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{topics: make(map[string]*topic), maxHistory: defaultHistory}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, topicName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t := b.topic(topicName)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", broker.ErrTopicClosed
	}

	t.seq++
	env := broker.MessageEnvelope{
		ID:   strconv.FormatInt(t.seq, 10),
		Data: append([]byte(nil), data...),
	}

	t.messages = append(t.messages, env)
	if len(t.messages) > b.maxHistory {
		t.messages = t.messages[len(t.messages)-b.maxHistory:]
	}

	for sub := range t.subscribers {
		select {
		case sub.ch <- env:
		default:
			// Never drop silently: the subscriber is told to resume from
			// history, which preserves ordering.
			delete(t.subscribers, sub)
			close(sub.lagged)
		}
	}

	return env.ID, nil
}

// Subscribe implements broker.Broker.Subscribe.
func (b *Broker) Subscribe(ctx context.Context, topicName string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := b.topic(topicName)
	sub := &subscription{
		ch:     make(chan broker.MessageEnvelope, subscriberBuf),
		lagged: make(chan struct{}),
		done:   make(chan struct{}),
	}

	// Snapshot replay and register atomically so nothing is missed or
	// delivered twice.
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return broker.ErrTopicClosed
	}
	var replay []broker.MessageEnvelope
	if lastEventID != "" {
		idx := -1
		for i := range t.messages {
			if t.messages[i].ID == lastEventID {
				idx = i
				break
			}
		}
		if idx < 0 {
			t.mu.Unlock()
			return broker.ErrUnknownEventID
		}
		replay = append(replay, t.messages[idx+1:]...)
	}
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.subscribers, sub)
		t.mu.Unlock()
	}()

	for _, env := range replay {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ctx, env); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
			return broker.ErrTopicClosed
		case env := <-sub.ch:
			if err := handler(ctx, env); err != nil {
				return err
			}
		case <-sub.lagged:
			// Deliver what was buffered before reporting the lag.
			for {
				select {
				case env := <-sub.ch:
					if err := handler(ctx, env); err != nil {
						return err
					}
				default:
					return broker.ErrLagged
				}
			}
		}
	}
}

// Cleanup implements broker.Broker.Cleanup.
func (b *Broker) Cleanup(ctx context.Context, topicName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	t, ok := b.topics[topicName]
	if ok {
		delete(b.topics, topicName)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for sub := range t.subscribers {
		close(sub.done)
	}
	t.subscribers = make(map[*subscription]struct{})
	t.messages = nil
	return nil
}

// Compile-time interface checks
var _ broker.Broker = (*Broker)(nil)

// Package brokertest is a conformance suite shared by broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/storefront-go/broker"
	"github.com/google/uuid"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("SubscribeFromLastEventID", func(t *testing.T) {
		testSubscribeFromLastEventID(t, factory)
	})
	t.Run("MultipleSubscribersToSameTopic", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
	t.Run("ResumeFromInvalidEventID", func(t *testing.T) {
		testResumeFromInvalidEventID(t, factory)
	})
}

func topicName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// collector accumulates delivered envelopes and signals when want have arrived.
type collector struct {
	mu   sync.Mutex
	got  []broker.MessageEnvelope
	want int
	done chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, done: make(chan struct{})}
}

func (c *collector) handle(_ context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	if len(c.got) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) messages() []broker.MessageEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.got...)
}

func (c *collector) wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(timeout):
		t.Fatalf("expected %d messages, got %d", c.want, len(c.messages()))
	}
}

func subscribe(ctx context.Context, b broker.Broker, topic, lastID string, h broker.MessageHandler) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, topic, lastID, h)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not complete within timeout")
		return nil
	}
}

func testPublishAndSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("publish")
	defer cleanupTopic(t, b, topic)

	c := newCollector(1)
	done := subscribe(ctx, b, topic, "", c.handle)

	// Give subscription time to start
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, topic, []byte(`{"type":"SIGNED_IN"}`))
	if err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	if eventID == "" {
		t.Fatal("Expected non-empty event ID")
	}

	c.wait(t, 2*time.Second)
	cancel()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	got := c.messages()
	if got[0].ID != eventID {
		t.Fatalf("Expected event ID %s, got %s", eventID, got[0].ID)
	}
	if string(got[0].Data) != `{"type":"SIGNED_IN"}` {
		t.Fatalf("Unexpected payload %q", got[0].Data)
	}
}

func testSubscribeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("resume")
	defer cleanupTopic(t, b, topic)

	var ids []string
	for i := 1; i <= 3; i++ {
		id, err := b.Publish(ctx, topic, []byte(fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("Failed to publish message %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	c := newCollector(2)
	done := subscribe(ctx, b, topic, ids[0], c.handle)
	c.wait(t, 2*time.Second)
	cancel()
	_ = waitDone(t, done)

	got := c.messages()
	if got[0].ID != ids[1] || got[1].ID != ids[2] {
		t.Fatalf("Expected IDs %v, got %s, %s", ids[1:], got[0].ID, got[1].ID)
	}
	if string(got[0].Data) != "m2" || string(got[1].Data) != "m3" {
		t.Fatalf("Unexpected payloads %q, %q", got[0].Data, got[1].Data)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("fanout")
	defer cleanupTopic(t, b, topic)

	c1 := newCollector(1)
	c2 := newCollector(1)
	done1 := subscribe(ctx, b, topic, "", c1.handle)
	done2 := subscribe(ctx, b, topic, "", c2.handle)

	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, topic, []byte("hello"))
	if err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}

	c1.wait(t, 2*time.Second)
	c2.wait(t, 2*time.Second)
	cancel()
	_ = waitDone(t, done1)
	_ = waitDone(t, done2)

	if got := c1.messages(); got[0].ID != eventID {
		t.Fatalf("First subscriber: expected event ID %s, got %s", eventID, got[0].ID)
	}
	if got := c2.messages(); got[0].ID != eventID {
		t.Fatalf("Second subscriber: expected event ID %s, got %s", eventID, got[0].ID)
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topicA := topicName("iso-a")
	topicB := topicName("iso-b")
	defer cleanupTopic(t, b, topicA)
	defer cleanupTopic(t, b, topicB)

	ca := newCollector(1)
	cb := newCollector(1)
	doneA := subscribe(ctx, b, topicA, "", ca.handle)
	doneB := subscribe(ctx, b, topicB, "", cb.handle)

	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, topicA, []byte("a")); err != nil {
		t.Fatalf("Failed to publish to %s: %v", topicA, err)
	}
	if _, err := b.Publish(ctx, topicB, []byte("b")); err != nil {
		t.Fatalf("Failed to publish to %s: %v", topicB, err)
	}

	ca.wait(t, 2*time.Second)
	cb.wait(t, 2*time.Second)

	// Allow any misrouted delivery to land before asserting.
	time.Sleep(100 * time.Millisecond)
	cancel()
	_ = waitDone(t, doneA)
	_ = waitDone(t, doneB)

	gotA, gotB := ca.messages(), cb.messages()
	if len(gotA) != 1 || string(gotA[0].Data) != "a" {
		t.Fatalf("Topic A received %v", gotA)
	}
	if len(gotB) != 1 || string(gotB[0].Data) != "b" {
		t.Fatalf("Topic B received %v", gotB)
	}
}

func testOrderPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := topicName("order")
	defer cleanupTopic(t, b, topic)

	const n = 50
	c := newCollector(n)
	done := subscribe(ctx, b, topic, "", c.handle)

	time.Sleep(100 * time.Millisecond)

	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, topic, []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Failed to publish message %d: %v", i, err)
		}
	}

	c.wait(t, 5*time.Second)
	cancel()
	_ = waitDone(t, done)

	for i, env := range c.messages() {
		if want := fmt.Sprintf("%d", i); string(env.Data) != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, env.Data)
		}
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	topic := topicName("cancel")
	defer cleanupTopic(t, b, topic)

	done := subscribe(ctx, b, topic, "", func(context.Context, broker.MessageEnvelope) error {
		return nil
	})

	if err := waitDone(t, done); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("handler-err")
	defer cleanupTopic(t, b, topic)

	handlerErr := errors.New("handler failed")
	done := subscribe(ctx, b, topic, "", func(context.Context, broker.MessageEnvelope) error {
		return handlerErr
	})

	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, topic, []byte("boom")); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}

	if err := waitDone(t, done); !errors.Is(err, handlerErr) {
		t.Fatalf("Expected handler error, got %v", err)
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("cleanup")

	if _, err := b.Publish(ctx, topic, []byte("old")); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	if err := b.Cleanup(ctx, topic); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	// Cleanup of an unknown topic is a no-op.
	if err := b.Cleanup(ctx, topicName("never-used")); err != nil {
		t.Fatalf("Cleanup of unknown topic failed: %v", err)
	}

	// The topic is usable again and old history does not leak.
	c := newCollector(1)
	done := subscribe(ctx, b, topic, "", c.handle)
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, topic, []byte("new")); err != nil {
		t.Fatalf("Failed to publish after cleanup: %v", err)
	}
	c.wait(t, 2*time.Second)
	cancel()
	_ = waitDone(t, done)

	if got := c.messages(); string(got[0].Data) != "new" {
		t.Fatalf("Expected only the new message, got %q", got[0].Data)
	}
	_ = b.Cleanup(context.Background(), topic)
}

func testResumeFromInvalidEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := topicName("invalid-id")
	defer cleanupTopic(t, b, topic)

	if _, err := b.Publish(ctx, topic, []byte("x")); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}

	err := b.Subscribe(ctx, topic, "not-an-event-id", func(context.Context, broker.MessageEnvelope) error {
		return nil
	})
	if !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("Expected ErrUnknownEventID, got %v", err)
	}
}

func cleanupTopic(t *testing.T, b broker.Broker, topic string) {
	t.Helper()
	if err := b.Cleanup(context.Background(), topic); err != nil {
		t.Logf("Warning: failed to cleanup topic %s: %v", topic, err)
	}
}

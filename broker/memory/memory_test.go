package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/ggoodman/storefront-go/broker"
	"github.com/ggoodman/storefront-go/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestSlowSubscriberIsToldToResume(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	var lastSeen string
	var lastData int
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "t", "", func(_ context.Context, env broker.MessageEnvelope) error {
			<-release
			lastSeen = env.ID
			lastData, _ = strconv.Atoi(string(env.Data))
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < subscriberBuf+20; i++ {
		if _, err := b.Publish(ctx, "t", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrLagged) {
			t.Fatalf("expected ErrLagged, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not report lag")
	}

	// Resuming from the last processed ID replays the remainder in order.
	var next []string
	resumeCtx, stop := context.WithCancel(ctx)
	err := b.Subscribe(resumeCtx, "t", lastSeen, func(_ context.Context, env broker.MessageEnvelope) error {
		next = append(next, string(env.Data))
		if len(next) == 10 {
			stop()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if want := strconv.Itoa(lastData + 1); next[0] != want {
		t.Fatalf("expected resume at %s, got %s", want, next[0])
	}
}

func TestCleanupClosesSubscribers(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "t", "", func(context.Context, broker.MessageEnvelope) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)

	if err := b.Cleanup(ctx, "t"); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrTopicClosed) {
			t.Fatalf("expected ErrTopicClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed by Cleanup")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	b := New(WithMaxHistory(2))
	ctx := context.Background()

	first, _ := b.Publish(ctx, "t", []byte("1"))
	_, _ = b.Publish(ctx, "t", []byte("2"))
	_, _ = b.Publish(ctx, "t", []byte("3"))

	err := b.Subscribe(ctx, "t", first, func(context.Context, broker.MessageEnvelope) error { return nil })
	if !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("expected ErrUnknownEventID for evicted ID, got %v", err)
	}
}

// Package broker provides ordered, per-topic message fan-out. It carries the
// identity provider's auth-state events between processes (the equivalent of
// a browser broadcasting auth changes to its other tabs) and guarantees that
// every subscriber sees a topic's messages in publish order.
package broker

import (
	"context"
	"errors"
)

// Broker handles message queuing and delivery with topic isolation and
// ordered delivery within each topic.
type Broker interface {
	// Publish appends data to topic and returns the generated event ID. IDs
	// are monotonically increasing within a topic.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each message in topic, in order, until ctx
	// is cancelled or handler returns an error (which Subscribe returns).
	// If lastEventID is empty, delivery starts from the next published
	// message; otherwise it resumes from the message after lastEventID.
	Subscribe(ctx context.Context, topic string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all resources associated with a topic.
	Cleanup(ctx context.Context, topic string) error
}

// MessageHandler handles one delivered envelope. Returning an error
// terminates the subscription with that error.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID is a unique, monotonically increasing identifier within the topic.
	ID string `json:"id"`
	// Data is the published payload.
	Data []byte `json:"data"`
}

var (
	// ErrUnknownEventID is returned by Subscribe when lastEventID cannot be
	// located in the topic's retained history.
	ErrUnknownEventID = errors.New("broker: unknown last event id")

	// ErrLagged is returned by Subscribe when the subscriber fell too far
	// behind and messages could not be buffered. Callers resubscribe from the
	// last event ID they processed.
	ErrLagged = errors.New("broker: subscriber lagged")

	// ErrTopicClosed is returned when publishing to or subscribing on a topic
	// that is being cleaned up.
	ErrTopicClosed = errors.New("broker: topic closed")
)

package queue

import (
	"context"
)

// Header keys carried on every pipeline message.
const (
	HeaderTraceID        = "trace-id"
	HeaderIdempotencyKey = "x-idempotency-key"
)

// Headers are opaque key/value metadata attached to a message.
type Headers map[string]string

// Message is one unit of delivery. Delivery is at-least-once: handlers must
// tolerate duplicates, and the adapter makes no ordering promise across
// steps of different plans.
type Message struct {
	Topic   string
	Payload []byte
	Headers Headers
}

// TraceID returns the trace header, if present.
func (m Message) TraceID() string { return m.Headers[HeaderTraceID] }

// IdempotencyKey returns the idempotency header, if present.
func (m Message) IdempotencyKey() string { return m.Headers[HeaderIdempotencyKey] }

// Handler processes one delivery. Returning an error withholds the ack and
// causes redelivery.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a live consumer registration.
type Subscription interface {
	Unsubscribe() error
}

// Queue is the uniform adapter over a partitioned, replayable broker.
// Backends are swappable: MemoryQueue for tests and dev, NATSQueue in
// production. The adapter does not guarantee single-consumer exclusivity
// for a given step; idempotency keys are the correctness mechanism.
type Queue interface {
	Enqueue(ctx context.Context, topic string, payload []byte, headers Headers) error
	Consume(topic string, h Handler) (Subscription, error)
	Depth(topic string) (int, error)
	Close() error
}

package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrQueueFull is returned when a topic's buffer has no room left.
var ErrQueueFull = errors.New("queue: topic buffer full")

const (
	memTopicBuffer     = 1024
	memMaxRedeliveries = 5
	memRedeliveryDelay = 10 * time.Millisecond
)

type memDelivery struct {
	msg      Message
	attempts int
}

type memTopic struct {
	ch chan memDelivery
}

// MemoryQueue is the in-process Queue backend used by tests and dev mode.
// It models at-least-once delivery: a handler error re-enqueues the message
// after a short delay, up to a bounded redelivery count, after which the
// message is parked on an internal dead queue.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	dead   []Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryQueue builds an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		topics: make(map[string]*memTopic),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (q *MemoryQueue) topic(name string) *memTopic {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[name]
	if !ok {
		t = &memTopic{ch: make(chan memDelivery, memTopicBuffer)}
		q.topics[name] = t
	}
	return t
}

// Enqueue appends a message to the topic buffer.
func (q *MemoryQueue) Enqueue(ctx context.Context, topic string, payload []byte, headers Headers) error {
	if headers == nil {
		headers = Headers{}
	}
	d := memDelivery{msg: Message{Topic: topic, Payload: payload, Headers: headers}}
	select {
	case q.topic(topic).ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

type memSubscription struct {
	cancel context.CancelFunc
}

func (s *memSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}

// Consume registers a handler for the topic. Multiple consumers on the same
// topic compete for messages.
func (q *MemoryQueue) Consume(topic string, h Handler) (Subscription, error) {
	t := q.topic(topic)
	ctx, cancel := context.WithCancel(q.ctx)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-t.ch:
				if err := h(ctx, d.msg); err != nil {
					q.redeliver(t, d, err)
				}
			}
		}
	}()

	return &memSubscription{cancel: cancel}, nil
}

func (q *MemoryQueue) redeliver(t *memTopic, d memDelivery, cause error) {
	d.attempts++
	if d.attempts >= memMaxRedeliveries {
		log.Printf("queue: dropping message on %s after %d redeliveries: %v", d.msg.Topic, d.attempts, cause)
		q.mu.Lock()
		q.dead = append(q.dead, d.msg)
		q.mu.Unlock()
		return
	}
	time.AfterFunc(memRedeliveryDelay, func() {
		select {
		case t.ch <- d:
		case <-q.ctx.Done():
		}
	})
}

// Depth reports the number of buffered (not yet handled) messages.
func (q *MemoryQueue) Depth(topic string) (int, error) {
	return len(q.topic(topic).ch), nil
}

// DeadMessages returns messages that exhausted redelivery. Test hook.
func (q *MemoryQueue) DeadMessages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close stops every consumer.
func (q *MemoryQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

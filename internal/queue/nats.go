package queue

import (
	"context"
	"log"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"
)

const (
	natsQueueGroup       = "planrun-workers"
	natsRedeliveryHeader = "x-redeliveries"
	natsMaxRedeliveries  = 5
)

// NATSQueue is the broker-backed Queue adapter. A handler error re-publishes
// the message with a bumped redelivery header, which keeps the at-least-once
// contract without requiring JetStream acks.
type NATSQueue struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSQueue connects to the broker at url.
func NewNATSQueue(url string, opts ...nats.Option) (*NATSQueue, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSQueue{conn: conn, subs: make(map[string]*nats.Subscription)}, nil
}

// Enqueue publishes a message with its headers to the topic.
func (q *NATSQueue) Enqueue(ctx context.Context, topic string, payload []byte, headers Headers) error {
	msg := nats.NewMsg(topic)
	msg.Data = payload
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if err := q.conn.PublishMsg(msg); err != nil {
		return err
	}
	return q.conn.FlushWithContext(ctx)
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Consume joins the worker queue group for the topic, so multiple processes
// share the load without promising exclusivity.
func (q *NATSQueue) Consume(topic string, h Handler) (Subscription, error) {
	sub, err := q.conn.QueueSubscribe(topic, natsQueueGroup, func(m *nats.Msg) {
		headers := Headers{}
		for k := range m.Header {
			headers[k] = m.Header.Get(k)
		}
		msg := Message{Topic: topic, Payload: m.Data, Headers: headers}
		if err := h(context.Background(), msg); err != nil {
			q.redeliver(m, err)
		}
	})
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.subs[topic] = sub
	q.mu.Unlock()
	return &natsSubscription{sub: sub}, nil
}

func (q *NATSQueue) redeliver(m *nats.Msg, cause error) {
	count, _ := strconv.Atoi(m.Header.Get(natsRedeliveryHeader))
	count++
	if count >= natsMaxRedeliveries {
		log.Printf("queue: dropping message on %s after %d redeliveries: %v", m.Subject, count, cause)
		return
	}
	retry := nats.NewMsg(m.Subject)
	retry.Data = m.Data
	for k := range m.Header {
		retry.Header.Set(k, m.Header.Get(k))
	}
	retry.Header.Set(natsRedeliveryHeader, strconv.Itoa(count))
	if err := q.conn.PublishMsg(retry); err != nil {
		log.Printf("queue: redelivery publish on %s failed: %v", m.Subject, err)
	}
}

// Depth reports the local subscription's pending message count. Topics this
// process does not consume report zero.
func (q *NATSQueue) Depth(topic string) (int, error) {
	q.mu.Lock()
	sub, ok := q.subs[topic]
	q.mu.Unlock()
	if !ok {
		return 0, nil
	}
	pending, _, err := sub.Pending()
	return pending, err
}

// Close drains the connection.
func (q *NATSQueue) Close() error {
	return q.conn.Drain()
}

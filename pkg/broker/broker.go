// Package broker provides the topic-style publish/subscribe bus that
// decouples the pipeline stages. Delivery is at-least-once: a handler
// that returns an error (or panics) has its message redelivered after a
// delay, up to a bounded attempt count, after which the message is
// dead-lettered so one poisoned message can never stall a queue.
//
// Subscriptions are competing-consumer groups: every group receives
// every published message, and the workers inside a group compete for
// them. Handlers must therefore be idempotent.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apivet/apivet/pkg/duration"
	"github.com/apivet/apivet/pkg/workerpool"
)

// Message is one delivery. Attempt counts deliveries, starting at 1.
type Message struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	Attempt int    `json:"attempt"`
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("broker: decode %s: %w", m.Topic, err)
	}
	return nil
}

// Handler consumes one message. A nil return acknowledges it; an error
// negatively acknowledges it for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// DropError marks a delivery failure as permanent. The message goes
// straight to the dead-letter queue instead of being redelivered.
type DropError struct {
	Err error
}

func (e *DropError) Error() string { return e.Err.Error() }
func (e *DropError) Unwrap() error { return e.Err }

// Drop wraps err so the broker dead-letters the message immediately.
// Use it for failures redelivery cannot fix, like malformed payloads.
func Drop(err error) error {
	if err == nil {
		return nil
	}
	return &DropError{Err: err}
}

// Config controls queue depth and redelivery behaviour.
type Config struct {
	// QueueSize is the per-subscription buffer (default 1024).
	QueueSize int

	// Workers is the consumer count per subscription (default 8).
	Workers int

	// MaxDeliveries caps attempts before dead-lettering (default 3).
	MaxDeliveries int

	// RedeliveryDelay is the pause before a nacked message requeues.
	RedeliveryDelay time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = duration.BrokerRedeliveryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Broker routes published messages to subscribed consumer groups.
type Broker struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool

	deadMu sync.Mutex
	dead   []*Message

	wg sync.WaitGroup
}

type subscription struct {
	topic   string
	handler Handler
	queue   chan *Message
	pool    *workerpool.Pool
}

// New creates a broker. Consumers run until Close.
func New(cfg Config) *Broker {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string][]*subscription),
	}
}

// Subscribe registers a consumer group for a topic and starts its
// workers immediately.
func (b *Broker) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker: closed")
	}

	sub := &subscription{
		topic:   topic,
		handler: h,
		queue:   make(chan *Message, b.cfg.QueueSize),
		pool:    workerpool.New(b.cfg.Workers),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.dispatch(sub)
	return nil
}

// Publish marshals v and routes it to every subscription on the topic.
// Returns an error if any subscription's queue is full, so callers see
// backpressure instead of silent loss.
func (b *Broker) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("broker: encode %s: %w", topic, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("broker: closed")
	}

	for _, sub := range b.subs[topic] {
		msg := &Message{
			ID:      uuid.NewString(),
			Topic:   topic,
			Payload: payload,
			Attempt: 1,
		}
		select {
		case sub.queue <- msg:
		default:
			return fmt.Errorf("broker: queue full for %s", topic)
		}
	}
	return nil
}

// dispatch feeds a subscription's queue into its worker pool.
func (b *Broker) dispatch(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-sub.queue:
			m := msg
			sub.pool.Submit(func() {
				b.deliver(sub, m)
			})
		}
	}
}

// deliver runs the handler once and handles ack/nack. Panics count as
// nacks: the message is requeued rather than lost with the goroutine.
func (b *Broker) deliver(sub *subscription, msg *Message) {
	err := b.invoke(sub.handler, msg)
	if err == nil {
		return
	}

	b.cfg.Logger.Warn("message handler failed",
		slog.String("topic", msg.Topic),
		slog.String("msg_id", msg.ID),
		slog.Int("attempt", msg.Attempt),
		slog.String("error", err.Error()),
	)

	var drop *DropError
	if errors.As(err, &drop) {
		b.deadLetter(msg)
		return
	}
	if msg.Attempt >= b.cfg.MaxDeliveries {
		b.deadLetter(msg)
		return
	}

	next := *msg
	next.Attempt++
	// Requeue off-thread so a full queue cannot deadlock the worker.
	time.AfterFunc(b.cfg.RedeliveryDelay, func() {
		select {
		case sub.queue <- &next:
		case <-b.ctx.Done():
		default:
			b.deadLetter(&next)
		}
	})
}

func (b *Broker) invoke(h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broker: handler panic: %v", r)
		}
	}()
	return h(b.ctx, msg)
}

func (b *Broker) deadLetter(msg *Message) {
	b.deadMu.Lock()
	b.dead = append(b.dead, msg)
	b.deadMu.Unlock()
	b.cfg.Logger.Error("message dead-lettered",
		slog.String("topic", msg.Topic),
		slog.String("msg_id", msg.ID),
		slog.Int("attempts", msg.Attempt),
	)
}

// DeadLetters returns messages that exhausted their deliveries.
func (b *Broker) DeadLetters() []*Message {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	return append([]*Message(nil), b.dead...)
}

// Close stops dispatching and waits for in-flight handlers to finish.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	for _, group := range subs {
		for _, sub := range group {
			sub.pool.Close()
		}
	}
}

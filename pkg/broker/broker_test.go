package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker(maxDeliveries int) *Broker {
	return New(Config{
		QueueSize:       16,
		Workers:         2,
		MaxDeliveries:   maxDeliveries,
		RedeliveryDelay: 10 * time.Millisecond,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type payload struct {
	Value string `json:"value"`
}

func TestPublishDelivers(t *testing.T) {
	b := testBroker(3)
	defer b.Close()

	got := make(chan payload, 1)
	require.NoError(t, b.Subscribe("topic.a", func(_ context.Context, msg *Message) error {
		var p payload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		got <- p
		return nil
	}))

	require.NoError(t, b.Publish("topic.a", payload{Value: "hello"}))

	select {
	case p := <-got:
		assert.Equal(t, "hello", p.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestNackRedelivers(t *testing.T) {
	b := testBroker(3)
	defer b.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	require.NoError(t, b.Subscribe("topic.retry", func(_ context.Context, msg *Message) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("transient")
		}
		assert.Equal(t, 3, msg.Attempt)
		close(done)
		return nil
	}))

	require.NoError(t, b.Publish("topic.retry", payload{}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message never succeeded")
	}
	assert.Empty(t, b.DeadLetters())
}

func TestExhaustedDeliveriesDeadLetter(t *testing.T) {
	b := testBroker(2)
	defer b.Close()

	var attempts atomic.Int32
	require.NoError(t, b.Subscribe("topic.poison", func(_ context.Context, _ *Message) error {
		attempts.Add(1)
		return errors.New("always fails")
	}))

	require.NoError(t, b.Publish("topic.poison", payload{}))

	waitFor(t, func() bool { return len(b.DeadLetters()) == 1 })
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, 2, b.DeadLetters()[0].Attempt)
}

func TestDropDeadLettersImmediately(t *testing.T) {
	b := testBroker(5)
	defer b.Close()

	var attempts atomic.Int32
	require.NoError(t, b.Subscribe("topic.drop", func(_ context.Context, _ *Message) error {
		attempts.Add(1)
		return Drop(errors.New("malformed"))
	}))

	require.NoError(t, b.Publish("topic.drop", payload{}))

	waitFor(t, func() bool { return len(b.DeadLetters()) == 1 })
	assert.Equal(t, int32(1), attempts.Load())
}

func TestPanicCountsAsNack(t *testing.T) {
	b := testBroker(3)
	defer b.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	require.NoError(t, b.Subscribe("topic.panic", func(_ context.Context, _ *Message) error {
		if attempts.Add(1) == 1 {
			panic("handler bug")
		}
		close(done)
		return nil
	}))

	require.NoError(t, b.Publish("topic.panic", payload{}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message not redelivered after panic")
	}
}

func TestEveryGroupReceivesEveryMessage(t *testing.T) {
	b := testBroker(3)
	defer b.Close()

	var first, second atomic.Int32
	require.NoError(t, b.Subscribe("topic.fan", func(_ context.Context, _ *Message) error {
		first.Add(1)
		return nil
	}))
	require.NoError(t, b.Subscribe("topic.fan", func(_ context.Context, _ *Message) error {
		second.Add(1)
		return nil
	}))

	require.NoError(t, b.Publish("topic.fan", payload{}))

	waitFor(t, func() bool { return first.Load() == 1 && second.Load() == 1 })
}

func TestPublishAfterClose(t *testing.T) {
	b := testBroker(3)
	b.Close()
	assert.Error(t, b.Publish("topic.x", payload{}))
	assert.Error(t, b.Subscribe("topic.x", func(_ context.Context, _ *Message) error { return nil }))
}

func TestPublishUnknownTopicIsNoOp(t *testing.T) {
	b := testBroker(3)
	defer b.Close()
	assert.NoError(t, b.Publish("nobody.listens", payload{}))
}

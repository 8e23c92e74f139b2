package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/eventcore/internal/infrastructure/store"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func testEvents() []store.Event {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return []store.Event{
		{ID: "e-1", StreamID: "order-1", StreamType: "Order", EventType: "OrderPlaced", SchemaVersion: 2,
			Version: 1, Position: 7, Data: json.RawMessage(`{"order_id":"order-1"}`), OccurredAt: at},
		{ID: "e-2", StreamID: "order-2", StreamType: "Order", EventType: "OrderPaid", SchemaVersion: 1,
			Version: 3, Position: 8, Data: json.RawMessage(`{"amount":10}`), OccurredAt: at.Add(time.Second)},
	}
}

func TestProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, nil)

	require.NoError(t, p.Publish(context.Background(), testEvents()))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "order-1", string(w.msgs[0].Key))
	assert.Equal(t, "order-2", string(w.msgs[1].Key))
	assert.Contains(t, w.msgs[0].Headers, kafka.Header{Key: headerEventType, Value: []byte("OrderPlaced")})

	decoded, err := DecodeEvent(w.msgs[1])
	require.NoError(t, err)
	assert.Equal(t, testEvents()[1].Position, decoded.Position)
	assert.JSONEq(t, `{"amount":10}`, string(decoded.Data))
}

func TestProducer_PublishEmpty(t *testing.T) {
	w := &fakeWriter{err: errors.New("must not be called")}
	assert.NoError(t, newProducer(w, nil).Publish(context.Background(), nil))
}

func TestProducer_PublishError(t *testing.T) {
	w := &fakeWriter{err: kafka.LeaderNotAvailable}
	err := newProducer(w, nil).Publish(context.Background(), testEvents())
	assert.ErrorIs(t, err, kafka.LeaderNotAvailable)
}

func TestDecodeEvent_Invalid(t *testing.T) {
	for name, value := range map[string]string{
		"not json":         "{",
		"missing position": `{"id":"e-1","stream_id":"s-1"}`,
		"missing id":       `{"stream_id":"s-1","position":3}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent(kafka.Message{Value: []byte(value)})
			assert.Error(t, err)
		})
	}
}

func TestConsumer_Consume(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newProducer(w, nil).Publish(context.Background(), testEvents()))
	for i := range w.msgs {
		w.msgs[i].Offset = int64(i)
	}
	bad := kafka.Message{Offset: 2, Value: []byte("garbage")}

	reader := &fakeReader{queue: append(w.msgs, bad)}
	core, logs := observer.New(zap.WarnLevel)
	c := newConsumer(reader, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	var got []store.Event
	handler := func(_ context.Context, e store.Event) error {
		got = append(got, e)
		if e.ID == "e-2" {
			return errors.New("handler failed")
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, handler) }()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	require.Len(t, got, 2)
	assert.Equal(t, "e-1", got[0].ID)
	assert.Equal(t, []int64{0, 1, 2}, reader.committed)
	assert.Equal(t, 1, logs.FilterMessage("error handling message").Len())
	assert.Equal(t, 1, logs.FilterMessage("dropping undecodable message").Len())
}

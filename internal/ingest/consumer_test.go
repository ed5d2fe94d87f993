package ingest

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

	"github.com/example/commute-matching/internal/models"
)

// fakeApplier fails the first failN calls.
type fakeApplier struct {
	mu      sync.Mutex
	failN   int
	calls   int
	applied []models.ParticipantEvent
}

func (f *fakeApplier) ApplyEvent(ctx context.Context, ev models.ParticipantEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("registry fail")
	}
	f.applied = append(f.applied, ev)
	return nil
}

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   []error
	closed bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func eventMessage(t *testing.T, ev models.ParticipantEvent) kafka.Message {
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(ev.ParticipantID), Value: b}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{failN: 2}
	ev := models.ParticipantEvent{Type: models.EventUpserted, ParticipantID: "p1"}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, ev, 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{failN: 5}
	ev := models.ParticipantEvent{Type: models.EventUpserted, ParticipantID: "p1"}
	require.Error(t, applyWithRetry(context.Background(), f, ev, 3, time.Millisecond))
	assert.Equal(t, 3, f.calls)
}

func TestConsumerRun_AppliesValidEventsAndSkipsGarbage(t *testing.T) {
	r := &fakeReader{
		errs: []error{errors.New("broker hiccup")},
		msgs: []kafka.Message{
			{Value: []byte("not json")},
			eventMessage(t, models.ParticipantEvent{Type: models.EventRemoved}),
			eventMessage(t, models.ParticipantEvent{Type: models.EventUpserted, ParticipantID: "a", Source: "other"}),
			eventMessage(t, models.ParticipantEvent{Type: models.EventRemoved, ParticipantID: "b", Source: "other"}),
		},
	}
	a := &fakeApplier{}
	c := NewConsumer(r, a, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.applied) == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "a", a.applied[0].ParticipantID)
	assert.Equal(t, models.EventRemoved, a.applied[1].Type)
	assert.True(t, r.closed)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaProducerPublishKeysByParticipant(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaProducerWithWriter(w)
	ev := models.ParticipantEvent{Type: models.EventRemoved, ParticipantID: "p9", Source: "node"}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("p9"), w.msgs[0].Key)
	var back models.ParticipantEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &back))
	assert.Equal(t, ev.ParticipantID, back.ParticipantID)
	assert.Equal(t, ev.Type, back.Type)
	require.NoError(t, p.Close())
}

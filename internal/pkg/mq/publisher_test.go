package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	calls    int
	failures int // fail the first N calls
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func newTestPublisher(w *fakeWriter) *KafkaPublisher {
	p := NewKafkaPublisher([]string{"localhost:9092"})
	p.newWriter = func(topic string) messageWriter { return w }
	return p
}

func TestPublishCriticalRetriesThenSucceeds(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := newTestPublisher(w)

	err := p.Publish(context.Background(), "t", []byte("k"), []byte("v"), PublishOptions{Critical: true, Retries: 3})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if w.calls != 3 {
		t.Fatalf("writer called %d times, want 3", w.calls)
	}
}

func TestPublishCriticalExhaustsRetriesAndPropagates(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newTestPublisher(w)

	err := p.Publish(context.Background(), "t", []byte("k"), []byte("v"), PublishOptions{Critical: true, Retries: 2})
	if err == nil {
		t.Fatal("expected the final write error")
	}
	if w.calls != 3 {
		t.Fatalf("writer called %d times, want 3 (1 + 2 retries)", w.calls)
	}
}

func TestPublishNonCriticalSwallowsFailure(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newTestPublisher(w)

	err := p.Publish(context.Background(), "t", []byte("k"), []byte("v"), PublishOptions{})
	if err != nil {
		t.Fatalf("non-critical publish surfaced error: %v", err)
	}
	if w.calls != 1 {
		t.Fatalf("writer called %d times, want exactly 1", w.calls)
	}
}

func TestPublishAttachesCorrelationHeader(t *testing.T) {
	w := &fakeWriter{}
	p := newTestPublisher(w)

	if err := p.Publish(context.Background(), "t", []byte("k"), []byte("v"), PublishOptions{CorrelationID: "order-42"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(w.messages))
	}
	var found bool
	for _, h := range w.messages[0].Headers {
		if h.Key == "correlation-id" && string(h.Value) == "order-42" {
			found = true
		}
	}
	if !found {
		t.Fatalf("correlation-id header missing: %+v", w.messages[0].Headers)
	}
}

func TestPublisherReusesWriterPerTopic(t *testing.T) {
	created := 0
	p := NewKafkaPublisher([]string{"localhost:9092"})
	p.newWriter = func(topic string) messageWriter {
		created++
		return &fakeWriter{}
	}

	for i := 0; i < 3; i++ {
		if err := p.Publish(context.Background(), "same-topic", nil, []byte("v"), PublishOptions{}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("created %d writers for one topic, want 1", created)
	}
}

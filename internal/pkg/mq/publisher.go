package mq

import (
	"context"
	"sync"
	"time"

	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/metrics"

	"github.com/segmentio/kafka-go"
)

// PublishOptions controls delivery semantics for a single publish.
//
// Critical publishes are retried up to Retries times and the final error is
// propagated to the caller. Non-critical publishes are attempted once and a
// failure is logged and swallowed: the outcome is explicit at the call site
// rather than hidden in a fire-and-forget goroutine.
type PublishOptions struct {
	Critical      bool
	CorrelationID string
	Retries       int
}

// Publisher is the event-publishing contract consumed by the saga coordinator
// and the inventory service.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, opts PublishOptions) error
}

// messageWriter is the kafka.Writer surface Publisher depends on.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher routes publishes to per-topic writers created lazily from a
// broker list.
type KafkaPublisher struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]messageWriter

	// newWriter is swappable in tests.
	newWriter func(topic string) messageWriter
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	p := &KafkaPublisher{
		brokers: brokers,
		writers: make(map[string]messageWriter),
	}
	p.newWriter = func(topic string) messageWriter {
		return NewKafkaWriter(p.brokers, topic)
	}
	return p
}

func (p *KafkaPublisher) writer(topic string) messageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key, value []byte, opts PublishOptions) error {
	msg := kafka.Message{Key: key, Value: value}
	if opts.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "correlation-id", Value: []byte(opts.CorrelationID)})
	}
	carrier := KafkaHeaderCarrier(msg.Headers)
	injectTrace(ctx, &carrier)
	msg.Headers = carrier

	w := p.writer(topic)

	attempts := 1
	if opts.Critical && opts.Retries > 0 {
		attempts += opts.Retries
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = w.WriteMessages(ctx, msg); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
			}
		}
	}

	metrics.PublishFailures.WithLabelValues(topic).Inc()
	if opts.Critical {
		return err
	}
	logger.Ctx(ctx).Warn().
		Err(err).
		Str("topic", topic).
		Str("correlation_id", opts.CorrelationID).
		Msg("non-critical publish failed, dropping event")
	return nil
}

// Close closes every writer that happens to implement io.Closer.
func (p *KafkaPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, w := range p.writers {
		if c, ok := w.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logger.Logger().Warn().Err(err).Str("topic", topic).Msg("closing kafka writer")
			}
		}
	}
}

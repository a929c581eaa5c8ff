package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/orders"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes envelopes to any topic. Writes are synchronous: a saga
// step only counts as done once its event is acknowledged by all replicas.
type Producer struct {
	w messageWriter
}

func NewProducer(brokers []string) *Producer {
	return &Producer{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (p *Producer) Publish(ctx context.Context, topic string, env orders.Envelope) error {
	if env.TraceID == "" {
		env.TraceID = TraceID(ctx)
	}
	m, err := Encode(topic, env)
	if err != nil {
		return err
	}
	m.Headers = InjectHeaders(ctx, m.Headers)
	if err := p.w.WriteMessages(ctx, m); err != nil {
		return errs.Infra("KAFKA_WRITE", err)
	}
	return nil
}

func (p *Producer) Close() error { return p.w.Close() }

var _ orders.Publisher = (*Producer)(nil)

package kafka

import (
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/orders"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

var ErrBadMessage = errs.Validation("BAD_MESSAGE", "message is not an event envelope")

// Encode builds the Kafka message for env. The key is the order id so all
// events of one order land on the same partition.
func Encode(topic string, env orders.Envelope) (kafka.Message, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, ErrBadMessage.With(err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   orders.PartitionKey(env.CorrelationID),
		Value: b,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(env.EventType)},
			{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
		},
	}, nil
}

func Decode(m kafka.Message) (orders.Envelope, error) {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return orders.Envelope{}, ErrBadMessage.With(err)
	}
	if env.EventType == "" {
		env.EventType = header(m, HeaderEventType)
	}
	if env.EventType == "" {
		return orders.Envelope{}, ErrBadMessage
	}
	if env.CorrelationID == "" {
		env.CorrelationID = string(m.Key)
	}
	return env, nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

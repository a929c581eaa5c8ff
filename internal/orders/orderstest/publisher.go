// Package orderstest provides in-memory implementations of the order ports
// and the event publisher for use in tests.
package orderstest

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-order-saga/internal/orders"
)

type Published struct {
	Topic string
	Env   orders.Envelope
}

// Publisher records every envelope. Err, when set, is returned instead.
type Publisher struct {
	mu  sync.Mutex
	msg []Published
	Err error
}

func (p *Publisher) Publish(_ context.Context, topic string, env orders.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.msg = append(p.msg, Published{Topic: topic, Env: env})
	return nil
}

func (p *Publisher) All() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.msg...)
}

func (p *Publisher) OfType(eventType string) []orders.Envelope {
	var out []orders.Envelope
	for _, m := range p.All() {
		if m.Env.EventType == eventType {
			out = append(out, m.Env)
		}
	}
	return out
}

// Take returns and forgets everything published so far.
func (p *Publisher) Take() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msg
	p.msg = nil
	return out
}

func (p *Publisher) Emitter(producer string) orders.Emitter {
	return orders.Emitter{Pub: p, Producer: producer}
}

// Payload decodes the payload of env or panics; tests only.
func Payload[T any](env orders.Envelope) T {
	v, err := orders.DecodePayload[T](env)
	if err != nil {
		panic(err)
	}
	return v
}

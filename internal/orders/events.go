package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventProcessingRequested = "ProcessingRequested"
	EventStockSucceeded      = "StockStepSucceeded"
	EventCouponSucceeded     = "CouponStepSucceeded"
	EventProcessingSucceeded = "ProcessingSucceeded"
	EventPaymentRequested    = "PaymentRequested"
	EventPaymentSucceeded    = "PaymentSucceeded"
	EventPaymentFailed       = "PaymentFailed"
	EventProcessingFailed    = "ProcessingFailed"
	EventCompensationDone    = "CompensationDone"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, producer, orderID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

func DecodePayload[T any](env Envelope) (T, error) {
	var t T
	if err := json.Unmarshal(env.Payload, &t); err != nil {
		return t, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return t, nil
}

// ---- Step & handler names ----

type Step string

const (
	StepStock   Step = "stock"
	StepCoupon  Step = "coupon"
	StepPayment Step = "payment"
)

type Handler string

const (
	HandlerOrder   Handler = "order"
	HandlerProduct Handler = "product"
	HandlerCoupon  Handler = "coupon"
)

var AllHandlers = []Handler{HandlerOrder, HandlerProduct, HandlerCoupon}

// ---- Payload tipe per event ----

type LineItem struct {
	OptionID string `json:"option_id"`
	Qty      int    `json:"qty"`
	Price    int64  `json:"price"`
}

// Attempt identifies one processing run of an order. Every saga payload
// carries it so results of an abandoned run are recognised as stale.
type ProcessingRequestedPayload struct {
	OrderID  string     `json:"order_id"`
	Attempt  string     `json:"attempt"`
	UserID   string     `json:"user_id"`
	CouponID string     `json:"coupon_id,omitempty"`
	Lines    []LineItem `json:"lines"`
}

func (p ProcessingRequestedPayload) Gross() int64 {
	var total int64
	for _, l := range p.Lines {
		total += l.Price * int64(l.Qty)
	}
	return total
}

type StockSucceededPayload struct {
	OrderID string `json:"order_id"`
	Attempt string `json:"attempt"`
}

type CouponSucceededPayload struct {
	OrderID         string `json:"order_id"`
	Attempt         string `json:"attempt"`
	AppliedDiscount int64  `json:"applied_discount"`
}

type ProcessingSucceededPayload struct {
	OrderID         string `json:"order_id"`
	Attempt         string `json:"attempt"`
	AppliedDiscount int64  `json:"applied_discount,omitempty"`
}

type PaymentRequestedPayload struct {
	OrderID     string `json:"order_id"`
	Attempt     string `json:"attempt"`
	FinalAmount int64  `json:"final_amount"`
}

type PaymentSucceededPayload struct {
	OrderID string `json:"order_id"`
	Attempt string `json:"attempt"`
}

type PaymentFailedPayload struct {
	OrderID      string `json:"order_id"`
	Attempt      string `json:"attempt"`
	FailedStep   Step   `json:"failed_step"`
	ErrorMessage string `json:"error_message"`
}

type ProcessingFailedPayload struct {
	OrderID      string `json:"order_id"`
	Attempt      string `json:"attempt"`
	FailedStep   Step   `json:"failed_step"`
	ErrorMessage string `json:"error_message"`
}

type CompensationDonePayload struct {
	OrderID string  `json:"order_id"`
	Attempt string  `json:"attempt"`
	Handler Handler `json:"handler"`
}

// ---- publishing ----

type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

type EventHandler func(ctx context.Context, env Envelope) error

// Emitter stamps envelopes with the producing service and routes each event
// type to its topic.
type Emitter struct {
	Pub      Publisher
	Producer string
}

func (e Emitter) Emit(ctx context.Context, eventType, orderID string, payload any) error {
	topic, ok := TopicFor(eventType)
	if !ok {
		return fmt.Errorf("no topic for event type %q", eventType)
	}
	env, err := NewEnvelope(eventType, e.Producer, orderID, payload)
	if err != nil {
		return err
	}
	return e.Pub.Publish(ctx, topic, env)
}

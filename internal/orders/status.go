package orders

import (
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/errs"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPaymentProcessing Status = "PAYMENT_PROCESSING"
	StatusPaid              Status = "PAID"
	StatusExpired           Status = "EXPIRED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:           {StatusPaymentProcessing: true, StatusExpired: true},
	StatusPaymentProcessing: {StatusPaid: true, StatusExpired: true, StatusPending: true},
	StatusPaid:              {StatusPending: true},
	StatusExpired:           {},
}

var ErrInvalidTransition = errs.Domain("INVALID_TRANSITION", "order status transition not allowed")

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (o *Order) transition(to Status, allowedFrom ...Status) error {
	legal := false
	for _, s := range allowedFrom {
		if o.Status == s {
			legal = true
			break
		}
	}
	if !legal || !CanTransition(o.Status, to) {
		return ErrInvalidTransition.With(fmt.Errorf("order %s: %s -> %s", o.ID, o.Status, to))
	}
	o.Status = to
	return nil
}

// BeginPaymentProcessing is legal only from PENDING, which blocks a second
// payment attempt for the same order.
func (o *Order) BeginPaymentProcessing() error {
	return o.transition(StatusPaymentProcessing, StatusPending)
}

func (o *Order) CompletePayment() error {
	return o.transition(StatusPaid, StatusPaymentProcessing)
}

// CancelPayment rolls a payment back to PENDING so the order can be retried
// or swept. PAID is accepted to cover failures reported after completion.
func (o *Order) CancelPayment() error {
	return o.transition(StatusPending, StatusPaymentProcessing, StatusPaid)
}

func (o *Order) Expire() error {
	return o.transition(StatusExpired, StatusPending, StatusPaymentProcessing)
}

func (o *Order) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// ApplyDiscount sets discount and net, keeping net = gross - discount.
func (o *Order) ApplyDiscount(discount int64) error {
	if discount < 0 || discount > o.Gross {
		return errs.Validation("INVALID_DISCOUNT", fmt.Sprintf("discount %d outside [0, %d]", discount, o.Gross))
	}
	o.Discount = discount
	o.Net = o.Gross - discount
	return nil
}

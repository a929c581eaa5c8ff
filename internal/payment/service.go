// Package payment debits the user's balance for an order once the saga
// requests payment.
package payment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/lock"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
)

var ErrOrderExpired = errs.Domain("ORDER_EXPIRED", "order expired before payment")

type Locker interface {
	WithLock(ctx context.Context, key string, opts lock.Options, fn func(ctx context.Context) error) error
}

// OrderLockKey is shared by every writer that must not interleave with a
// payment: the payment step and the expiry sweep.
func OrderLockKey(orderID string) string { return "order:" + orderID }

type Service struct {
	Orders   orders.OrderRepository
	Payments orders.PaymentRepository
	Tx       orders.TxManager
	Locks    Locker
	Emit     orders.Emitter
	Log      *zap.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) HandlePaymentRequested(ctx context.Context, env orders.Envelope) error {
	p, err := orders.DecodePayload[orders.PaymentRequestedPayload](env)
	if err != nil {
		return orders.ErrBadPayload.With(err)
	}
	log := logging.OrNop(s.Log).With(zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt))

	var alreadyPaid bool
	err = s.Locks.WithLock(ctx, OrderLockKey(p.OrderID), lock.Options{}, func(ctx context.Context) error {
		var err error
		alreadyPaid, err = s.pay(ctx, p)
		return err
	})

	switch {
	case err == nil:
		if alreadyPaid {
			log.Info("order already paid, re-emitting success")
		} else {
			log.Info("payment completed", zap.Int64("amount", p.FinalAmount))
		}
		return s.Emit.Emit(ctx, orders.EventPaymentSucceeded, p.OrderID, orders.PaymentSucceededPayload{OrderID: p.OrderID, Attempt: p.Attempt})
	case errs.Retryable(err):
		return err
	default:
		log.Info("payment rejected", zap.Error(err))
		return s.Emit.Emit(ctx, orders.EventPaymentFailed, p.OrderID, orders.PaymentFailedPayload{
			OrderID:      p.OrderID,
			Attempt:      p.Attempt,
			FailedStep:   orders.StepPayment,
			ErrorMessage: err.Error(),
		})
	}
}

// pay runs the status change and the debit in one transaction. Reports true
// when the order was already PAID.
func (s *Service) pay(ctx context.Context, p orders.PaymentRequestedPayload) (bool, error) {
	paid := false
	err := s.Tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.Orders.FindByID(ctx, p.OrderID)
		if err != nil {
			return err
		}
		if o.Status == orders.StatusPaid {
			paid = true
			return nil
		}
		if o.Status == orders.StatusPending && o.IsExpired(s.now()) {
			return ErrOrderExpired.With(fmt.Errorf("order %s expired at %s", o.ID, o.ExpiresAt.Format(time.RFC3339)))
		}
		if err := o.BeginPaymentProcessing(); err != nil {
			return err
		}
		if err := o.ApplyDiscount(o.Gross - p.FinalAmount); err != nil {
			return err
		}
		if err := s.Payments.Debit(ctx, orders.Payment{
			OrderID:   o.ID,
			UserID:    o.UserID,
			Attempt:   p.Attempt,
			Amount:    o.Net,
			Status:    orders.PaymentDebited,
			CreatedAt: s.now(),
		}); err != nil {
			return err
		}
		if err := o.CompletePayment(); err != nil {
			return err
		}
		return s.Orders.Update(ctx, o)
	})
	return paid, err
}

package saga

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
)

type StateStore interface {
	Init(ctx context.Context, seed Seed) error
	MarkStepOk(ctx context.Context, orderID, attempt string, step orders.Step, discount int64, eventID string) (MarkResult, error)
	MarkFailed(ctx context.Context, orderID, attempt string, step orders.Step, eventID string) (bool, []orders.Step, error)
	Get(ctx context.Context, orderID string) (State, error)
	Clear(ctx context.Context, orderID, attempt string) error
}

// Coordinator owns the saga state. It joins the stock and coupon results,
// requests payment once both are in, and turns a failed payment into a
// processing failure tagged with the payment step. Results of an attempt
// other than the current one are dropped.
type Coordinator struct {
	State StateStore
	Emit  orders.Emitter
	Log   *zap.Logger
}

func (c *Coordinator) log() *zap.Logger { return logging.OrNop(c.Log) }

func decode[T any](env orders.Envelope) (T, error) {
	v, err := orders.DecodePayload[T](env)
	if err != nil {
		return v, orders.ErrBadPayload.With(err)
	}
	return v, nil
}

func (c *Coordinator) HandleStockSucceeded(ctx context.Context, env orders.Envelope) error {
	p, err := decode[orders.StockSucceededPayload](env)
	if err != nil {
		return err
	}
	return c.stepDone(ctx, env.EventID, p.OrderID, p.Attempt, orders.StepStock, 0)
}

func (c *Coordinator) HandleCouponSucceeded(ctx context.Context, env orders.Envelope) error {
	p, err := decode[orders.CouponSucceededPayload](env)
	if err != nil {
		return err
	}
	return c.stepDone(ctx, env.EventID, p.OrderID, p.Attempt, orders.StepCoupon, p.AppliedDiscount)
}

func (c *Coordinator) stepDone(ctx context.Context, eventID, orderID, attempt string, step orders.Step, discount int64) error {
	log := c.log().With(zap.String("order_id", orderID), zap.String("attempt", attempt), zap.String("step", string(step)))

	res, err := c.State.MarkStepOk(ctx, orderID, attempt, step, discount, eventID)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case Ready:
		st, err := c.State.Get(ctx, orderID)
		if err != nil {
			return err
		}
		log.Info("all steps done, processing succeeded")
		return c.Emit.Emit(ctx, orders.EventProcessingSucceeded, orderID, orders.ProcessingSucceededPayload{
			OrderID:         orderID,
			Attempt:         attempt,
			AppliedDiscount: st.AppliedDiscount,
		})
	case Aborted:
		// The step finished after the attempt had failed; its effect still
		// needs undoing.
		log.Warn("late step success after failure", zap.String("failed_step", string(res.FailedStep)))
		return c.rebroadcast(ctx, orderID, attempt, res.FailedStep, fmt.Sprintf("late %s success after %s failure", step, res.FailedStep))
	case Missing:
		log.Warn("no saga state, dropping step result")
	case Stale:
		log.Warn("result of a replaced attempt, dropping")
	default:
		log.Debug("step recorded", zap.String("outcome", string(res.Outcome)))
	}
	return nil
}

func (c *Coordinator) rebroadcast(ctx context.Context, orderID, attempt string, failed orders.Step, msg string) error {
	return c.Emit.Emit(ctx, orders.EventProcessingFailed, orderID, orders.ProcessingFailedPayload{
		OrderID:      orderID,
		Attempt:      attempt,
		FailedStep:   failed,
		ErrorMessage: msg,
	})
}

func (c *Coordinator) HandleProcessingSucceeded(ctx context.Context, env orders.Envelope) error {
	p, err := decode[orders.ProcessingSucceededPayload](env)
	if err != nil {
		return err
	}
	log := c.log().With(zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt))

	st, err := c.State.Get(ctx, p.OrderID)
	if errors.Is(err, ErrMissing) {
		log.Warn("no saga state, payment not requested")
		return nil
	}
	if err != nil {
		return err
	}
	if st.Attempt != p.Attempt {
		log.Warn("attempt replaced, payment not requested", zap.String("current_attempt", st.Attempt))
		return nil
	}
	if st.Failed {
		log.Warn("attempt already failed, payment not requested", zap.String("failed_step", string(st.FailedStep)))
		return nil
	}

	return c.Emit.Emit(ctx, orders.EventPaymentRequested, p.OrderID, orders.PaymentRequestedPayload{
		OrderID:     p.OrderID,
		Attempt:     p.Attempt,
		FinalAmount: st.FinalAmount(),
	})
}

func (c *Coordinator) HandlePaymentSucceeded(ctx context.Context, env orders.Envelope) error {
	p, err := decode[orders.PaymentSucceededPayload](env)
	if err != nil {
		return err
	}
	if err := c.State.Clear(ctx, p.OrderID, p.Attempt); err != nil {
		return err
	}
	c.log().Info("saga completed", zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt))
	return nil
}

func (c *Coordinator) HandlePaymentFailed(ctx context.Context, env orders.Envelope) error {
	p, err := decode[orders.PaymentFailedPayload](env)
	if err != nil {
		return err
	}
	c.log().Warn("payment failed", zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt), zap.String("reason", p.ErrorMessage))

	if err := c.rebroadcast(ctx, p.OrderID, p.Attempt, orders.StepPayment, p.ErrorMessage); err != nil {
		return err
	}
	return c.State.Clear(ctx, p.OrderID, p.Attempt)
}

// HandleProcessingFailed records the failure. If another step had already
// reported success, the failure is broadcast once more: its compensator may
// have run before that step's effect landed. A redelivery of the event that
// recorded the failure broadcasts again; failures of replaced attempts are
// ignored.
func (c *Coordinator) HandleProcessingFailed(ctx context.Context, env orders.Envelope) error {
	p, err := decode[orders.ProcessingFailedPayload](env)
	if err != nil {
		return err
	}
	first, completed, err := c.State.MarkFailed(ctx, p.OrderID, p.Attempt, p.FailedStep, env.EventID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	log := c.log().With(zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt), zap.String("failed_step", string(p.FailedStep)))
	log.Info("processing failed", zap.String("reason", p.ErrorMessage))

	for _, s := range completed {
		if s != p.FailedStep {
			log.Info("re-broadcasting failure for completed steps")
			return c.rebroadcast(ctx, p.OrderID, p.Attempt, p.FailedStep, p.ErrorMessage)
		}
	}
	return nil
}

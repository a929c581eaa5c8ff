package orders

import (
	"context"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/logging"
)

var ErrBadPayload = errs.Validation("BAD_PAYLOAD", "malformed event payload")

// CompensationDone is emitted by every compensator whether or not its undo
// succeeded.
func (e Emitter) CompensationDone(ctx context.Context, orderID, attempt string, h Handler) error {
	return e.Emit(ctx, EventCompensationDone, orderID, CompensationDonePayload{OrderID: orderID, Attempt: attempt, Handler: h})
}

// Compensator rolls an order back to PENDING and refunds its payment when a
// processing-fail arrives for an order paid by the failed attempt. A payment
// made by any other attempt is left alone.
type Compensator struct {
	Orders   OrderRepository
	Payments PaymentRepository
	Tx       TxManager
	Emit     Emitter
	Log      *zap.Logger
}

func (c *Compensator) HandleProcessingFailed(ctx context.Context, env Envelope) error {
	p, err := DecodePayload[ProcessingFailedPayload](env)
	if err != nil {
		return ErrBadPayload.With(err)
	}
	log := logging.OrNop(c.Log).With(zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt), zap.String("failed_step", string(p.FailedStep)))

	undone, err := c.undo(ctx, p.OrderID, p.Attempt)
	switch {
	case err != nil:
		log.Error("order compensation failed", zap.Error(err))
	case undone:
		log.Info("order payment cancelled")
	default:
		log.Debug("order compensation skipped")
	}
	return c.Emit.CompensationDone(ctx, p.OrderID, p.Attempt, HandlerOrder)
}

func (c *Compensator) undo(ctx context.Context, orderID, attempt string) (bool, error) {
	undone := false
	err := c.Tx.InTx(ctx, func(ctx context.Context) error {
		o, err := c.Orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusPaymentProcessing && o.Status != StatusPaid {
			return nil
		}
		refunded, err := c.Payments.Refund(ctx, orderID, attempt)
		if err != nil {
			return err
		}
		if !refunded {
			return nil
		}
		if err := o.CancelPayment(); err != nil {
			return err
		}
		if err := c.Orders.Update(ctx, o); err != nil {
			return err
		}
		undone = true
		return nil
	})
	return undone, err
}

// Package checkout starts the fulfillment saga for a placed order.
package checkout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/saga"
)

var ErrNotPending = errs.Domain("ORDER_NOT_PENDING", "only pending orders can be checked out")

type SagaStarter interface {
	Init(ctx context.Context, seed saga.Seed) error
	Clear(ctx context.Context, orderID, attempt string) error
}

type Service struct {
	Orders orders.OrderRepository
	Saga   SagaStarter
	Emit   orders.Emitter
	Log    *zap.Logger
	// NewAttempt names each processing attempt; uuid by default.
	NewAttempt func() string
}

func (s *Service) newAttempt() string {
	if s.NewAttempt != nil {
		return s.NewAttempt()
	}
	return uuid.NewString()
}

type Request struct {
	OrderID  string
	UserID   string
	CouponID string
}

// Checkout seeds the saga state and publishes the processing request under a
// fresh attempt id. It returns as soon as processing has started; step
// failures surface later through the order status.
func (s *Service) Checkout(ctx context.Context, req Request) error {
	o, err := s.Orders.FindByID(ctx, req.OrderID)
	if err != nil {
		return err
	}
	if req.UserID != "" && o.UserID != req.UserID {
		return orders.ErrUnauthorized.With(fmt.Errorf("order %s", o.ID))
	}
	if o.Status != orders.StatusPending {
		return ErrNotPending.With(fmt.Errorf("order %s is %s", o.ID, o.Status))
	}
	lines, err := s.Orders.ListLines(ctx, o.ID)
	if err != nil {
		return err
	}

	items := make([]orders.LineItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, orders.LineItem{OptionID: l.OptionID, Qty: l.Qty, Price: l.Price})
	}
	attempt := s.newAttempt()
	p := orders.ProcessingRequestedPayload{
		OrderID:  o.ID,
		Attempt:  attempt,
		UserID:   o.UserID,
		CouponID: req.CouponID,
		Lines:    items,
	}

	// state harus ada sebelum step mana pun selesai
	if err := s.Saga.Init(ctx, saga.Seed{
		OrderID:  o.ID,
		Attempt:  attempt,
		UserID:   o.UserID,
		CouponID: req.CouponID,
		Gross:    p.Gross(),
		Lines:    items,
	}); err != nil {
		return err
	}

	if err := s.Emit.Emit(ctx, orders.EventProcessingRequested, o.ID, p); err != nil {
		// nothing was published, so the attempt can be dropped and retried
		if cerr := s.Saga.Clear(ctx, o.ID, attempt); cerr != nil {
			logging.OrNop(s.Log).Warn("saga state left after failed publish", zap.String("order_id", o.ID), zap.Error(cerr))
		}
		return errs.Infra("PUBLISH", err)
	}
	logging.OrNop(s.Log).Info("processing started",
		zap.String("order_id", o.ID), zap.String("attempt", attempt), zap.String("coupon_id", req.CouponID), zap.Int("lines", len(items)))
	return nil
}

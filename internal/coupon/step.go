package coupon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
)

var ErrExpired = errs.Domain("COUPON_EXPIRED", "coupon expired")

// Service is the coupon subsystem: the redemption step of the saga, its
// compensator, and direct issuance.
type Service struct {
	Coupons  orders.CouponRepository
	Redeemer *Redeemer
	Emit     orders.Emitter
	Log      *zap.Logger
	Now      func() time.Time
}

func (s *Service) log() *zap.Logger { return logging.OrNop(s.Log) }

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) load(ctx context.Context, couponID string) (orders.Coupon, error) {
	c, err := s.Coupons.FindByID(ctx, couponID)
	if err != nil {
		return orders.Coupon{}, err
	}
	if !c.ExpiresAt.IsZero() && !s.now().Before(c.ExpiresAt) {
		return orders.Coupon{}, ErrExpired.With(fmt.Errorf("coupon %s", couponID))
	}
	return c, nil
}

// HandleProcessingRequested redeems the requested coupon for the order and
// reports the discount. Orders without a coupon are ignored.
func (s *Service) HandleProcessingRequested(ctx context.Context, env orders.Envelope) error {
	p, err := orders.DecodePayload[orders.ProcessingRequestedPayload](env)
	if err != nil {
		return orders.ErrBadPayload.With(err)
	}
	if p.CouponID == "" {
		return nil
	}
	log := s.log().With(zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt), zap.String("coupon_id", p.CouponID))

	discount, err := s.redeem(ctx, p)
	if err != nil {
		if errs.Retryable(err) {
			return err
		}
		log.Info("coupon rejected", zap.Error(err))
		return s.Emit.Emit(ctx, orders.EventProcessingFailed, p.OrderID, orders.ProcessingFailedPayload{
			OrderID:      p.OrderID,
			Attempt:      p.Attempt,
			FailedStep:   orders.StepCoupon,
			ErrorMessage: err.Error(),
		})
	}

	log.Info("coupon redeemed", zap.Int64("discount", discount))
	return s.Emit.Emit(ctx, orders.EventCouponSucceeded, p.OrderID, orders.CouponSucceededPayload{
		OrderID:         p.OrderID,
		Attempt:         p.Attempt,
		AppliedDiscount: discount,
	})
}

func (s *Service) redeem(ctx context.Context, p orders.ProcessingRequestedPayload) (int64, error) {
	c, err := s.load(ctx, p.CouponID)
	if err != nil {
		return 0, err
	}
	if err := s.Redeemer.Redeem(ctx, p.UserID, p.CouponID, p.OrderID, p.Attempt, c.Quota); err != nil {
		return 0, err
	}
	if err := s.Coupons.MarkUsed(ctx, p.CouponID, p.UserID, p.OrderID, p.Attempt, s.now()); err != nil {
		return 0, err
	}
	return c.Discount(p.Gross()), nil
}

// HandleProcessingFailed releases the coupon bound to the failed attempt of
// the order. A failure of the coupon step itself left nothing to undo, and a
// coupon bound by another attempt is left alone.
func (s *Service) HandleProcessingFailed(ctx context.Context, env orders.Envelope) error {
	p, err := orders.DecodePayload[orders.ProcessingFailedPayload](env)
	if err != nil {
		return orders.ErrBadPayload.With(err)
	}
	log := s.log().With(zap.String("order_id", p.OrderID), zap.String("attempt", p.Attempt), zap.String("failed_step", string(p.FailedStep)))

	if p.FailedStep == orders.StepCoupon {
		log.Debug("coupon step failed itself, nothing to undo")
	} else if err := s.release(ctx, p.OrderID, p.Attempt); err != nil {
		log.Error("coupon compensation failed", zap.Error(err))
	}
	return s.Emit.CompensationDone(ctx, p.OrderID, p.Attempt, orders.HandlerCoupon)
}

// Release undoes the redemption bound to orderID by any attempt.
func (s *Service) Release(ctx context.Context, orderID string) error {
	return s.release(ctx, orderID, "")
}

// release undoes the redemption of orderID made by attempt; "" matches any.
func (s *Service) release(ctx context.Context, orderID, attempt string) error {
	ic, ok, err := s.Coupons.FindUsageByOrder(ctx, orderID)
	if err != nil || !ok {
		return err
	}
	if attempt != "" && ic.UsedAttempt != attempt {
		s.log().Debug("coupon bound by another attempt, skip",
			zap.String("order_id", orderID), zap.String("attempt", attempt), zap.String("used_attempt", ic.UsedAttempt))
		return nil
	}
	undone, err := s.Redeemer.CancelRedemption(ctx, ic.UserID, ic.CouponID, orderID, attempt)
	if err != nil {
		return err
	}
	if err := s.Coupons.ClearUsage(ctx, ic.CouponID, ic.UserID, orderID, ic.UsedAttempt); err != nil {
		return err
	}
	s.log().Info("coupon released", zap.String("order_id", orderID), zap.String("coupon_id", ic.CouponID),
		zap.Bool("binding_undone", undone), zap.Bool("pre_issued", ic.PreIssued))
	return nil
}

// Issue hands couponID to userID ahead of any order.
func (s *Service) Issue(ctx context.Context, userID, couponID string) error {
	c, err := s.load(ctx, couponID)
	if err != nil {
		return err
	}
	if err := s.Redeemer.Issue(ctx, userID, couponID, c.Quota); err != nil {
		return err
	}
	return s.Coupons.MarkIssued(ctx, couponID, userID, s.now())
}

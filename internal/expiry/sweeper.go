// Package expiry releases stock held by orders that never completed payment.
package expiry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-saga/internal/lock"
	"github.com/ariefcatur/go-order-saga/internal/logging"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/payment"
)

type CouponReleaser interface {
	Release(ctx context.Context, orderID string) error
}

type Sweeper struct {
	Orders       orders.OrderRepository
	Reservations orders.ReservationRepository
	Coupons      CouponReleaser
	Tx           orders.TxManager
	Locks        payment.Locker
	Log          *zap.Logger
	Interval     time.Duration
	Batch        int
	Now          func() time.Time
}

func (s *Sweeper) log() *zap.Logger { return logging.OrNop(s.Log) }

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log().Error("expiry sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// SweepOnce expires one batch of overdue PENDING orders and returns how many
// were expired. Per-order failures are logged and skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	due, err := s.Orders.FindExpiredPending(ctx, s.now(), batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.expire(ctx, o.ID)
		if err != nil {
			s.log().Warn("order expiry failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.log().Info("orders expired", zap.Int("count", expired), zap.Int("due", len(due)))
	}
	return expired, nil
}

func (s *Sweeper) expire(ctx context.Context, orderID string) (bool, error) {
	done := false
	err := s.Locks.WithLock(ctx, payment.OrderLockKey(orderID), lock.Options{}, func(ctx context.Context) error {
		return s.Tx.InTx(ctx, func(ctx context.Context) error {
			// status bisa berubah sejak query batch; cek ulang di bawah lock
			o, err := s.Orders.FindByID(ctx, orderID)
			if err != nil {
				return err
			}
			if o.Status != orders.StatusPending || !o.IsExpired(s.now()) {
				return nil
			}
			if err := o.Expire(); err != nil {
				return err
			}
			if err := s.Reservations.ReleaseAll(ctx, orderID); err != nil {
				return err
			}
			if err := s.Orders.Update(ctx, o); err != nil {
				return err
			}
			done = true
			return nil
		})
	})
	if err != nil || !done || s.Coupons == nil {
		return done, err
	}
	if err := s.Coupons.Release(ctx, orderID); err != nil {
		s.log().Warn("coupon release after expiry failed", zap.String("order_id", orderID), zap.Error(err))
	}
	return true, nil
}

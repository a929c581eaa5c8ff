package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/ariefcatur/go-order-saga/internal/postgres"
)

type CouponRepo struct{ DB postgres.DB }

func (r *CouponRepo) q(ctx context.Context) postgres.Querier { return postgres.Conn(ctx, r.DB) }

func (r *CouponRepo) FindByID(ctx context.Context, id string) (Coupon, error) {
	var c Coupon
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, name, quota, discount_rate, expires_at FROM coupons WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Quota, &c.DiscountRate, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Coupon{}, ErrCouponNotFound.With(fmt.Errorf("coupon %s", id))
	}
	if err != nil {
		return Coupon{}, infra(err, "find coupon")
	}
	return c, nil
}

func (r *CouponRepo) MarkIssued(ctx context.Context, couponID, userID string, at time.Time) error {
	if _, err := r.q(ctx).Exec(ctx, `
		INSERT INTO issued_coupons(coupon_id, user_id, pre_issued, issued_at)
		VALUES ($1, $2, true, $3)
		ON CONFLICT (coupon_id, user_id) DO NOTHING`, couponID, userID, at); err != nil {
		return infra(err, "insert issued coupon")
	}
	return nil
}

// MarkUsed binds the issued coupon to orderID. A binding to another order is
// left untouched; the Redis script is the authority on who holds the coupon.
func (r *CouponRepo) MarkUsed(ctx context.Context, couponID, userID, orderID, attempt string, at time.Time) error {
	if _, err := r.q(ctx).Exec(ctx, `
		INSERT INTO issued_coupons(coupon_id, user_id, used_order_id, used_attempt, issued_at, used_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (coupon_id, user_id) DO UPDATE
		SET used_order_id = EXCLUDED.used_order_id, used_attempt = EXCLUDED.used_attempt, used_at = EXCLUDED.used_at
		WHERE issued_coupons.used_order_id IS NULL OR issued_coupons.used_order_id = EXCLUDED.used_order_id`,
		couponID, userID, orderID, attempt, at); err != nil {
		return infra(err, "mark coupon used")
	}
	return nil
}

func (r *CouponRepo) FindUsageByOrder(ctx context.Context, orderID string) (IssuedCoupon, bool, error) {
	var ic IssuedCoupon
	err := r.q(ctx).QueryRow(ctx, `
		SELECT coupon_id, user_id, used_order_id, COALESCE(used_attempt, ''), pre_issued, issued_at, used_at
		FROM issued_coupons WHERE used_order_id = $1`, orderID).
		Scan(&ic.CouponID, &ic.UserID, &ic.UsedOrderID, &ic.UsedAttempt, &ic.PreIssued, &ic.IssuedAt, &ic.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return IssuedCoupon{}, false, nil
	}
	if err != nil {
		return IssuedCoupon{}, false, infra(err, "find coupon usage")
	}
	return ic, true, nil
}

// ClearUsage: pre-issued -> kembali belum dipakai, selain itu baris dihapus.
func (r *CouponRepo) ClearUsage(ctx context.Context, couponID, userID, orderID, attempt string) error {
	if _, err := r.q(ctx).Exec(ctx, `
		UPDATE issued_coupons SET used_order_id = NULL, used_attempt = NULL, used_at = NULL
		WHERE coupon_id = $1 AND user_id = $2 AND used_order_id = $3 AND used_attempt = $4 AND pre_issued`,
		couponID, userID, orderID, attempt); err != nil {
		return infra(err, "reset coupon usage")
	}
	if _, err := r.q(ctx).Exec(ctx, `
		DELETE FROM issued_coupons
		WHERE coupon_id = $1 AND user_id = $2 AND used_order_id = $3 AND used_attempt = $4 AND NOT pre_issued`,
		couponID, userID, orderID, attempt); err != nil {
		return infra(err, "clear coupon usage")
	}
	return nil
}

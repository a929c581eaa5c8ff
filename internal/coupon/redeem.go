// Package coupon implements flash-sale coupon issuance and redemption on
// Redis, plus the saga step and compensator that use it.
package coupon

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

var (
	ErrSoldOut       = errs.Domain("COUPON_SOLD_OUT", "coupon quota exhausted")
	ErrAlreadyIssued = errs.Domain("COUPON_ALREADY_ISSUED", "coupon already issued to user")
)

// holders hash: user -> "" for issued but unused, otherwise "order|attempt".
// preissued set: users who claimed the coupon through Issue; their claim
// survives a cancelled redemption.

// KEYS[1] = issued counter, KEYS[2] = holders hash
// ARGV[1] = user, ARGV[2] = order, ARGV[3] = attempt, ARGV[4] = quota
var redeemScript = redis.NewScript(`
local binding = ARGV[2] .. "|" .. ARGV[3]
local bound = redis.call("HGET", KEYS[2], ARGV[1])
if bound then
    if bound == "" or bound == binding or string.sub(bound, 1, #ARGV[2] + 1) == ARGV[2] .. "|" then
        redis.call("HSET", KEYS[2], ARGV[1], binding)
        return "OK"
    end
    return "ALREADY_ISSUED"
end
local issued = tonumber(redis.call("GET", KEYS[1]) or "0")
if issued >= tonumber(ARGV[4]) then
    return "SOLD_OUT"
end
redis.call("INCR", KEYS[1])
redis.call("HSET", KEYS[2], ARGV[1], binding)
return "OK"
`)

// KEYS[1] = issued counter, KEYS[2] = holders hash, KEYS[3] = preissued set
// ARGV[1] = user, ARGV[2] = quota
var issueScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
    return "ALREADY_ISSUED"
end
local issued = tonumber(redis.call("GET", KEYS[1]) or "0")
if issued >= tonumber(ARGV[2]) then
    return "SOLD_OUT"
end
redis.call("INCR", KEYS[1])
redis.call("HSET", KEYS[2], ARGV[1], "")
redis.call("SADD", KEYS[3], ARGV[1])
return "OK"
`)

// KEYS[1] = issued counter, KEYS[2] = holders hash, KEYS[3] = preissued set
// ARGV[1] = user, ARGV[2] = order, ARGV[3] = attempt ("" = any attempt)
var cancelScript = redis.NewScript(`
local bound = redis.call("HGET", KEYS[2], ARGV[1])
if not bound or bound == "" then
    return 0
end
if ARGV[3] ~= "" then
    if bound ~= ARGV[2] .. "|" .. ARGV[3] then
        return 0
    end
elseif string.sub(bound, 1, #ARGV[2] + 1) ~= ARGV[2] .. "|" then
    return 0
end
if redis.call("SISMEMBER", KEYS[3], ARGV[1]) == 1 then
    redis.call("HSET", KEYS[2], ARGV[1], "")
    return 1
end
redis.call("HDEL", KEYS[2], ARGV[1])
if tonumber(redis.call("GET", KEYS[1]) or "0") > 0 then
    redis.call("DECR", KEYS[1])
end
return 1
`)

type Redeemer struct {
	rdb redis.Cmdable
}

func NewRedeemer(rdb redis.Cmdable) *Redeemer { return &Redeemer{rdb: rdb} }

func keys(couponID string) []string {
	return []string{
		fmt.Sprintf(redisx.KeyCouponIssued, couponID),
		fmt.Sprintf(redisx.KeyCouponHolders, couponID),
		fmt.Sprintf(redisx.KeyCouponPreissued, couponID),
	}
}

// Redeem binds couponID to the given attempt of orderID for userID. Replaying
// the same order is a no-op apart from moving the binding to attempt; a user
// who was issued the coupon earlier binds it without using quota again.
func (r *Redeemer) Redeem(ctx context.Context, userID, couponID, orderID, attempt string, quota int) error {
	res, err := redeemScript.Run(ctx, r.rdb, keys(couponID), userID, orderID, attempt, quota).Text()
	if err != nil {
		return errs.Infra("COUPON_REDEEM", err)
	}
	return outcome(res, couponID, userID)
}

// Issue claims couponID for userID without an order.
func (r *Redeemer) Issue(ctx context.Context, userID, couponID string, quota int) error {
	res, err := issueScript.Run(ctx, r.rdb, keys(couponID), userID, quota).Text()
	if err != nil {
		return errs.Infra("COUPON_ISSUE", err)
	}
	return outcome(res, couponID, userID)
}

// CancelRedemption undoes the binding only if it belongs to attempt of
// orderID; an empty attempt matches any attempt of the order. A pre-issued
// coupon returns to its user unused, any other frees its quota slot.
// Reports whether anything was undone.
func (r *Redeemer) CancelRedemption(ctx context.Context, userID, couponID, orderID, attempt string) (bool, error) {
	n, err := cancelScript.Run(ctx, r.rdb, keys(couponID), userID, orderID, attempt).Int64()
	if err != nil {
		return false, errs.Infra("COUPON_CANCEL", err)
	}
	return n == 1, nil
}

// Issued returns the current value of the issued counter.
func (r *Redeemer) Issued(ctx context.Context, couponID string) (int64, error) {
	n, err := r.rdb.Get(ctx, fmt.Sprintf(redisx.KeyCouponIssued, couponID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Infra("COUPON_ISSUED", err)
	}
	return n, nil
}

func outcome(res, couponID, userID string) error {
	switch res {
	case "OK":
		return nil
	case "SOLD_OUT":
		return ErrSoldOut.With(fmt.Errorf("coupon %s", couponID))
	case "ALREADY_ISSUED":
		return ErrAlreadyIssued.With(fmt.Errorf("coupon %s user %s", couponID, userID))
	}
	return errs.Infra("COUPON_SCRIPT", fmt.Errorf("unexpected reply %q", res))
}

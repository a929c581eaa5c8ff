// Package saga holds the per-order fan-in state and the coordinator that
// advances an order from its parallel steps to payment.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
)

var (
	ErrInFlight = errs.Domain("SAGA_IN_FLIGHT", "processing already in progress for order")
	ErrMissing  = errs.Domain("SAGA_STATE_MISSING", "no saga state for order")
)

type Outcome string

const (
	Ready          Outcome = "READY"
	Pending        Outcome = "PENDING"
	AlreadyEmitted Outcome = "ALREADY_EMITTED"
	Aborted        Outcome = "ABORTED"
	Missing        Outcome = "MISSING"
	// Stale: the result belongs to an attempt that has been replaced.
	Stale Outcome = "STALE"
)

// Seed is what the coordinator needs later to build the payment request.
type Seed struct {
	OrderID  string
	Attempt  string
	UserID   string
	CouponID string
	Gross    int64
	Lines    []orders.LineItem
}

type State struct {
	OrderID         string
	Attempt         string
	StockOK         bool
	CouponOK        bool
	AppliedDiscount int64
	Emitted         bool
	Failed          bool
	FailedStep      orders.Step
	UserID          string
	CouponID        string
	Gross           int64
	Lines           []orders.LineItem
}

func (s State) FinalAmount() int64 {
	n := s.Gross - s.AppliedDiscount
	if n < 0 {
		return 0
	}
	return n
}

type MarkResult struct {
	Outcome Outcome
	// FailedStep is set when Outcome is Aborted.
	FailedStep orders.Step
}

// KEYS[1] = saga key
// ARGV = ttl ms, coupon_ok, user_id, coupon_id, gross, lines json, attempt
var initScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 and redis.call("HGET", KEYS[1], "failed") ~= "1" then
    return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1],
    "attempt", ARGV[7],
    "stock_ok", "0", "coupon_ok", ARGV[2], "discount", "0",
    "emitted", "0", "emitted_by", "",
    "failed", "0", "failed_step", "", "failed_by", "", "failed_mask", "0",
    "user_id", ARGV[3], "coupon_id", ARGV[4], "gross", ARGV[5], "lines", ARGV[6])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return 1
`)

// KEYS[1] = saga key
// ARGV = flag field, discount ("" keeps the stored one), attempt, event id
// The event that flipped "emitted" keeps getting READY on redelivery, so a
// handler that failed to publish can retry.
var markStepScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {"MISSING", ""}
end
if redis.call("HGET", KEYS[1], "attempt") ~= ARGV[3] then
    return {"STALE", ""}
end
if redis.call("HGET", KEYS[1], "failed") == "1" then
    return {"ABORTED", redis.call("HGET", KEYS[1], "failed_step")}
end
redis.call("HSET", KEYS[1], ARGV[1], "1")
if ARGV[2] ~= "" then
    redis.call("HSET", KEYS[1], "discount", ARGV[2])
end
if redis.call("HGET", KEYS[1], "stock_ok") == "1" and redis.call("HGET", KEYS[1], "coupon_ok") == "1" then
    if redis.call("HGET", KEYS[1], "emitted") == "1" then
        if redis.call("HGET", KEYS[1], "emitted_by") == ARGV[4] then
            return {"READY", ""}
        end
        return {"ALREADY_EMITTED", ""}
    end
    redis.call("HSET", KEYS[1], "emitted", "1", "emitted_by", ARGV[4])
    return {"READY", ""}
end
return {"PENDING", ""}
`)

// KEYS[1] = saga key, ARGV = failed step, attempt, event id
// Returns 0 when nothing changed, otherwise 1 + bitmask of completed steps
// (2 = stock, 4 = coupon that was actually requested). The event that
// recorded the failure gets the same mask again on redelivery.
var markFailedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 or redis.call("HGET", KEYS[1], "attempt") ~= ARGV[2] then
    return 0
end
if redis.call("HGET", KEYS[1], "failed") == "1" then
    if redis.call("HGET", KEYS[1], "failed_by") == ARGV[3] then
        return tonumber(redis.call("HGET", KEYS[1], "failed_mask"))
    end
    return 0
end
local r = 1
if redis.call("HGET", KEYS[1], "stock_ok") == "1" then
    r = r + 2
end
if redis.call("HGET", KEYS[1], "coupon_ok") == "1" and redis.call("HGET", KEYS[1], "coupon_id") ~= "" then
    r = r + 4
end
redis.call("HSET", KEYS[1], "failed", "1", "failed_step", ARGV[1], "failed_by", ARGV[3], "failed_mask", r)
return r
`)

// KEYS[1] = saga key, ARGV[1] = attempt
var clearScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "attempt") == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store keeps one Redis hash per order. Every mutation is a single script so
// concurrent step completions cannot both observe "both done".
type Store struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStore(rdb redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = redisx.TTLSaga
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func key(orderID string) string { return fmt.Sprintf(redisx.KeySaga, orderID) }

func stepField(step orders.Step) (string, error) {
	switch step {
	case orders.StepStock:
		return "stock_ok", nil
	case orders.StepCoupon:
		return "coupon_ok", nil
	}
	return "", errs.Validation("UNKNOWN_STEP", fmt.Sprintf("step %q does not take part in fan-in", step))
}

// Init creates the state for a new processing attempt. Without a coupon the
// coupon step counts as done. Fails with ErrInFlight while a previous attempt
// has neither failed nor been cleared.
func (s *Store) Init(ctx context.Context, seed Seed) error {
	if seed.Attempt == "" {
		return errs.Validation("MISSING_ATTEMPT", "saga seed needs an attempt id")
	}
	lines, err := json.Marshal(seed.Lines)
	if err != nil {
		return errs.Validation("BAD_LINES", err.Error())
	}
	couponOK := "0"
	if seed.CouponID == "" {
		couponOK = "1"
	}
	n, err := initScript.Run(ctx, s.rdb, []string{key(seed.OrderID)},
		s.ttl.Milliseconds(), couponOK, seed.UserID, seed.CouponID, seed.Gross, string(lines), seed.Attempt).Int64()
	if err != nil {
		return errs.Infra("SAGA_INIT", err)
	}
	if n == 0 {
		return ErrInFlight.With(fmt.Errorf("order %s", seed.OrderID))
	}
	return nil
}

// MarkStepOk flags step as done for attempt. Ready goes to the one event that
// completed the fan-in, and to that same event again if it is redelivered.
// discount is stored for the coupon step and ignored for stock.
func (s *Store) MarkStepOk(ctx context.Context, orderID, attempt string, step orders.Step, discount int64, eventID string) (MarkResult, error) {
	field, err := stepField(step)
	if err != nil {
		return MarkResult{}, err
	}
	d := ""
	if step == orders.StepCoupon {
		d = strconv.FormatInt(discount, 10)
	}
	res, err := markStepScript.Run(ctx, s.rdb, []string{key(orderID)}, field, d, attempt, eventID).StringSlice()
	if err != nil {
		return MarkResult{}, errs.Infra("SAGA_MARK", err)
	}
	if len(res) != 2 {
		return MarkResult{}, errs.Infra("SAGA_MARK", fmt.Errorf("unexpected script reply %v", res))
	}
	return MarkResult{Outcome: Outcome(res[0]), FailedStep: orders.Step(res[1])}, nil
}

// MarkFailed records the first failure of an attempt. first is false when
// the state is missing, belongs to another attempt, or was failed by a
// different event; completed lists the steps whose effects had been reported
// before the failure was recorded.
func (s *Store) MarkFailed(ctx context.Context, orderID, attempt string, step orders.Step, eventID string) (first bool, completed []orders.Step, err error) {
	n, err := markFailedScript.Run(ctx, s.rdb, []string{key(orderID)}, string(step), attempt, eventID).Int64()
	if err != nil {
		return false, nil, errs.Infra("SAGA_FAIL", err)
	}
	if n == 0 {
		return false, nil, nil
	}
	if n&2 != 0 {
		completed = append(completed, orders.StepStock)
	}
	if n&4 != 0 {
		completed = append(completed, orders.StepCoupon)
	}
	return true, completed, nil
}

func (s *Store) Get(ctx context.Context, orderID string) (State, error) {
	m, err := s.rdb.HGetAll(ctx, key(orderID)).Result()
	if err != nil {
		return State{}, errs.Infra("SAGA_GET", err)
	}
	if len(m) == 0 {
		return State{}, ErrMissing.With(fmt.Errorf("order %s", orderID))
	}
	st := State{
		OrderID:    orderID,
		Attempt:    m["attempt"],
		StockOK:    m["stock_ok"] == "1",
		CouponOK:   m["coupon_ok"] == "1",
		Emitted:    m["emitted"] == "1",
		Failed:     m["failed"] == "1",
		FailedStep: orders.Step(m["failed_step"]),
		UserID:     m["user_id"],
		CouponID:   m["coupon_id"],
	}
	if st.AppliedDiscount, err = parseInt(m["discount"]); err != nil {
		return State{}, errs.Infra("SAGA_GET", err)
	}
	if st.Gross, err = parseInt(m["gross"]); err != nil {
		return State{}, errs.Infra("SAGA_GET", err)
	}
	if v := m["lines"]; v != "" {
		if err := json.Unmarshal([]byte(v), &st.Lines); err != nil {
			return State{}, errs.Infra("SAGA_GET", err)
		}
	}
	return st, nil
}

// Clear drops the state if it still belongs to attempt.
func (s *Store) Clear(ctx context.Context, orderID, attempt string) error {
	if err := clearScript.Run(ctx, s.rdb, []string{key(orderID)}, attempt).Err(); err != nil {
		return errs.Infra("SAGA_CLEAR", err)
	}
	return nil
}

func parseInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

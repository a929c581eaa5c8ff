package coupon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/orders/orderstest"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *orderstest.Store, *orderstest.Publisher) {
	t.Helper()
	r, _ := newTestRedeemer(t)
	st := orderstest.NewStore()
	st.AddCoupon(orders.Coupon{ID: "c1", Quota: 1, DiscountRate: 15, ExpiresAt: testNow.Add(time.Hour)})
	pub := &orderstest.Publisher{}
	return &Service{
		Coupons:  st.Coupons(),
		Redeemer: r,
		Emit:     pub.Emitter("coupon"),
		Log:      zaptest.NewLogger(t),
		Now:      func() time.Time { return testNow },
	}, st, pub
}

func requested(t *testing.T, orderID, userID, couponID string) orders.Envelope {
	t.Helper()
	return requestedAttempt(t, orderID, "a1", userID, couponID)
}

func requestedAttempt(t *testing.T, orderID, attempt, userID, couponID string) orders.Envelope {
	t.Helper()
	env, err := orders.NewEnvelope(orders.EventProcessingRequested, "test", orderID, orders.ProcessingRequestedPayload{
		OrderID:  orderID,
		Attempt:  attempt,
		UserID:   userID,
		CouponID: couponID,
		Lines:    []orders.LineItem{{OptionID: "opt-1", Qty: 3, Price: 333}},
	})
	require.NoError(t, err)
	return env
}

func failed(t *testing.T, orderID string, step orders.Step) orders.Envelope {
	t.Helper()
	return failedAttempt(t, orderID, "a1", step)
}

func failedAttempt(t *testing.T, orderID, attempt string, step orders.Step) orders.Envelope {
	t.Helper()
	env, err := orders.NewEnvelope(orders.EventProcessingFailed, "test", orderID,
		orders.ProcessingFailedPayload{OrderID: orderID, Attempt: attempt, FailedStep: step})
	require.NoError(t, err)
	return env
}

func TestStepRedeemsAndReportsDiscount(t *testing.T) {
	s, st, pub := newTestService(t)

	require.NoError(t, s.HandleProcessingRequested(context.Background(), requested(t, "o1", "u1", "c1")))

	ok := pub.OfType(orders.EventCouponSucceeded)
	require.Len(t, ok, 1)
	// 999 * 15% = 149.85, floored
	assert.Equal(t, int64(149), orderstest.Payload[orders.CouponSucceededPayload](ok[0]).AppliedDiscount)
	ic, found := st.Usage("c1", "u1")
	require.True(t, found)
	assert.Equal(t, "o1", ic.UsedOrderID)
	assert.Equal(t, "a1", ic.UsedAttempt)
	assert.Equal(t, "a1", orderstest.Payload[orders.CouponSucceededPayload](ok[0]).Attempt)
}

func TestStepRedeliveryIsIdempotent(t *testing.T) {
	s, _, pub := newTestService(t)
	env := requested(t, "o1", "u1", "c1")

	require.NoError(t, s.HandleProcessingRequested(context.Background(), env))
	require.NoError(t, s.HandleProcessingRequested(context.Background(), env))

	assert.Len(t, pub.OfType(orders.EventCouponSucceeded), 2)
	assert.Empty(t, pub.OfType(orders.EventProcessingFailed))
}

func TestStepIgnoresOrdersWithoutCoupon(t *testing.T) {
	s, _, pub := newTestService(t)

	require.NoError(t, s.HandleProcessingRequested(context.Background(), requested(t, "o1", "u1", "")))

	assert.Empty(t, pub.All())
}

func TestStepDomainFailures(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(s *Service, st *orderstest.Store)
		coupon string
	}{
		{"sold out", func(s *Service, _ *orderstest.Store) {
			require.NoError(t, s.Redeemer.Redeem(context.Background(), "u9", "c1", "o9", "a1", 1))
		}, "c1"},
		{"unknown coupon", func(*Service, *orderstest.Store) {}, "nope"},
		{"expired", func(_ *Service, st *orderstest.Store) {
			st.AddCoupon(orders.Coupon{ID: "old", Quota: 5, DiscountRate: 10, ExpiresAt: testNow.Add(-time.Minute)})
		}, "old"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, st, pub := newTestService(t)
			tc.setup(s, st)

			require.NoError(t, s.HandleProcessingRequested(context.Background(), requested(t, "o1", "u1", tc.coupon)))

			assert.Empty(t, pub.OfType(orders.EventCouponSucceeded))
			f := pub.OfType(orders.EventProcessingFailed)
			require.Len(t, f, 1)
			assert.Equal(t, orders.StepCoupon, orderstest.Payload[orders.ProcessingFailedPayload](f[0]).FailedStep)
		})
	}
}

func TestStepInfrastructureErrorIsReturned(t *testing.T) {
	s, st, pub := newTestService(t)
	st.FailOn("MarkUsed", errors.New("db down"))

	err := s.HandleProcessingRequested(context.Background(), requested(t, "o1", "u1", "c1"))

	assert.Error(t, err)
	assert.Empty(t, pub.All())
}

func TestCompensatorReleasesCoupon(t *testing.T) {
	s, st, pub := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.HandleProcessingRequested(ctx, requested(t, "o1", "u1", "c1")))

	require.NoError(t, s.HandleProcessingFailed(ctx, failed(t, "o1", orders.StepStock)))

	_, found := st.Usage("c1", "u1")
	assert.False(t, found)
	n, err := s.Redeemer.Issued(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
	done := pub.OfType(orders.EventCompensationDone)
	require.Len(t, done, 1)
	ack := orderstest.Payload[orders.CompensationDonePayload](done[0])
	assert.Equal(t, orders.HandlerCoupon, ack.Handler)
	assert.Equal(t, "a1", ack.Attempt)

	require.NoError(t, s.HandleProcessingFailed(ctx, failed(t, "o1", orders.StepStock)))
	assert.Len(t, pub.OfType(orders.EventCompensationDone), 2)
}

func TestCompensatorSkipsWhenCouponStepFailed(t *testing.T) {
	s, st, pub := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.HandleProcessingRequested(ctx, requested(t, "o1", "u1", "c1")))

	require.NoError(t, s.HandleProcessingFailed(ctx, failed(t, "o1", orders.StepCoupon)))

	_, found := st.Usage("c1", "u1")
	assert.True(t, found)
	assert.Len(t, pub.OfType(orders.EventCompensationDone), 1)
}

func TestIssue(t *testing.T) {
	s, st, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Issue(ctx, "u1", "c1"))
	ic, found := st.Usage("c1", "u1")
	require.True(t, found)
	assert.Empty(t, ic.UsedOrderID)

	assert.ErrorIs(t, s.Issue(ctx, "u2", "c1"), ErrSoldOut)
}

func TestCompensatorLeavesCouponOfLaterAttempt(t *testing.T) {
	s, st, pub := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.HandleProcessingRequested(ctx, requestedAttempt(t, "o1", "a1", "u1", "c1")))
	require.NoError(t, s.HandleProcessingRequested(ctx, requestedAttempt(t, "o1", "a2", "u1", "c1")))

	require.NoError(t, s.HandleProcessingFailed(ctx, failedAttempt(t, "o1", "a1", orders.StepStock)))

	ic, found := st.Usage("c1", "u1")
	require.True(t, found, "attempt a2 still holds the coupon")
	assert.Equal(t, "a2", ic.UsedAttempt)
	n, err := s.Redeemer.Issued(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, pub.OfType(orders.EventCompensationDone), 1, "stale attempt still acks")
}

func TestCompensatorKeepsPreIssuedCoupon(t *testing.T) {
	s, st, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, s.Issue(ctx, "u1", "c1"))
	require.NoError(t, s.HandleProcessingRequested(ctx, requested(t, "o1", "u1", "c1")))

	require.NoError(t, s.HandleProcessingFailed(ctx, failed(t, "o1", orders.StepStock)))

	ic, found := st.Usage("c1", "u1")
	require.True(t, found, "pre-issued coupon goes back to its user")
	assert.Empty(t, ic.UsedOrderID)
	assert.ErrorIs(t, s.Issue(ctx, "u2", "c1"), ErrSoldOut)

	require.NoError(t, s.HandleProcessingRequested(ctx, requested(t, "o2", "u1", "c1")))
	ic, _ = st.Usage("c1", "u1")
	assert.Equal(t, "o2", ic.UsedOrderID)
}

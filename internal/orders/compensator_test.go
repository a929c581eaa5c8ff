package orders_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/orders/orderstest"
)

func processingFailed(t *testing.T, orderID, attempt string, step orders.Step) orders.Envelope {
	t.Helper()
	env, err := orders.NewEnvelope(orders.EventProcessingFailed, "test", orderID,
		orders.ProcessingFailedPayload{OrderID: orderID, Attempt: attempt, FailedStep: step, ErrorMessage: "x"})
	require.NoError(t, err)
	return env
}

func newCompensator(t *testing.T, st *orderstest.Store, pub *orderstest.Publisher) *orders.Compensator {
	return &orders.Compensator{
		Orders:   st.Orders(),
		Payments: st.Payments(),
		Tx:       orderstest.NoTx{},
		Emit:     pub.Emitter("order-compensator"),
		Log:      zaptest.NewLogger(t),
	}
}

func TestCompensatorRefundsPaidOrder(t *testing.T) {
	ctx := context.Background()
	st := orderstest.NewStore()
	pub := &orderstest.Publisher{}
	st.SetBalance("u1", 1000)
	st.PutOrder(orders.Order{ID: "o1", UserID: "u1", Gross: 400, Net: 400, Status: orders.StatusPaymentProcessing}, nil)
	require.NoError(t, st.Payments().Debit(ctx, orders.Payment{OrderID: "o1", UserID: "u1", Attempt: "a1", Amount: 400}))
	o := st.Order("o1")
	require.NoError(t, o.CompletePayment())
	require.NoError(t, st.Orders().Update(ctx, o))

	err := newCompensator(t, st, pub).HandleProcessingFailed(ctx, processingFailed(t, "o1", "a1", orders.StepPayment))

	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, st.Order("o1").Status)
	assert.Equal(t, int64(1000), st.Balance("u1"))
	p, _ := st.Payment("o1")
	assert.Equal(t, orders.PaymentRefunded, p.Status)

	done := pub.OfType(orders.EventCompensationDone)
	require.Len(t, done, 1)
	ack := orderstest.Payload[orders.CompensationDonePayload](done[0])
	assert.Equal(t, orders.HandlerOrder, ack.Handler)
	assert.Equal(t, "a1", ack.Attempt)
}

func TestCompensatorSkipsPendingOrder(t *testing.T) {
	st := orderstest.NewStore()
	pub := &orderstest.Publisher{}
	st.PutOrder(orders.Order{ID: "o1", UserID: "u1", Status: orders.StatusPending}, nil)

	err := newCompensator(t, st, pub).HandleProcessingFailed(context.Background(), processingFailed(t, "o1", "a1", orders.StepStock))

	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, st.Order("o1").Status)
	assert.Len(t, pub.OfType(orders.EventCompensationDone), 1)
}

func TestCompensatorEmitsDoneWhenUndoFails(t *testing.T) {
	st := orderstest.NewStore()
	pub := &orderstest.Publisher{}
	st.PutOrder(orders.Order{ID: "o1", UserID: "u1", Status: orders.StatusPaid}, nil)
	st.FailOn("Refund", errors.New("db down"))

	err := newCompensator(t, st, pub).HandleProcessingFailed(context.Background(), processingFailed(t, "o1", "a1", orders.StepPayment))

	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, st.Order("o1").Status)
	assert.Len(t, pub.OfType(orders.EventCompensationDone), 1)
}

func TestCompensatorIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := orderstest.NewStore()
	pub := &orderstest.Publisher{}
	st.SetBalance("u1", 500)
	st.PutOrder(orders.Order{ID: "o1", UserID: "u1", Net: 200, Status: orders.StatusPaymentProcessing}, nil)
	require.NoError(t, st.Payments().Debit(ctx, orders.Payment{OrderID: "o1", UserID: "u1", Attempt: "a1", Amount: 200}))
	c := newCompensator(t, st, pub)
	env := processingFailed(t, "o1", "a1", orders.StepPayment)

	require.NoError(t, c.HandleProcessingFailed(ctx, env))
	require.NoError(t, c.HandleProcessingFailed(ctx, env))

	assert.Equal(t, int64(500), st.Balance("u1"))
	assert.Len(t, pub.OfType(orders.EventCompensationDone), 2)
}

func TestCompensatorLeavesPaymentOfLaterAttempt(t *testing.T) {
	ctx := context.Background()
	st := orderstest.NewStore()
	pub := &orderstest.Publisher{}
	st.SetBalance("u1", 1000)
	st.PutOrder(orders.Order{ID: "o1", UserID: "u1", Gross: 400, Net: 400, Status: orders.StatusPaid}, nil)
	require.NoError(t, st.Payments().Debit(ctx, orders.Payment{OrderID: "o1", UserID: "u1", Attempt: "a2", Amount: 400}))

	err := newCompensator(t, st, pub).HandleProcessingFailed(ctx, processingFailed(t, "o1", "a1", orders.StepStock))

	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, st.Order("o1").Status)
	assert.Equal(t, int64(600), st.Balance("u1"))
	p, _ := st.Payment("o1")
	assert.Equal(t, orders.PaymentDebited, p.Status)
	assert.Len(t, pub.OfType(orders.EventCompensationDone), 1)
}

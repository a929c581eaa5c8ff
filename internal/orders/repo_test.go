package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-saga/internal/errs"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestPlaceOrderPricesFromCatalog(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT p.price").WithArgs("opt-1").
		WillReturnRows(pgxmock.NewRows([]string{"price", "available"}).AddRow(int64(1500), 10))
	mock.ExpectExec("INSERT INTO orders").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO order_lines").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO stock_reservations").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	o, lines, err := (&Repo{DB: mock}).PlaceOrder(context.Background(), "u1", []ItemInput{{OptionID: "opt-1", Qty: 2}}, 30*time.Minute)

	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, int64(3000), o.Gross)
	assert.Equal(t, o.Gross, o.Net)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(3000), lines[0].Subtotal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceOrderInsufficientStock(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT p.price").WithArgs("opt-1").
		WillReturnRows(pgxmock.NewRows([]string{"price", "available"}).AddRow(int64(1500), 1))
	mock.ExpectRollback()

	_, _, err := (&Repo{DB: mock}).PlaceOrder(context.Background(), "u1", []ItemInput{{OptionID: "opt-1", Qty: 2}}, time.Minute)

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceOrderRejectsBadQty(t *testing.T) {
	mock := newMock(t)

	_, _, err := (&Repo{DB: mock}).PlaceOrder(context.Background(), "u1", []ItemInput{{OptionID: "opt-1", Qty: 0}}, time.Minute)

	assert.ErrorIs(t, err, ErrInvalidQty)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestFindByIDNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("FROM orders WHERE id").WithArgs("nope").WillReturnError(pgx.ErrNoRows)

	_, err := (&Repo{DB: mock}).FindByID(context.Background(), "nope")

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFindByIDDriverErrorIsInfrastructure(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("FROM orders WHERE id").WithArgs("o1").WillReturnError(errors.New("conn reset"))

	_, err := (&Repo{DB: mock}).FindByID(context.Background(), "o1")

	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
}

func TestConfirmDecrementsStock(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT qty, status FROM stock_reservations").WithArgs("o1", "opt-1").
		WillReturnRows(pgxmock.NewRows([]string{"qty", "status"}).AddRow(2, "RESERVED"))
	mock.ExpectExec("UPDATE product_options SET stock = stock -").WithArgs("opt-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE stock_reservations SET status = 'CONFIRMED'").WithArgs("o1", "opt-1", "a1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := (&ReservationRepo{DB: mock}).Confirm(context.Background(), "o1", "opt-1", "a1")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmAlreadyConfirmedOnlyChangesAttempt(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT qty, status FROM stock_reservations").WithArgs("o1", "opt-1").
		WillReturnRows(pgxmock.NewRows([]string{"qty", "status"}).AddRow(2, "CONFIRMED"))
	mock.ExpectExec("UPDATE stock_reservations SET attempt").WithArgs("o1", "opt-1", "a1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, (&ReservationRepo{DB: mock}).Confirm(context.Background(), "o1", "opt-1", "a1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfirmFailures(t *testing.T) {
	t.Run("out of stock", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT qty, status FROM stock_reservations").WithArgs("o1", "opt-1").
			WillReturnRows(pgxmock.NewRows([]string{"qty", "status"}).AddRow(5, "RESERVED"))
		mock.ExpectExec("UPDATE product_options SET stock = stock -").WithArgs("opt-1", 5).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectRollback()

		err := (&ReservationRepo{DB: mock}).Confirm(context.Background(), "o1", "opt-1", "a1")
		assert.ErrorIs(t, err, ErrInsufficientStock)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("released", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT qty, status FROM stock_reservations").WithArgs("o1", "opt-1").
			WillReturnRows(pgxmock.NewRows([]string{"qty", "status"}).AddRow(5, "RELEASED"))
		mock.ExpectRollback()

		err := (&ReservationRepo{DB: mock}).Confirm(context.Background(), "o1", "opt-1", "a1")
		assert.ErrorIs(t, err, ErrReservationReleased)
	})

	t.Run("missing", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT qty, status FROM stock_reservations").WithArgs("o1", "opt-1").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		err := (&ReservationRepo{DB: mock}).Confirm(context.Background(), "o1", "opt-1", "a1")
		assert.ErrorIs(t, err, ErrReservationMissing)
	})
}

func TestRestoreConfirmedReturnsStock(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT option_id, qty FROM stock_reservations").WithArgs("o1", "a1").
		WillReturnRows(pgxmock.NewRows([]string{"option_id", "qty"}).AddRow("opt-1", 2).AddRow("opt-2", 1))
	mock.ExpectExec("UPDATE product_options SET stock = stock \\+").WithArgs("opt-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE product_options SET stock = stock \\+").WithArgs("opt-2", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE stock_reservations SET status = 'RESERVED'").WithArgs("o1", "a1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	n, err := (&ReservationRepo{DB: mock}).RestoreConfirmed(context.Background(), "o1", "a1")

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreConfirmedNothingToDo(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT option_id, qty FROM stock_reservations").WithArgs("o1", "a1").
		WillReturnRows(pgxmock.NewRows([]string{"option_id", "qty"}))
	mock.ExpectCommit()

	n, err := (&ReservationRepo{DB: mock}).RestoreConfirmed(context.Background(), "o1", "a1")

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit(t *testing.T) {
	p := Payment{OrderID: "o1", UserID: "u1", Attempt: "a1", Amount: 900}

	t.Run("first debit", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM payments").WithArgs("o1").WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec("UPDATE user_balances SET balance = balance -").WithArgs("u1", int64(900)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec("INSERT INTO payments").WithArgs("o1", "u1", "a1", int64(900)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, (&PaymentRepo{DB: mock}).Debit(context.Background(), p))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already debited", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM payments").WithArgs("o1").
			WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("DEBITED"))
		mock.ExpectCommit()

		require.NoError(t, (&PaymentRepo{DB: mock}).Debit(context.Background(), p))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status FROM payments").WithArgs("o1").WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec("UPDATE user_balances SET balance = balance -").WithArgs("u1", int64(900)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectRollback()

		err := (&PaymentRepo{DB: mock}).Debit(context.Background(), p)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, errs.KindDomain, errs.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRefund(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, amount, status FROM payments").WithArgs("o1", "a1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "amount", "status"}).AddRow("u1", int64(900), "DEBITED"))
	mock.ExpectExec("UPDATE user_balances SET balance = balance \\+").WithArgs("u1", int64(900)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE payments SET status = 'REFUNDED'").WithArgs("o1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	ok, err := (&PaymentRepo{DB: mock}).Refund(context.Background(), "o1", "a1")

	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A payment of another attempt is not selected and stays untouched.
func TestRefundWithoutPaymentOfAttempt(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT user_id, amount, status FROM payments").WithArgs("o1", "stale").WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	ok, err := (&PaymentRepo{DB: mock}).Refund(context.Background(), "o1", "stale")

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkUsedKeepsForeignBinding(t *testing.T) {
	mock := newMock(t)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO issued_coupons").WithArgs("c1", "u1", "o1", "a1", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, (&CouponRepo{DB: mock}).MarkUsed(context.Background(), "c1", "u1", "o1", "a1", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearUsageKeepsPreIssuedCoupon(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("UPDATE issued_coupons SET used_order_id = NULL").WithArgs("c1", "u1", "o1", "a1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM issued_coupons").WithArgs("c1", "u1", "o1", "a1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, (&CouponRepo{DB: mock}).ClearUsage(context.Background(), "c1", "u1", "o1", "a1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

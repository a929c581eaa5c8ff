package orders

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/errs"
)

var (
	ErrOrderNotFound       = errs.Domain("ORDER_NOT_FOUND", "order not found")
	ErrOptionNotFound      = errs.Validation("OPTION_NOT_FOUND", "product option not found")
	ErrInvalidQty          = errs.Validation("INVALID_QTY", "quantity must be positive")
	ErrInsufficientStock   = errs.Domain("INSUFFICIENT_STOCK", "insufficient stock")
	ErrReservationMissing  = errs.Domain("RESERVATION_MISSING", "no reservation for order line")
	ErrReservationReleased = errs.Domain("RESERVATION_RELEASED", "reservation already released")
	ErrCouponNotFound      = errs.Domain("COUPON_NOT_FOUND", "coupon not found")
	ErrInsufficientBalance = errs.Domain("INSUFFICIENT_BALANCE", "insufficient balance")
	ErrUnauthorized        = errs.Domain("UNAUTHORIZED", "order does not belong to user")
)

// TxManager runs fn inside one transaction; repository calls made with the
// ctx handed to fn participate in it.
type TxManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type OrderRepository interface {
	Create(ctx context.Context, o Order, lines []OrderLine) error
	FindByID(ctx context.Context, id string) (Order, error)
	Update(ctx context.Context, o Order) error
	ListLines(ctx context.Context, orderID string) ([]OrderLine, error)
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]Order, error)
}

type ReservationRepository interface {
	Reserve(ctx context.Context, orderID string, lines []OrderLine) error
	// Confirm decrements live stock for one line on behalf of attempt. An
	// already confirmed line is not decremented again; it is handed over to
	// attempt.
	Confirm(ctx context.Context, orderID, optionID, attempt string) error
	// RestoreConfirmed puts every line confirmed by attempt back to RESERVED
	// and returns its quantity to live stock. Returns the number of lines
	// restored.
	RestoreConfirmed(ctx context.Context, orderID, attempt string) (int, error)
	ReleaseAll(ctx context.Context, orderID string) error
}

type CouponRepository interface {
	FindByID(ctx context.Context, id string) (Coupon, error)
	MarkIssued(ctx context.Context, couponID, userID string, at time.Time) error
	MarkUsed(ctx context.Context, couponID, userID, orderID, attempt string, at time.Time) error
	FindUsageByOrder(ctx context.Context, orderID string) (IssuedCoupon, bool, error)
	// ClearUsage undoes the usage recorded by attempt. A pre-issued coupon
	// goes back to unused; any other binding is removed.
	ClearUsage(ctx context.Context, couponID, userID, orderID, attempt string) error
}

type PaymentRepository interface {
	// Debit withdraws p.Amount from the user's balance and records the
	// payment. A second debit for an order already DEBITED is a no-op.
	Debit(ctx context.Context, p Payment) error
	// Refund returns a payment DEBITED by attempt to the balance. Reports
	// false when there was nothing of that attempt to refund.
	Refund(ctx context.Context, orderID, attempt string) (bool, error)
}

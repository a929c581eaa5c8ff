package orders

import "time"

// Money amounts are integer cents throughout.

type ProductOption struct {
	ID        string
	ProductID string
	Name      string
	Price     int64
	Stock     int
	UpdatedAt time.Time
}

type Order struct {
	ID        string
	UserID    string
	Gross     int64
	Discount  int64
	Net       int64
	Status    Status // lihat status.go
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

type OrderLine struct {
	ID       string
	OrderID  string
	OptionID string
	Price    int64
	Qty      int
	Subtotal int64
}

func NewOrderLine(orderID, optionID string, price int64, qty int) OrderLine {
	return OrderLine{
		OrderID:  orderID,
		OptionID: optionID,
		Price:    price,
		Qty:      qty,
		Subtotal: price * int64(qty),
	}
}

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

type StockReservation struct {
	OrderID  string
	OptionID string
	Qty      int
	Status   ReservationStatus
	// Attempt is the processing attempt that confirmed the line.
	Attempt   string
	CreatedAt time.Time
}

type Coupon struct {
	ID           string
	Name         string
	Quota        int
	DiscountRate int // percent, 0..100
	ExpiresAt    time.Time
}

// Discount returns the discount granted on gross, rounded down.
func (c Coupon) Discount(gross int64) int64 {
	if c.DiscountRate <= 0 {
		return 0
	}
	rate := c.DiscountRate
	if rate > 100 {
		rate = 100
	}
	return gross * int64(rate) / 100
}

// IssuedCoupon binds a coupon to a user; UsedOrderID is empty until the
// coupon is consumed by an order. PreIssued marks a coupon claimed ahead of
// any order, which survives the order failing.
type IssuedCoupon struct {
	CouponID    string
	UserID      string
	UsedOrderID string
	UsedAttempt string
	PreIssued   bool
	IssuedAt    time.Time
	UsedAt      *time.Time
}

type PaymentStatus string

const (
	PaymentDebited  PaymentStatus = "DEBITED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type Payment struct {
	OrderID   string
	UserID    string
	Attempt   string
	Amount    int64
	Status    PaymentStatus
	CreatedAt time.Time
}

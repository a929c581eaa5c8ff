package orderstest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/orders"
)

// Store keeps orders, reservations, coupons and payments in memory. Its
// repository views share one mutex; transactions are not isolated.
type Store struct {
	mu           sync.Mutex
	orders       map[string]orders.Order
	lines        map[string][]orders.OrderLine
	stock        map[string]int
	reservations map[string]map[string]*orders.StockReservation
	coupons      map[string]orders.Coupon
	issued       map[string]orders.IssuedCoupon
	balances     map[string]int64
	payments     map[string]orders.Payment
	fail         map[string]error
}

func NewStore() *Store {
	return &Store{
		orders:       map[string]orders.Order{},
		lines:        map[string][]orders.OrderLine{},
		stock:        map[string]int{},
		reservations: map[string]map[string]*orders.StockReservation{},
		coupons:      map[string]orders.Coupon{},
		issued:       map[string]orders.IssuedCoupon{},
		balances:     map[string]int64{},
		payments:     map[string]orders.Payment{},
		fail:         map[string]error{},
	}
}

// FailOn makes op (e.g. "Confirm:opt-2", "Debit", "Refund") return err until
// cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *Store) failed(op string) error { return s.fail[op] }

func (s *Store) SetStock(optionID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[optionID] = qty
}

func (s *Store) Stock(optionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[optionID]
}

func (s *Store) SetBalance(userID string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = amount
}

func (s *Store) Balance(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID]
}

func (s *Store) AddCoupon(c orders.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[c.ID] = c
}

func (s *Store) Usage(couponID, userID string) (orders.IssuedCoupon, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ic, ok := s.issued[couponID+"|"+userID]
	return ic, ok
}

func (s *Store) Payment(orderID string) (orders.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	return p, ok
}

func (s *Store) Reservation(orderID, optionID string) (orders.StockReservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[orderID][optionID]
	if !ok {
		return orders.StockReservation{}, false
	}
	return *r, true
}

// PutOrder stores o with lines and RESERVED reservations for each line.
func (s *Store) PutOrder(o orders.Order, lines []orders.OrderLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	s.lines[o.ID] = append([]orders.OrderLine(nil), lines...)
	m := map[string]*orders.StockReservation{}
	for _, l := range lines {
		m[l.OptionID] = &orders.StockReservation{OrderID: o.ID, OptionID: l.OptionID, Qty: l.Qty, Status: orders.ReservationReserved}
	}
	s.reservations[o.ID] = m
}

func (s *Store) Order(id string) orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *Store) Orders() *OrderRepo             { return &OrderRepo{s} }
func (s *Store) Reservations() *ReservationRepo { return &ReservationRepo{s} }
func (s *Store) Coupons() *CouponRepo           { return &CouponRepo{s} }
func (s *Store) Payments() *PaymentRepo         { return &PaymentRepo{s} }

// NoTx runs fn directly.
type NoTx struct{}

func (NoTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type OrderRepo struct{ s *Store }

func (r *OrderRepo) Create(_ context.Context, o orders.Order, lines []orders.OrderLine) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failed("CreateOrder"); err != nil {
		return err
	}
	r.s.orders[o.ID] = o
	r.s.lines[o.ID] = append([]orders.OrderLine(nil), lines...)
	return nil
}

func (r *OrderRepo) FindByID(_ context.Context, id string) (orders.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failed("FindOrder"); err != nil {
		return orders.Order{}, err
	}
	if err := r.s.failed("FindOrder:" + id); err != nil {
		return orders.Order{}, err
	}
	o, ok := r.s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound.With(fmt.Errorf("order %s", id))
	}
	return o, nil
}

func (r *OrderRepo) Update(_ context.Context, o orders.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failed("UpdateOrder"); err != nil {
		return err
	}
	if _, ok := r.s.orders[o.ID]; !ok {
		return orders.ErrOrderNotFound.With(fmt.Errorf("order %s", o.ID))
	}
	o.UpdatedAt = time.Now().UTC()
	r.s.orders[o.ID] = o
	return nil
}

func (r *OrderRepo) ListLines(_ context.Context, orderID string) ([]orders.OrderLine, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]orders.OrderLine(nil), r.s.lines[orderID]...), nil
}

func (r *OrderRepo) FindExpiredPending(_ context.Context, now time.Time, limit int) ([]orders.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []orders.Order
	for _, o := range r.s.orders {
		if o.Status == orders.StatusPending && o.ExpiresAt.Before(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type ReservationRepo struct{ s *Store }

func (r *ReservationRepo) Reserve(_ context.Context, orderID string, lines []orders.OrderLine) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m := r.s.reservations[orderID]
	if m == nil {
		m = map[string]*orders.StockReservation{}
		r.s.reservations[orderID] = m
	}
	for _, l := range lines {
		if _, ok := m[l.OptionID]; !ok {
			m[l.OptionID] = &orders.StockReservation{OrderID: orderID, OptionID: l.OptionID, Qty: l.Qty, Status: orders.ReservationReserved}
		}
	}
	return nil
}

func (r *ReservationRepo) Confirm(_ context.Context, orderID, optionID, attempt string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failed("Confirm:" + optionID); err != nil {
		return err
	}
	res, ok := r.s.reservations[orderID][optionID]
	if !ok {
		return orders.ErrReservationMissing.With(fmt.Errorf("order %s option %s", orderID, optionID))
	}
	switch res.Status {
	case orders.ReservationConfirmed:
		res.Attempt = attempt
		return nil
	case orders.ReservationReleased:
		return orders.ErrReservationReleased
	}
	if r.s.stock[optionID] < res.Qty {
		return orders.ErrInsufficientStock.With(fmt.Errorf("option %s", optionID))
	}
	r.s.stock[optionID] -= res.Qty
	res.Status = orders.ReservationConfirmed
	res.Attempt = attempt
	return nil
}

func (r *ReservationRepo) RestoreConfirmed(_ context.Context, orderID, attempt string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failed("RestoreConfirmed"); err != nil {
		return 0, err
	}
	n := 0
	for _, res := range r.s.reservations[orderID] {
		if res.Status == orders.ReservationConfirmed && res.Attempt == attempt {
			r.s.stock[res.OptionID] += res.Qty
			res.Status = orders.ReservationReserved
			n++
		}
	}
	return n, nil
}

func (r *ReservationRepo) ReleaseAll(_ context.Context, orderID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failed("ReleaseAll"); err != nil {
		return err
	}
	for _, res := range r.s.reservations[orderID] {
		if res.Status == orders.ReservationConfirmed {
			r.s.stock[res.OptionID] += res.Qty
		}
		res.Status = orders.ReservationReleased
	}
	return nil
}

type CouponRepo struct{ s *Store }

func (r *CouponRepo) FindByID(_ context.Context, id string) (orders.Coupon, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.coupons[id]
	if !ok {
		return orders.Coupon{}, orders.ErrCouponNotFound.With(fmt.Errorf("coupon %s", id))
	}
	return c, nil
}

func (r *CouponRepo) MarkIssued(_ context.Context, couponID, userID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := couponID + "|" + userID
	if _, ok := r.s.issued[k]; !ok {
		r.s.issued[k] = orders.IssuedCoupon{CouponID: couponID, UserID: userID, PreIssued: true, IssuedAt: at}
	}
	return nil
}

func (r *CouponRepo) MarkUsed(_ context.Context, couponID, userID, orderID, attempt string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failed("MarkUsed"); err != nil {
		return err
	}
	k := couponID + "|" + userID
	ic, ok := r.s.issued[k]
	if !ok {
		ic = orders.IssuedCoupon{CouponID: couponID, UserID: userID, IssuedAt: at}
	}
	if ic.UsedOrderID != "" && ic.UsedOrderID != orderID {
		return nil
	}
	ic.UsedOrderID = orderID
	ic.UsedAttempt = attempt
	ic.UsedAt = &at
	r.s.issued[k] = ic
	return nil
}

func (r *CouponRepo) FindUsageByOrder(_ context.Context, orderID string) (orders.IssuedCoupon, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ic := range r.s.issued {
		if ic.UsedOrderID == orderID {
			return ic, true, nil
		}
	}
	return orders.IssuedCoupon{}, false, nil
}

func (r *CouponRepo) ClearUsage(_ context.Context, couponID, userID, orderID, attempt string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := couponID + "|" + userID
	ic, ok := r.s.issued[k]
	if !ok || ic.UsedOrderID != orderID || ic.UsedAttempt != attempt {
		return nil
	}
	if !ic.PreIssued {
		delete(r.s.issued, k)
		return nil
	}
	ic.UsedOrderID, ic.UsedAttempt, ic.UsedAt = "", "", nil
	r.s.issued[k] = ic
	return nil
}

type PaymentRepo struct{ s *Store }

func (r *PaymentRepo) Debit(_ context.Context, p orders.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failed("Debit"); err != nil {
		return err
	}
	if cur, ok := r.s.payments[p.OrderID]; ok && cur.Status == orders.PaymentDebited {
		return nil
	}
	if r.s.balances[p.UserID] < p.Amount {
		return orders.ErrInsufficientBalance.With(fmt.Errorf("user %s amount %d", p.UserID, p.Amount))
	}
	r.s.balances[p.UserID] -= p.Amount
	p.Status = orders.PaymentDebited
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	r.s.payments[p.OrderID] = p
	return nil
}

func (r *PaymentRepo) Refund(_ context.Context, orderID, attempt string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failed("Refund"); err != nil {
		return false, err
	}
	p, ok := r.s.payments[orderID]
	if !ok || p.Status != orders.PaymentDebited || p.Attempt != attempt {
		return false, nil
	}
	r.s.balances[p.UserID] += p.Amount
	p.Status = orders.PaymentRefunded
	r.s.payments[orderID] = p
	return true, nil
}

var (
	_ orders.OrderRepository       = (*OrderRepo)(nil)
	_ orders.ReservationRepository = (*ReservationRepo)(nil)
	_ orders.CouponRepository      = (*CouponRepo)(nil)
	_ orders.PaymentRepository     = (*PaymentRepo)(nil)
	_ orders.TxManager             = NoTx{}
	_ orders.Publisher             = (*Publisher)(nil)
)

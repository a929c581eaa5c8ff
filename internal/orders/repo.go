package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/ariefcatur/go-order-saga/internal/errs"
	"github.com/ariefcatur/go-order-saga/internal/postgres"
)

type ItemInput struct {
	OptionID string `json:"option_id"`
	Qty      int    `json:"qty"`
}

type Repo struct{ DB postgres.DB }

func (r *Repo) q(ctx context.Context) postgres.Querier { return postgres.Conn(ctx, r.DB) }

func infra(err error, msg string) error {
	return errs.Infra("POSTGRES", errors.Wrap(err, msg))
}

// PlaceOrder prices lines from product_options (never trust the client),
// checks availability net of open reservations, and writes order, lines and
// reservations in one transaction.
func (r *Repo) PlaceOrder(ctx context.Context, userID string, items []ItemInput, ttl time.Duration) (Order, []OrderLine, error) {
	if len(items) == 0 {
		return Order{}, nil, errs.Validation("EMPTY_ORDER", "order has no items")
	}
	for _, it := range items {
		if it.Qty <= 0 {
			return Order{}, nil, ErrInvalidQty.With(fmt.Errorf("option %s", it.OptionID))
		}
	}

	now := time.Now().UTC()
	o := Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
	var lines []OrderLine

	err := postgres.NewTxManager(r.DB).InTx(ctx, func(ctx context.Context) error {
		for _, it := range items {
			var price int64
			var available int
			err := r.q(ctx).QueryRow(ctx, `
				SELECT p.price, p.stock - COALESCE((
					SELECT SUM(s.qty) FROM stock_reservations s
					WHERE s.option_id = p.id AND s.status = 'RESERVED'), 0)
				FROM product_options p WHERE p.id = $1 FOR UPDATE`, it.OptionID).Scan(&price, &available)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOptionNotFound.With(fmt.Errorf("option %s", it.OptionID))
			}
			if err != nil {
				return infra(err, "price option")
			}
			if available < it.Qty {
				return ErrInsufficientStock.With(fmt.Errorf("option %s: want %d, available %d", it.OptionID, it.Qty, available))
			}
			line := NewOrderLine(o.ID, it.OptionID, price, it.Qty)
			line.ID = uuid.NewString()
			lines = append(lines, line)
			o.Gross += line.Subtotal
		}
		o.Net = o.Gross

		if err := r.Create(ctx, o, lines); err != nil {
			return err
		}
		return (&ReservationRepo{DB: r.DB}).Reserve(ctx, o.ID, lines)
	})
	if err != nil {
		return Order{}, nil, err
	}
	return o, lines, nil
}

func (r *Repo) Create(ctx context.Context, o Order, lines []OrderLine) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO orders(id, user_id, gross, discount, net, status, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.UserID, o.Gross, o.Discount, o.Net, string(o.Status), o.CreatedAt, o.ExpiresAt, o.UpdatedAt)
	if err != nil {
		return infra(err, "insert order")
	}
	for _, l := range lines {
		if _, err := r.q(ctx).Exec(ctx, `
			INSERT INTO order_lines(id, order_id, option_id, price, qty, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			l.ID, o.ID, l.OptionID, l.Price, l.Qty, l.Subtotal); err != nil {
			return infra(err, "insert order line")
		}
	}
	return nil
}

func (r *Repo) FindByID(ctx context.Context, id string) (Order, error) {
	var o Order
	var status string
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, gross, discount, net, status, created_at, expires_at, updated_at
		FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &o.UserID, &o.Gross, &o.Discount, &o.Net, &status, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrOrderNotFound.With(fmt.Errorf("order %s", id))
	}
	if err != nil {
		return Order{}, infra(err, "find order")
	}
	o.Status = Status(status)
	return o, nil
}

func (r *Repo) Update(ctx context.Context, o Order) error {
	ct, err := r.q(ctx).Exec(ctx, `
		UPDATE orders SET discount = $2, net = $3, status = $4, updated_at = now()
		WHERE id = $1`, o.ID, o.Discount, o.Net, string(o.Status))
	if err != nil {
		return infra(err, "update order")
	}
	if ct.RowsAffected() == 0 {
		return ErrOrderNotFound.With(fmt.Errorf("order %s", o.ID))
	}
	return nil
}

func (r *Repo) ListLines(ctx context.Context, orderID string) ([]OrderLine, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, order_id, option_id, price, qty, subtotal
		FROM order_lines WHERE order_id = $1 ORDER BY option_id`, orderID)
	if err != nil {
		return nil, infra(err, "list order lines")
	}
	defer rows.Close()

	var out []OrderLine
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.OptionID, &l.Price, &l.Qty, &l.Subtotal); err != nil {
			return nil, infra(err, "scan order line")
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, infra(err, "iterate order lines")
	}
	return out, nil
}

func (r *Repo) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]Order, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, user_id, gross, discount, net, status, created_at, expires_at, updated_at
		FROM orders
		WHERE status = 'PENDING' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, infra(err, "find expired orders")
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var status string
		if err := rows.Scan(&o.ID, &o.UserID, &o.Gross, &o.Discount, &o.Net, &status, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt); err != nil {
			return nil, infra(err, "scan order")
		}
		o.Status = Status(status)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, infra(err, "iterate orders")
	}
	return out, nil
}

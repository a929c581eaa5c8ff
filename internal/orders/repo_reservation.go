package orders

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/ariefcatur/go-order-saga/internal/postgres"
)

type ReservationRepo struct{ DB postgres.DB }

func (r *ReservationRepo) q(ctx context.Context) postgres.Querier { return postgres.Conn(ctx, r.DB) }

func (r *ReservationRepo) tx() *postgres.TxManager { return postgres.NewTxManager(r.DB) }

func (r *ReservationRepo) Reserve(ctx context.Context, orderID string, lines []OrderLine) error {
	for _, l := range lines {
		if _, err := r.q(ctx).Exec(ctx, `
			INSERT INTO stock_reservations(order_id, option_id, qty, status, created_at, updated_at)
			VALUES ($1, $2, $3, 'RESERVED', now(), now())
			ON CONFLICT (order_id, option_id) DO NOTHING`,
			orderID, l.OptionID, l.Qty); err != nil {
			return infra(err, "insert reservation")
		}
	}
	return nil
}

// Confirm: lock reservation row (FOR UPDATE) -> kurangi stok -> CONFIRMED.
// Baris yang sudah CONFIRMED hanya pindah ke attempt baru.
func (r *ReservationRepo) Confirm(ctx context.Context, orderID, optionID, attempt string) error {
	return r.tx().InTx(ctx, func(ctx context.Context) error {
		var qty int
		var status string
		err := r.q(ctx).QueryRow(ctx, `
			SELECT qty, status FROM stock_reservations
			WHERE order_id = $1 AND option_id = $2 FOR UPDATE`, orderID, optionID).Scan(&qty, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationMissing.With(fmt.Errorf("order %s option %s", orderID, optionID))
		}
		if err != nil {
			return infra(err, "lock reservation")
		}

		switch ReservationStatus(status) {
		case ReservationConfirmed:
			if _, err := r.q(ctx).Exec(ctx, `
				UPDATE stock_reservations SET attempt = $3, updated_at = now()
				WHERE order_id = $1 AND option_id = $2`, orderID, optionID, attempt); err != nil {
				return infra(err, "adopt reservation")
			}
			return nil
		case ReservationReleased:
			return ErrReservationReleased.With(fmt.Errorf("order %s option %s", orderID, optionID))
		}

		ct, err := r.q(ctx).Exec(ctx, `
			UPDATE product_options SET stock = stock - $2, updated_at = now()
			WHERE id = $1 AND stock >= $2`, optionID, qty)
		if err != nil {
			return infra(err, "decrement stock")
		}
		if ct.RowsAffected() != 1 {
			return ErrInsufficientStock.With(fmt.Errorf("option %s qty %d", optionID, qty))
		}

		if _, err := r.q(ctx).Exec(ctx, `
			UPDATE stock_reservations SET status = 'CONFIRMED', attempt = $3, updated_at = now()
			WHERE order_id = $1 AND option_id = $2`, orderID, optionID, attempt); err != nil {
			return infra(err, "confirm reservation")
		}
		return nil
	})
}

type reservedLine struct {
	optionID string
	qty      int
}

// lockLines locks the confirmed lines of the order; attempt "" matches any.
func (r *ReservationRepo) lockLines(ctx context.Context, orderID, attempt string) ([]reservedLine, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT option_id, qty FROM stock_reservations
		WHERE order_id = $1 AND status = 'CONFIRMED' AND ($2 = '' OR attempt = $2)
		ORDER BY option_id FOR UPDATE`, orderID, attempt)
	if err != nil {
		return nil, infra(err, "lock reservations")
	}
	defer rows.Close()

	var out []reservedLine
	for rows.Next() {
		var x reservedLine
		if err := rows.Scan(&x.optionID, &x.qty); err != nil {
			return nil, infra(err, "scan reservation")
		}
		out = append(out, x)
	}
	if err := rows.Err(); err != nil {
		return nil, infra(err, "iterate reservations")
	}
	return out, nil
}

func (r *ReservationRepo) restock(ctx context.Context, lines []reservedLine) error {
	for _, x := range lines {
		if _, err := r.q(ctx).Exec(ctx, `
			UPDATE product_options SET stock = stock + $2, updated_at = now() WHERE id = $1`,
			x.optionID, x.qty); err != nil {
			return infra(err, "restock option")
		}
	}
	return nil
}

func (r *ReservationRepo) RestoreConfirmed(ctx context.Context, orderID, attempt string) (int, error) {
	var n int
	err := r.tx().InTx(ctx, func(ctx context.Context) error {
		lines, err := r.lockLines(ctx, orderID, attempt)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return nil
		}
		if err := r.restock(ctx, lines); err != nil {
			return err
		}
		if _, err := r.q(ctx).Exec(ctx, `
			UPDATE stock_reservations SET status = 'RESERVED', updated_at = now()
			WHERE order_id = $1 AND status = 'CONFIRMED' AND attempt = $2`, orderID, attempt); err != nil {
			return infra(err, "restore reservations")
		}
		n = len(lines)
		return nil
	})
	return n, err
}

// ReleaseAll returns confirmed quantities to stock and marks every open
// reservation of the order RELEASED.
func (r *ReservationRepo) ReleaseAll(ctx context.Context, orderID string) error {
	return r.tx().InTx(ctx, func(ctx context.Context) error {
		lines, err := r.lockLines(ctx, orderID, "")
		if err != nil {
			return err
		}
		if err := r.restock(ctx, lines); err != nil {
			return err
		}
		if _, err := r.q(ctx).Exec(ctx, `
			UPDATE stock_reservations SET status = 'RELEASED', updated_at = now()
			WHERE order_id = $1 AND status <> 'RELEASED'`, orderID); err != nil {
			return infra(err, "release reservations")
		}
		return nil
	})
}

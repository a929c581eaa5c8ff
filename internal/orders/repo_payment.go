package orders

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/ariefcatur/go-order-saga/internal/postgres"
)

type PaymentRepo struct{ DB postgres.DB }

func (r *PaymentRepo) q(ctx context.Context) postgres.Querier { return postgres.Conn(ctx, r.DB) }

func (r *PaymentRepo) Debit(ctx context.Context, p Payment) error {
	return postgres.NewTxManager(r.DB).InTx(ctx, func(ctx context.Context) error {
		var status string
		err := r.q(ctx).QueryRow(ctx, `
			SELECT status FROM payments WHERE order_id = $1 FOR UPDATE`, p.OrderID).Scan(&status)
		switch {
		case err == nil && PaymentStatus(status) == PaymentDebited:
			return nil
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return infra(err, "lock payment")
		}

		ct, err := r.q(ctx).Exec(ctx, `
			UPDATE user_balances SET balance = balance - $2, updated_at = now()
			WHERE user_id = $1 AND balance >= $2`, p.UserID, p.Amount)
		if err != nil {
			return infra(err, "debit balance")
		}
		if ct.RowsAffected() != 1 {
			return ErrInsufficientBalance.With(fmt.Errorf("user %s amount %d", p.UserID, p.Amount))
		}

		if _, err := r.q(ctx).Exec(ctx, `
			INSERT INTO payments(order_id, user_id, attempt, amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'DEBITED', now(), now())
			ON CONFLICT (order_id) DO UPDATE
			SET attempt = EXCLUDED.attempt, amount = EXCLUDED.amount, status = 'DEBITED', updated_at = now()`,
			p.OrderID, p.UserID, p.Attempt, p.Amount); err != nil {
			return infra(err, "record payment")
		}
		return nil
	})
}

func (r *PaymentRepo) Refund(ctx context.Context, orderID, attempt string) (bool, error) {
	refunded := false
	err := postgres.NewTxManager(r.DB).InTx(ctx, func(ctx context.Context) error {
		var userID, status string
		var amount int64
		err := r.q(ctx).QueryRow(ctx, `
			SELECT user_id, amount, status FROM payments WHERE order_id = $1 AND attempt = $2 FOR UPDATE`, orderID, attempt).
			Scan(&userID, &amount, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return infra(err, "lock payment")
		}
		if PaymentStatus(status) != PaymentDebited {
			return nil
		}
		if _, err := r.q(ctx).Exec(ctx, `
			UPDATE user_balances SET balance = balance + $2, updated_at = now() WHERE user_id = $1`,
			userID, amount); err != nil {
			return infra(err, "credit balance")
		}
		if _, err := r.q(ctx).Exec(ctx, `
			UPDATE payments SET status = 'REFUNDED', updated_at = now() WHERE order_id = $1`, orderID); err != nil {
			return infra(err, "mark refunded")
		}
		refunded = true
		return nil
	})
	return refunded, err
}

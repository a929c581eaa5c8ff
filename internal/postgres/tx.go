package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type txKey struct{}

// TxManager opens a transaction and carries it in the context so that every
// repository call made inside fn joins it. Nested InTx calls reuse the outer
// transaction.
type TxManager struct {
	DB DB
}

func NewTxManager(db DB) *TxManager { return &TxManager{DB: db} }

func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Conn returns the transaction carried by ctx, falling back to db.
func Conn(ctx context.Context, db Querier) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return db
}
